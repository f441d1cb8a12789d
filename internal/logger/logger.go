package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *Logger
	mu           sync.RWMutex
)

// Logger zap 封装，附带固定字段
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`     // debug/info/warn/error
	Format      string `mapstructure:"format"`    // json/console
	Output      string `mapstructure:"output"`    // stdout/stderr/file
	FilePath    string `mapstructure:"file_path"` // Output=file 时使用
	Development bool   `mapstructure:"development"`
}

func NewLogger(config *LogConfig) *Logger {
	level := parseLogLevel(config.Level)

	encoderConfig := getEncoderConfig(config.Development)
	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, getLogWriter(config), level)

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Development {
		opts = append(opts, zap.Development())
	}

	zapLogger := zap.New(core, opts...)
	return &Logger{Logger: zapLogger, sugar: zapLogger.Sugar()}
}

// NewNop 丢弃全部输出，测试使用
func NewNop() *Logger {
	l := zap.NewNop()
	return &Logger{Logger: l, sugar: l.Sugar()}
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func getEncoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		config := zap.NewDevelopmentEncoderConfig()
		config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return config
	}

	config := zap.NewProductionEncoderConfig()
	config.TimeKey = "timestamp"
	config.MessageKey = "message"
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.LowercaseLevelEncoder
	config.EncodeDuration = zapcore.SecondsDurationEncoder
	config.EncodeCaller = zapcore.ShortCallerEncoder
	return config
}

func getLogWriter(config *LogConfig) zapcore.WriteSyncer {
	switch config.Output {
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	case "file":
		if config.FilePath != "" {
			file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				return zapcore.AddSync(file)
			}
		}
		fallthrough
	default:
		return zapcore.AddSync(os.Stdout)
	}
}

// Named 派生一个带 component 字段的子 logger
func (l *Logger) Named(component string) *Logger {
	zl := l.Logger.With(zap.String("component", component))
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.Logger.With(fields...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

func (l *Logger) Debugf(template string, args ...interface{}) { l.sugar.Debugf(template, args...) }
func (l *Logger) Infof(template string, args ...interface{})  { l.sugar.Infof(template, args...) }
func (l *Logger) Warnf(template string, args ...interface{})  { l.sugar.Warnf(template, args...) }
func (l *Logger) Errorf(template string, args ...interface{}) { l.sugar.Errorf(template, args...) }
func (l *Logger) Fatalf(template string, args ...interface{}) { l.sugar.Fatalf(template, args...) }

// InitGlobalLogger 替换全局 logger，读取配置之前使用默认的 console 输出
func InitGlobalLogger(config *LogConfig) {
	l := NewLogger(config)
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

func GetGlobalLogger() *Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(&LogConfig{
			Level:       "info",
			Format:      "console",
			Output:      "stdout",
			Development: true,
		})
	}
	return globalLogger
}

// 全局日志函数
func Debug(msg string, fields ...zap.Field) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetGlobalLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetGlobalLogger().Error(msg, fields...) }

func Debugf(template string, args ...interface{}) { GetGlobalLogger().Debugf(template, args...) }
func Infof(template string, args ...interface{})  { GetGlobalLogger().Infof(template, args...) }
func Warnf(template string, args ...interface{})  { GetGlobalLogger().Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { GetGlobalLogger().Errorf(template, args...) }
func Fatalf(template string, args ...interface{}) { GetGlobalLogger().Fatalf(template, args...) }

func Named(component string) *Logger {
	return GetGlobalLogger().Named(component)
}

// Sync 刷新全局日志缓冲区
func Sync() error {
	return GetGlobalLogger().Sync()
}
