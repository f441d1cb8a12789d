package config

import (
	"fmt"
	"strings"

	"devpath/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"port"`
	SessionSecret string `mapstructure:"session_secret"`
	SiteURL       string `mapstructure:"site_url"`

	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	Log         logger.LogConfig  `mapstructure:"log"`
	Google      GoogleConfig      `mapstructure:"google"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Reputation  ReputationConfig  `mapstructure:"reputation"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"` // postgres/mongo/memory
	DatabaseURL   string `mapstructure:"database_url"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // 为空时使用进程内限流
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"` // 为空时不发布事件
	Exchange string `mapstructure:"exchange"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type AdminConfig struct {
	SuperEmail  string  `mapstructure:"super_email"`
	VerifyRate  float64 `mapstructure:"verify_rate"` // 每秒允许的校验次数
	VerifyBurst int     `mapstructure:"verify_burst"`
}

type LeaderboardConfig struct {
	ExcludedUIDs []string `mapstructure:"-"`
	CacheSize    int      `mapstructure:"cache_size"`
}

type ReputationConfig struct {
	CatalogFile string `mapstructure:"catalog_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("session_secret", "secret_key_change_me")
	v.SetDefault("site_url", "http://localhost:8080")

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "host=localhost user=postgres password=postgres dbname=devpath port=5432 sslmode=disable")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("store.mongo_database", "devpath")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "devpath.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.development", false)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")

	v.SetDefault("admin.super_email", "")
	v.SetDefault("admin.verify_rate", 0.2)
	v.SetDefault("admin.verify_burst", 5)

	v.SetDefault("leaderboard.excluded_uids", "")
	v.SetDefault("leaderboard.cache_size", 1024)

	v.SetDefault("reputation.catalog_file", "")
}

// Load 读取 .env 与环境变量，键名中的 . 对应环境变量里的 _，例如 STORE_DRIVER
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, reading config from environment")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Leaderboard.ExcludedUIDs = splitList(v.GetString("leaderboard.excluded_uids"))

	switch cfg.Store.Driver {
	case "postgres", "mongo", "memory":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
