package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"devpath/internal/config"
	"devpath/internal/db"
	"devpath/internal/logger"
	"devpath/internal/router"
	"devpath/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.InitGlobalLogger(&cfg.Log)
	defer logger.Sync()
	log := logger.GetGlobalLogger()

	catalog, err := config.LoadCatalog(cfg.Reputation.CatalogFile)
	if err != nil {
		log.Fatalf("load reputation catalog: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := db.OpenStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	metrics := services.NewMetrics()

	var events services.Publisher = services.NopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPub := services.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		defer amqpPub.Close()
		events = amqpPub
	}

	var limiter services.AttemptLimiter = services.NewLocalLimiter(cfg.Admin.VerifyRate, cfg.Admin.VerifyBurst)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, admin attempt limiter is per-instance", zap.Error(err))
		} else {
			defer rdb.Close()
			limiter = services.NewRedisLimiter(rdb, cfg.Admin.VerifyRate, cfg.Admin.VerifyBurst, log)
		}
	}

	projector := services.NewProjector(st, cfg.Leaderboard.ExcludedUIDs, cfg.Leaderboard.CacheSize, metrics, log)
	go projector.Run(ctx)

	ledger := services.NewLedger(st, catalog, projector, metrics, log)
	badges := services.NewBadgeEngine(st, catalog, metrics, log)
	gate := services.NewAdminGate(st, limiter, cfg.Admin.SuperEmail, events, metrics, log)
	recalc := services.NewRecalculator(st, catalog, projector, metrics, log)
	dispatcher := services.NewDispatcher(st, services.MarkdownRenderer{}, events, metrics, log)
	jobs := services.NewJobRunner(recalc, dispatcher, events, log)
	defer jobs.Shutdown()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.New(router.Deps{
		Config:     cfg,
		Store:      st,
		Sessions:   services.NewSessionManager(st, ledger, badges, cfg.Admin.SuperEmail, log),
		Gate:       gate,
		Ops:        services.NewAdminOps(st, badges, gate, log),
		Jobs:       jobs,
		Projector:  projector,
		Profiles:   services.NewProfileService(st, badges, projector, log),
		Classifier: services.NewClassifier(catalog.Levels),
		Metrics:    metrics,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info("devpath server starting", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	projector.Flush(shutdownCtx)
}
