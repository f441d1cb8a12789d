package db

import (
	"context"
	"fmt"

	"devpath/internal/config"
	"devpath/internal/logger"
	"devpath/internal/store"
	"devpath/internal/store/memstore"
	"devpath/internal/store/mongostore"
	"devpath/internal/store/pgstore"
)

// OpenStore 按 store.driver 打开存储后端
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		gdb, err := OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pgstore.New(gdb, cfg.DatabaseURL), nil
	case "mongo":
		mm, err := NewMongoManager(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		s := mongostore.New(mm.Database())
		if err := s.EnsureIndexes(ctx); err != nil {
			mm.Close(ctx)
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return s, nil
	case "memory":
		logger.Warn("Using in-memory store, data is lost on restart")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
