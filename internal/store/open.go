package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/whiteboard-backend/internal/config"
)

// Open connects the driver named by cfg.StoreDriver. It returns a nil store (and
// no error) for "none" and whenever the backend cannot be reached within
// cfg.ConnectTimeout, so the server keeps running in memory.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (RoomStore, error) {
	if cfg.StoreDriver == "" || cfg.StoreDriver == "none" {
		log.Info("store.disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var (
		s   RoomStore
		err error
	)
	switch cfg.StoreDriver {
	case "postgres":
		s, err = NewPostgres(ctx, cfg.PGURL, log)
	case "sqlite":
		s, err = NewSQLite(ctx, cfg.SQLitePath)
	case "mongo":
		s, err = NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if err != nil {
		log.Warn("store.degraded", zap.String("driver", cfg.StoreDriver), zap.Error(err))
		return nil, nil
	}
	log.Info("store.connected", zap.String("driver", cfg.StoreDriver))
	return s, nil
}
