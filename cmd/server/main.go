package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/whiteboard-backend/internal/config"
	"github.com/DoyleJ11/whiteboard-backend/internal/httpapi"
	"github.com/DoyleJ11/whiteboard-backend/internal/hub"
	"github.com/DoyleJ11/whiteboard-backend/internal/logging"
	"github.com/DoyleJ11/whiteboard-backend/internal/metrics"
	"github.com/DoyleJ11/whiteboard-backend/internal/store"
	"github.com/DoyleJ11/whiteboard-backend/internal/ws"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server.exit", zap.Error(err))
		_ = logger.Sync()
		log.Fatal(err)
	}
	_ = logger.Sync()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	rs, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rs != nil {
		defer func() { err = multierr.Append(err, rs.Close()) }()
	}

	m := metrics.New()
	h := hub.NewHub(context.Background(), hub.Options{
		Store:        rs,
		StoreTimeout: cfg.StoreTimeout,
		PersistDelay: cfg.PersistDelay,
		Logger:       logger.Named("hub"),
		Metrics:      m,
	})

	router := httpapi.SetupRoutes(httpapi.Deps{
		Hub:       h,
		WS:        ws.OptionsFrom(cfg, logger.Named("ws"), m),
		CORSAllow: cfg.CORSAllow,
		Metrics:   m,
		Logger:    logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server.listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server.shutdown.start")

		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer stop()
		// Websocket handlers are hijacked and not waited on by Shutdown; the hub
		// shutdown below is what stops their rooms.
		return multierr.Combine(srv.Shutdown(shutdownCtx), h.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	logger.Info("server.shutdown.complete")
	return err
}
