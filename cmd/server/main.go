package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"peerprep/collab/internal/api"
	"peerprep/collab/internal/config"
	"peerprep/collab/internal/jobs"
	"peerprep/collab/internal/relay"
	"peerprep/collab/internal/routers"
	"peerprep/collab/internal/store"
)

var (
	listenAndServe = serve
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("collab relay: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	snapshots, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []relay.Option{relay.WithLogger(logger)}
	if snapshots != nil {
		opts = append(opts, relay.WithStore(snapshots))
	}
	hub := relay.NewHub(opts...)

	job := jobs.NewSnapshotJob(hub, &jobs.SnapshotConfig{
		Schedule: cfg.SnapshotSchedule,
		Enabled:  snapshots != nil,
		Timeout:  30 * time.Second,
	}, logger)
	if err := job.Start(); err != nil {
		return err
	}
	defer job.Stop()

	handler := routers.New(api.NewHandlers(hub, logger, cfg.AllowedOrigins), cfg.AllowedOrigins)
	addr := ":" + cfg.Port
	logger.Info("collab relay listening", zap.String("addr", addr), zap.String("store", cfg.Store))
	serveErr := listenAndServe(ctx, addr, handler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("persisting rooms on shutdown", zap.Error(err))
	}
	return serveErr
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// openStore returns a nil store when persistence is disabled.
func openStore(ctx context.Context, cfg *config.Config) (store.SnapshotStore, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisStore(client, cfg.SnapshotTTL), func() { _ = client.Close() }, nil
	case config.StoreSQL:
		db, err := store.OpenSQL(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	default:
		return nil, func() {}, nil
	}
}

// serve runs the HTTP server until it fails or ctx is cancelled.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
