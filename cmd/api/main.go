package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cvrpnav/internal/api"
	"cvrpnav/internal/buildinfo"
	"cvrpnav/internal/config"
	"cvrpnav/internal/events"
	"cvrpnav/internal/logging"
	"cvrpnav/internal/metrics"
	"cvrpnav/internal/runs"
	"cvrpnav/internal/store"
	"cvrpnav/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("failed to init logger")
	}
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer closeStore()

	// Broker selection
	var broker events.Broker = events.NewMemory()
	if cfg.RedisURL != "" {
		rb, err := events.NewRedis(cfg.RedisURL, log)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, using in-process broker")
		} else {
			defer func() { _ = rb.Close() }()
			broker = rb
		}
	}

	pub := webhooks.NewPublisher(st)
	runner := runs.New(st, broker, events.NewProgressCache(), pub, cfg.MaxConcurrentRuns, log)
	srvDeps, err := api.NewServer(cfg, st, broker, runner, log)
	if err != nil {
		log.WithError(err).Fatal("failed to init server")
	}

	worker := webhooks.NewWorker(st, cfg.CallbackMaxAttempts, log.WithField("component", "webhooks"))
	worker.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srvDeps.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{"addr": srv.Addr, "version": buildinfo.Version, "profiles": len(cfg.Profiles)}).Info("API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server error")
	}
	close(worker.Stop)
	runner.Close()
}

// openStore uses Postgres when DATABASE_URL is set and memory otherwise.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Info("DATABASE_URL unset, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DBMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}
