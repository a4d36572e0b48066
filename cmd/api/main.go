// Package main provides the entry point for the API server.
package main

import (
	"context"
	"os"

	"github.com/homeport-sh/homeport/internal/api"
	"github.com/homeport-sh/homeport/internal/auth"
	"github.com/homeport-sh/homeport/internal/catalog"
	"github.com/homeport-sh/homeport/internal/lifecycle"
	"github.com/homeport-sh/homeport/internal/metrics"
	"github.com/homeport-sh/homeport/internal/queue"
	memqueue "github.com/homeport-sh/homeport/internal/queue/memory"
	pgqueue "github.com/homeport-sh/homeport/internal/queue/postgres"
	"github.com/homeport-sh/homeport/internal/runtime"
	"github.com/homeport-sh/homeport/internal/secrets"
	"github.com/homeport-sh/homeport/internal/shutdown"
	"github.com/homeport-sh/homeport/internal/store"
	memstore "github.com/homeport-sh/homeport/internal/store/memory"
	pgstore "github.com/homeport-sh/homeport/internal/store/postgres"
	"github.com/homeport-sh/homeport/internal/worker"
	"github.com/homeport-sh/homeport/pkg/config"
	"github.com/homeport-sh/homeport/pkg/logger"
)

func main() {
	log := logger.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	// Demo mode runs everything in one process against in-memory state.
	var (
		st store.Store
		q  queue.Queue
	)
	if cfg.DemoMode() {
		log.Info("demo mode: using in-memory store and queue")
		st = memstore.NewMemoryStore()
		q = memqueue.NewMemoryQueue()
	} else {
		pgs, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pgs
		q = pgqueue.NewPostgresQueue(pgs.DB(), log.Logger)
	}

	m := metrics.New("homeport")

	var (
		secretsSvc  *secrets.Service
		trackerOpts []lifecycle.Option
	)
	if cfg.Secrets.AgePublicKey != "" || cfg.Secrets.AgePrivateKey != "" {
		secretsSvc, err = secrets.NewService(secrets.Config{
			AgePublicKey:  cfg.Secrets.AgePublicKey,
			AgePrivateKey: cfg.Secrets.AgePrivateKey,
		}, log.Logger)
		if err != nil {
			log.Error("failed to initialize secrets service", "error", err)
			os.Exit(1)
		}
		trackerOpts = append(trackerOpts, lifecycle.WithSnapshotCipher(secretsSvc))
	}
	tracker := lifecycle.NewTracker(st, log.Logger, trackerOpts...)

	ctx := context.Background()

	if cfg.CatalogPath != "" {
		templates, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			log.Error("failed to load catalog", "error", err, "path", cfg.CatalogPath)
			os.Exit(1)
		}
		if err := catalog.Seed(ctx, st.Templates(), templates, log.Logger); err != nil {
			log.Error("failed to seed catalog", "error", err)
			os.Exit(1)
		}
	}

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, log.Logger)

	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coord.Register(shutdown.NewCloserComponent("store", st))

	if cfg.DemoMode() {
		workerCfg := &worker.Config{
			Concurrency:    cfg.Worker.MaxConcurrency,
			PollInterval:   cfg.Worker.PollInterval,
			InstallTimeout: cfg.Worker.InstallTimeout,
		}
		w := worker.NewWorker(workerCfg, tracker, st, q, runtime.NewMock(), secretsSvc, m, log.Logger)
		if err := w.Start(ctx); err != nil {
			log.Error("failed to start install worker", "error", err)
			os.Exit(1)
		}
		coord.Register(shutdown.NewWorkerComponent("install-worker", w))
		log.Info("demo mode: in-process install worker started with mock runtime")
	}

	server := api.NewServer(cfg, st, tracker, q, authService, m, log.Logger)
	coord.Register(shutdown.NewFuncComponent("api-server", server.Shutdown))

	go coord.WaitForSignal()

	log.Info("starting API server",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
	)

	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		coord.Shutdown()
		coord.Wait()
		os.Exit(1)
	}

	coord.Shutdown()
	coord.Wait()
	log.Info("server stopped")
	os.Exit(coord.ExitCode())
}
