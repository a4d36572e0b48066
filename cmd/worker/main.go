// Package main provides the entry point for the install worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/homeport-sh/homeport/internal/api/health"
	"github.com/homeport-sh/homeport/internal/lifecycle"
	"github.com/homeport-sh/homeport/internal/metrics"
	pgqueue "github.com/homeport-sh/homeport/internal/queue/postgres"
	"github.com/homeport-sh/homeport/internal/runtime"
	"github.com/homeport-sh/homeport/internal/runtime/docker"
	"github.com/homeport-sh/homeport/internal/secrets"
	"github.com/homeport-sh/homeport/internal/shutdown"
	pgstore "github.com/homeport-sh/homeport/internal/store/postgres"
	"github.com/homeport-sh/homeport/internal/worker"
	"github.com/homeport-sh/homeport/pkg/config"
	"github.com/homeport-sh/homeport/pkg/logger"
)

// version is set at build time using ldflags.
var version = "dev"

func main() {
	log := logger.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	if cfg.DemoMode() {
		log.Error("the standalone worker requires the postgres store; demo mode runs its worker inside the API process")
		os.Exit(1)
	}

	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	q := pgqueue.NewPostgresQueue(st.DB(), log.Logger)

	var rt runtime.Runtime
	if cfg.RuntimeDriver == config.RuntimeDriverMock {
		log.Warn("using mock container runtime, no containers will be started")
		rt = runtime.NewMock()
	} else {
		dockerRT, err := docker.New()
		if err != nil {
			log.Error("failed to connect to the container runtime", "error", err)
			os.Exit(1)
		}
		rt = dockerRT
	}

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
	} else {
		log.Warn("age keys not configured, installs with secret variables will fail")
	}
	tracker := lifecycle.NewTracker(st, log.Logger, trackerOpts...)

	m := metrics.New("homeport")

	workerCfg := &worker.Config{
		Concurrency:    cfg.Worker.MaxConcurrency,
		PollInterval:   cfg.Worker.PollInterval,
		InstallTimeout: cfg.Worker.InstallTimeout,
	}
	w := worker.NewWorker(workerCfg, tracker, st, q, rt, secretsSvc, m, log.Logger)

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		log.Error("failed to start install worker", "error", err)
		os.Exit(1)
	}

	// Scrape and liveness endpoints.
	checker := health.NewChecker(version)
	checker.AddComponent("database", st)
	checker.AddComponent("runtime", rt)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("starting worker metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coord.Register(shutdown.NewCloserComponent("store", st))
	coord.Register(shutdown.NewWorkerComponent("install-worker", w))
	coord.Register(shutdown.NewHTTPServerComponent("metrics-server", metricsServer))

	log.Info("install worker running",
		"concurrency", cfg.Worker.MaxConcurrency,
		"poll_interval", cfg.Worker.PollInterval.String(),
	)

	coord.WaitForSignal()
	log.Info("install worker shutdown complete")
	os.Exit(coord.ExitCode())
}
