package main

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/votaryx/backend/daemon/api/server"
	"github.com/votaryx/backend/daemon/config"
	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/daemon/scheduler"
	"github.com/votaryx/backend/daemon/service"
	"github.com/votaryx/backend/internal/cws"
	"github.com/votaryx/backend/internal/observability"
)

const version = "1.0.0"

func main() {
	logger := observability.NewLogger("votaryx-backend", version, os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if err := os.MkdirAll(cfg.DataDirectory, 0700); err != nil {
		logger.Fatal(err, "failed to create data directory")
	}

	metrics := observability.NewMetrics()
	if shutdown, err := observability.InitTracing(context.Background(), "votaryx-backend"); err != nil {
		logger.Error(err, "tracing disabled")
	} else {
		defer shutdown(context.Background())
	}

	logger.Info("votaryx backend starting")

	store, err := manager.NewStore(cfg.StorePath)
	if err != nil {
		logger.Fatal(err, "failed to open store")
	}
	defer store.Close()

	locks, err := manager.NewLockManager(cfg.LockPath, cfg.LockTTL)
	if err != nil {
		logger.Fatal(err, "failed to open lock database")
	}
	defer locks.Close()

	secrets := manager.NewSecretCache(cfg.SecretTTL)
	defer secrets.Flush()

	bus, err := service.OpenBus(cfg.QueuePath, metrics)
	if err != nil {
		logger.Fatal(err, "failed to open queue database")
	}
	defer bus.Close()

	cwsClient := cws.New(cws.Options{
		BaseURL:        cfg.CWSBaseURL,
		MaxConnections: cfg.CWSMaxConnections,
		MaxPerRoute:    cfg.CWSMaxPerRoute,
	}, metrics)

	events := service.NewEventPublisher(cfg.EventBufferSize)

	schedOpts := scheduler.Options{
		Tick:             cfg.SchedulerTick,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		BackoffBase:      cfg.RetryBackoffBase,
	}
	sched := scheduler.New(schedOpts, bus, nil, logger, metrics)

	orch := service.NewOrchestrator(service.Options{ChunkSize: cfg.ChunkSize},
		store, locks, secrets, sched, events, logger, metrics)
	sched.SetListener(orch)

	workerOpts := service.WorkerOptions{
		Concurrency:    cfg.WorkerConcurrency,
		TallyTimeout:   cfg.TallyTimeout,
		DecryptTimeout: cfg.DecryptTimeout,
		CombineTimeout: cfg.CombineTimeout,
		PostChunkDelay: 100 * time.Millisecond,
	}
	workers := service.NewWorkerPool(workerOpts, bus, sched, store,
		service.NewHandlers(store, secrets, cwsClient), logger, metrics)

	sched.Start()
	workers.Start()
	logger.Info("scheduler and workers running")

	healthChecker := observability.NewHealthChecker(version)
	healthChecker.RegisterCheck("store", observability.StoreCheck(store.DB()))
	healthChecker.RegisterCheck("queue", observability.QueueCheck(func() (int, error) {
		return bus.TotalDepth(), nil
	}))
	healthChecker.RegisterCheck("cws", observability.CWSCheck(cwsClient.Ping))
	healthChecker.RegisterCheck("scheduler", observability.SchedulerCheck(sched.Running))

	go startObservabilityServer(cfg.MetricsAddress, metrics, healthChecker, logger)

	mux := http.NewServeMux()
	server.NewDaemonAPIServer(orch, events).RegisterHTTP(mux)
	apiServer := &http.Server{
		Addr:         cfg.RESTAddress,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
	}
	go func() {
		logger.Info("REST API listening on " + cfg.RESTAddress)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "REST server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "REST shutdown failed")
	}

	// Drain workers first so every in-flight terminal report reaches the
	// scheduler, then stop dispatch, drop secrets and release this
	// process's locks. Messages published during the drain stay on the
	// durable queues for the next run.
	workers.Stop()
	sched.Stop()
	orch.Shutdown()

	logger.Info("daemon stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
