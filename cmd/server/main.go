package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mirrorbot/internal/api"
	"mirrorbot/internal/config"
	"mirrorbot/internal/database"
	"mirrorbot/internal/downloader"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/metrics"
	"mirrorbot/internal/monitor"
	"mirrorbot/internal/notify"
	"mirrorbot/internal/orchestrator"
	"mirrorbot/internal/retry"
	"mirrorbot/internal/scheduler"
	"mirrorbot/internal/source"
	"mirrorbot/internal/task"
	"mirrorbot/internal/upload"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Errorw("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Engine.DownloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	db, err := database.Init(cfg.Registry.DataDir)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	defer db.Close()

	store, err := task.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("failed to init task store: %w", err)
	}

	// notifications
	sinks := notify.Multi{notify.NewLogSink(log)}
	if cfg.Notify.AMQPURL != "" {
		amqpSink, err := notify.DialAMQP(cfg.Notify, log)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
	}
	dispatcher := notify.NewDispatcher(sinks, cfg.Notify.Buffer, log)

	// registry and metrics
	var registry *task.Registry
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry, metrics.CountByStatus(func() []task.Task {
		return registry.List(task.Filter{})
	}))
	registry = task.NewRegistry(
		task.WithStore(store),
		task.WithLogger(log.Named("registry")),
		task.WithObserver(m.Observe),
		task.WithObserver(dispatcher.Observe),
	)

	// engine
	resolver := source.NewResolver(cfg.Engine.Headers, cfg.Engine.Timeout)
	engine := downloader.NewEngine(downloader.NewClient(cfg.Engine), resolver, cfg.Engine, log)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if version, err := engine.Ping(pingCtx); err != nil {
		log.Warnw("aria2 is not reachable yet, tasks will wait for it", "url", cfg.Engine.RPCURL, "error", err)
	} else {
		log.Infow("connected to aria2", "version", version)
	}
	cancel()

	// upload
	storage, err := upload.OpenBlobStorage(ctx, cfg.Upload)
	if err != nil {
		return fmt.Errorf("failed to open upload bucket: %w", err)
	}
	defer storage.Close()
	uploadRetry := retry.New(cfg.Retry.Upload, retry.OnRetry(m.RetryHook("upload")))
	pipeline := upload.NewPipeline(storage, registry, uploadRetry, cfg.Upload, log, upload.OnUploaded(m.Uploaded))

	sched := scheduler.New(registry, engine, cfg.Scheduler, cfg.Engine.DownloadDir, log,
		scheduler.WithRetryOptions(retry.OnRetry(m.RetryHook("start"))))

	engineRetry := retry.New(cfg.Retry.Engine, retry.OnRetry(m.RetryHook("engine")))
	mon := monitor.New(registry, engine, pipeline, sched, engineRetry, cfg.Monitor, log, monitor.OnPoll(m.ObservePoll))

	svc := orchestrator.New(registry, engine, pipeline, sched, cfg, log, orchestrator.WithStore(store))
	server := api.NewServer(svc, cfg.Server, promRegistry, log, api.WithHealthCheck(engine.Ping))

	// dispatcher runs on its own context so that it can flush after the
	// workers have stopped
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		dispatcher.Run(notifyCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	// restored downloads must stop with the workers
	sched.SetContext(gctx)
	if _, err := svc.Restore(gctx); err != nil {
		log.Errorw("failed to restore tasks", "error", err)
	}

	g.Go(func() error {
		sched.Run(gctx, cfg.Monitor.Interval)
		return nil
	})
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	g.Go(func() error {
		downloader.NewListener(cfg.Engine, log).Run(gctx, func(n downloader.Notification) {
			mon.Wake()
		})
		return nil
	})
	g.Go(func() error {
		svc.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorw("server forced to shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()
	sched.Wait()
	mon.Wait()
	pipeline.Wait()
	stopNotify()
	<-notifyDone

	if err != nil {
		return err
	}
	log.Info("server exited gracefully")
	return nil
}
