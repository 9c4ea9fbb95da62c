package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sl-wen/novel-sub001/internal/api"
	"github.com/sl-wen/novel-sub001/internal/config"
	"github.com/sl-wen/novel-sub001/internal/download"
	"github.com/sl-wen/novel-sub001/internal/extract"
	"github.com/sl-wen/novel-sub001/internal/fetcher"
	"github.com/sl-wen/novel-sub001/internal/logging"
	"github.com/sl-wen/novel-sub001/internal/retry"
	"github.com/sl-wen/novel-sub001/internal/robots"
	"github.com/sl-wen/novel-sub001/internal/rules"
	"github.com/sl-wen/novel-sub001/internal/storage"
	"github.com/sl-wen/novel-sub001/internal/throttle"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to service configuration")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfgExplicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			cfgExplicit = true
		}
	})

	cfg, err := config.Resolve(*cfgPath, cfgExplicit)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialise logger: %v", err)
	}

	sources, err := rules.LoadDir(cfg.Rules.Dir)
	if err != nil {
		log.Fatalf("failed to load source rules: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetch, err := fetcher.New(fetcher.Options{
		UserAgent:    cfg.Fetch.UserAgent,
		Headers:      cfg.Fetch.Headers,
		Timeout:      cfg.Fetch.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		ProxyURL:     cfg.Fetch.ProxyURL,
		Throttle: throttle.New(throttle.Options{
			HostTTL:  cfg.Throttle.HostTTL.Duration,
			MaxHosts: cfg.Throttle.MaxHosts,
			RateLimit: throttle.RateLimit{
				Requests: cfg.Fetch.RateLimit.Requests,
				Window:   cfg.Fetch.RateLimit.Window.Duration,
			},
		}),
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration,
			MaxDelay:    cfg.Retry.MaxDelay.Duration,
		},
		Robots: robots.NewAgent(cfg.Robots, nil),
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to initialise fetch client: %v", err)
	}

	engine := extract.NewEngine(fetch, logger)

	store, err := storage.NewBookStore(cfg.Download.Dir)
	if err != nil {
		log.Fatalf("failed to initialise book store: %v", err)
	}

	manager := download.NewManager(ctx, download.Options{
		Sources:         sources,
		Engine:          engine,
		Concurrency:     cfg.Download.Concurrency,
		QueueSize:       cfg.Download.QueueSize,
		Store:           store,
		DefaultFormat:   cfg.Download.DefaultFormat,
		MaxFailureRatio: cfg.Download.MaxFailureRatio,
		TaskTTL:         cfg.Download.TaskTTL.Duration,
		Logger:          logger,
	})

	server := api.NewServer(sources, engine, manager, cfg.Search, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Or(10*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		manager.Shutdown()
	}()

	logger.Info("api server listening", "addr", cfg.Server.Addr, "sources", sources.Len())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Println("API server stopped")
}
