package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	keyword := flag.String("search", "", "Search all sources for a keyword and exit")
	limit := flag.Int("limit", 0, "Maximum search results (defaults to config)")
	bookURL := flag.String("url", "", "Book detail page URL to download")
	sourceID := flag.Int("source", 0, "Source rule id for -url")
	format := flag.String("format", "", "Output format, txt or epub (defaults to config)")
	outDir := flag.String("out", "", "Output directory (defaults to config)")
	flag.Parse()

	if (*keyword == "") == (*bookURL == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -search or -url is required")
		flag.Usage()
		os.Exit(2)
	}

	cfgExplicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			cfgExplicit = true
		}
	})

	cfg, err := config.Resolve(*cfgPath, cfgExplicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}

	sources, err := rules.LoadDir(cfg.Rules.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load source rules: %v\n", err)
		os.Exit(1)
	}

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *keyword != "" {
		err = runSearch(ctx, cfg, sources, engine, *keyword, *limit)
	} else {
		err = runDownload(ctx, cfg, sources, engine, logger, *bookURL, *sourceID, *format, *outDir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "noveldl: %v\n", err)
		os.Exit(1)
	}
}

func runSearch(ctx context.Context, cfg *config.Config, sources *rules.Store, engine *extract.Engine, keyword string, limit int) error {
	if limit <= 0 {
		limit = cfg.Search.MaxResults
	}
	searchCtx, cancel := context.WithTimeout(ctx, cfg.Search.Timeout.Or(20*time.Second))
	defer cancel()

	results := engine.SearchAll(searchCtx, sources.Searchable(), keyword, limit)
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%2d. %s", i+1, r.Title)
		if r.Author != "" {
			fmt.Printf(" / %s", r.Author)
		}
		fmt.Printf("  [source %d %s]\n", r.SourceID, r.SourceName)
		fmt.Printf("    %s\n", r.URL)
	}
	return nil
}

func runDownload(ctx context.Context, cfg *config.Config, sources *rules.Store, engine *extract.Engine, logger *slog.Logger, rawURL string, sourceID int, format, outDir string) error {
	dir := outDir
	if dir == "" {
		dir = cfg.Download.Dir
	}
	store, err := storage.NewBookStore(dir)
	if err != nil {
		return err
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
	defer manager.Shutdown()

	task, err := manager.Start(rawURL, sourceID, format)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-task.Done():
			break wait
		case <-ctx.Done():
			_ = manager.Cancel(task.ID())
			<-task.Done()
			break wait
		case <-ticker.C:
			snap := task.Snapshot()
			if snap.Total > 0 {
				fmt.Fprintf(os.Stderr, "\r%d/%d chapters (%.0f%%)", snap.Done, snap.Total, snap.Progress)
			}
		}
	}
	fmt.Fprintln(os.Stderr)

	snap := task.Snapshot()
	if snap.Status != download.StatusCompleted {
		if snap.Error != "" {
			return fmt.Errorf("download %s: %s", snap.Status, snap.Error)
		}
		return fmt.Errorf("download %s", snap.Status)
	}
	if snap.FilePath == "" {
		return fmt.Errorf("book %q was not saved under %s", snap.Title, dir)
	}

	data, _, err := task.Result()
	if err != nil {
		return err
	}
	fmt.Printf("saved %s (%d bytes)\n", snap.FilePath, len(data))
	return nil
}

func buildEngine(cfg *config.Config, logger *slog.Logger) (*extract.Engine, error) {
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
		return nil, err
	}
	return extract.NewEngine(fetch, logger), nil
}
