package download

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sl-wen/novel-sub001/internal/assemble"
	"github.com/sl-wen/novel-sub001/internal/rules"
	"github.com/sl-wen/novel-sub001/internal/storage"
	"github.com/sl-wen/novel-sub001/pkg/types"
)

// Extractor is the pipeline's view of the rule engine.
type Extractor interface {
	Detail(ctx context.Context, rule *rules.Rule, rawURL string) (types.BookDetail, error)
	TOC(ctx context.Context, rule *rules.Rule, detailURL string) ([]types.Chapter, error)
	Chapter(ctx context.Context, rule *rules.Rule, chapterURL string) (string, error)
}

// Options configures a Manager. Sources and Engine are required; the rest
// default to sensible values.
type Options struct {
	Sources *rules.Store
	Engine  Extractor

	// Concurrency bounds chapter fetch workers across all active tasks.
	Concurrency int
	QueueSize   int

	// Store, when set, persists completed books to disk. The result bytes
	// stay pollable either way.
	Store *storage.BookStore

	DefaultFormat   string
	MaxFailureRatio float64
	TaskTTL         time.Duration
	Logger          *slog.Logger
}

// Manager owns the task registry and the shared chapter worker pool. It is
// safe for concurrent use by arbitrarily many callers.
type Manager struct {
	sources   *rules.Store
	engine    Extractor
	pool      *workerPool
	store     *storage.BookStore
	tolerance float64
	defFormat string
	ttl       time.Duration
	logger    *slog.Logger

	rootCtx  context.Context
	rootStop context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*Task

	pipelines sync.WaitGroup
}

// NewManager constructs the registry and starts its retention janitor.
func NewManager(parent context.Context, opts Options) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	tolerance := opts.MaxFailureRatio
	if tolerance <= 0 || tolerance >= 1 {
		tolerance = 0.2
	}
	format := strings.ToLower(strings.TrimSpace(opts.DefaultFormat))
	if !assemble.Supported(format) {
		format = assemble.FormatTXT
	}
	ttl := opts.TaskTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		sources:   opts.Sources,
		engine:    opts.Engine,
		pool:      newWorkerPool(ctx, opts.Concurrency, opts.QueueSize),
		store:     opts.Store,
		tolerance: tolerance,
		defFormat: format,
		ttl:       ttl,
		logger:    logger.With("component", "download"),
		rootCtx:   ctx,
		rootStop:  cancel,
		tasks:     make(map[string]*Task),
	}
	go m.janitor(ctx)
	return m
}

// Start validates the request, registers a pending task, and dispatches
// the pipeline asynchronously. It returns as soon as the id is allocated
// and never blocks on a fetch.
func (m *Manager) Start(bookURL string, sourceID int, format string) (*Task, error) {
	bookURL = strings.TrimSpace(bookURL)
	if bookURL == "" {
		return nil, errors.New("book url is required")
	}
	parsed, err := url.Parse(bookURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("book url %q must be absolute", bookURL)
	}
	rule, err := m.sources.Get(sourceID)
	if err != nil {
		return nil, err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = m.defFormat
	}
	if !assemble.Supported(format) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	task := newTask(generateTaskID(), m.rootCtx, bookURL, sourceID, format)
	m.mu.Lock()
	m.tasks[task.id] = task
	m.mu.Unlock()

	m.pipelines.Add(1)
	go func() {
		defer m.pipelines.Done()
		m.run(task, rule)
	}()

	m.logger.Info("download started",
		"task_id", task.id, "source_id", sourceID, "url", bookURL, "format", format)
	return task, nil
}

// Get returns the backing task by id.
func (m *Manager) Get(id string) (*Task, bool) {
	id = strings.TrimSpace(id)
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	return task, ok
}

// Progress reports the current status and percentage. It never blocks on
// the pipeline.
func (m *Manager) Progress(id string) (Snapshot, error) {
	task, ok := m.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Snapshot(), nil
}

// Result returns the assembled document for a completed task.
func (m *Manager) Result(id string) ([]byte, string, error) {
	task, ok := m.Get(id)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Result()
}

// Cancel requests cooperative cancellation of a pending or running task.
func (m *Manager) Cancel(id string) error {
	task, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !task.Cancel() {
		return fmt.Errorf("%w: %s is %s", ErrFinished, id, task.Snapshot().Status)
	}
	m.logger.Info("download cancelled", "task_id", id)
	return nil
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	task, ok := m.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-task.Done():
		return task.Snapshot(), nil
	}
}

// List returns snapshots of all retained tasks, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	snaps := make([]Snapshot, 0, len(m.tasks))
	for _, task := range m.tasks {
		snaps = append(snaps, task.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

// Shutdown cancels every task, waits for the pipelines to wind down, and
// stops the worker pool.
func (m *Manager) Shutdown() {
	m.rootStop()
	m.pipelines.Wait()
	m.pool.Close()
}

// janitor sweeps terminal tasks that outlived the retention TTL so the
// registry stays bounded in a long-running process.
func (m *Manager) janitor(ctx context.Context) {
	interval := m.ttl / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, task := range m.tasks {
		if task.expired(now, m.ttl) {
			delete(m.tasks, id)
		}
	}
}

func generateTaskID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("task-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
