package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a download task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a task id is unknown or already swept.
	ErrNotFound = errors.New("download task not found")
	// ErrNotReady is returned when a result is requested before completion.
	ErrNotReady = errors.New("download task not completed")
	// ErrFinished is returned when cancelling a task in a terminal state.
	ErrFinished = errors.New("download task already finished")
	// ErrUnsupportedFormat rejects output formats the assembler cannot produce.
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// Task tracks one book download from dispatch to assembled output. The
// pipeline goroutine mutates it; pollers read snapshots under the lock.
// Chapter counters are atomics so concurrent workers never lose a
// completion signal.
type Task struct {
	id       string
	bookURL  string
	sourceID int
	format   string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	total     atomic.Int64
	attempted atomic.Int64
	failures  atomic.Int64

	mu          sync.Mutex
	status      Status
	title       string
	author      string
	errText     string
	result      []byte
	filename    string
	filePath    string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

// Snapshot is the poll view of a task.
type Snapshot struct {
	ID          string     `json:"task_id"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress_percentage"`
	BookURL     string     `json:"book_url"`
	SourceID    int        `json:"source_id"`
	Format      string     `json:"format"`
	Title       string     `json:"title,omitempty"`
	Author      string     `json:"author,omitempty"`
	Total       int        `json:"total_chapters"`
	Done        int        `json:"done_chapters"`
	Failed      int        `json:"failed_chapters"`
	Error       string     `json:"error,omitempty"`
	FilePath    string     `json:"file_path,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newTask(id string, parent context.Context, bookURL string, sourceID int, format string) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		id:        id,
		bookURL:   bookURL,
		sourceID:  sourceID,
		format:    format,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusPending,
		createdAt: time.Now(),
	}
}

// ID returns the task identifier handed back to the caller at start.
func (t *Task) ID() string { return t.id }

// Done is closed when the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// Snapshot captures the current public state. Completed tasks always
// report 100 percent, and repeated calls on a terminal task return the
// same view.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := int(t.total.Load())
	done := int(t.attempted.Load())
	snap := Snapshot{
		ID:        t.id,
		Status:    t.status,
		BookURL:   t.bookURL,
		SourceID:  t.sourceID,
		Format:    t.format,
		Title:     t.title,
		Author:    t.author,
		Total:     total,
		Done:      done,
		Failed:    int(t.failures.Load()),
		Error:     t.errText,
		FilePath:  t.filePath,
		CreatedAt: t.createdAt,
	}
	switch {
	case t.status == StatusCompleted:
		snap.Progress = 100
	case total > 0:
		snap.Progress = float64(done) / float64(total) * 100
	}
	if t.startedAt != nil {
		v := *t.startedAt
		snap.StartedAt = &v
	}
	if t.completedAt != nil {
		v := *t.completedAt
		snap.CompletedAt = &v
	}
	return snap
}

// Result returns the assembled document and its suggested filename once
// the task has completed. A failed task reports its aggregated cause.
func (t *Task) Result() ([]byte, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusCompleted {
		if t.errText != "" {
			return nil, "", fmt.Errorf("%w: status %s: %s", ErrNotReady, t.status, t.errText)
		}
		return nil, "", fmt.Errorf("%w: status %s", ErrNotReady, t.status)
	}
	return t.result, t.filename, nil
}

// Cancel requests cooperative cancellation. In-flight chapter fetches are
// allowed to finish; queued ones are skipped. Returns false when the task
// already reached a terminal status.
func (t *Task) Cancel() bool {
	return t.finish(StatusCancelled, "", nil, "", "")
}

func (t *Task) setBook(title, author string) {
	t.mu.Lock()
	t.title = title
	t.author = author
	t.mu.Unlock()
}

func (t *Task) markRunning() {
	t.mu.Lock()
	if t.status == StatusPending {
		t.status = StatusRunning
		now := time.Now()
		t.startedAt = &now
	}
	t.mu.Unlock()
}

func (t *Task) complete(data []byte, filename, path string) bool {
	return t.finish(StatusCompleted, "", data, filename, path)
}

func (t *Task) fail(msg string) bool {
	return t.finish(StatusFailed, msg, nil, "", "")
}

// finish moves the task into a terminal status exactly once; later calls
// are no-ops so terminal states stay final.
func (t *Task) finish(status Status, errText string, result []byte, filename, path string) bool {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.status = status
	t.errText = errText
	t.result = result
	t.filename = filename
	t.filePath = path
	now := time.Now()
	t.completedAt = &now
	t.mu.Unlock()

	t.cancel()
	close(t.done)
	return true
}

func (t *Task) expired(now time.Time, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Terminal() && t.completedAt != nil && now.Sub(*t.completedAt) > ttl
}
