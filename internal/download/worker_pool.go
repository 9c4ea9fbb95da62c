package download

import (
	"context"
	"sync"
)

// workerPool runs chapter fetch jobs with bounded concurrency. One pool is
// shared by every active task so a single large book cannot monopolize
// outbound capacity.
type workerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan func()
	wg     sync.WaitGroup
}

func newWorkerPool(parent context.Context, concurrency, queueSize int) *workerPool {
	if parent == nil {
		parent = context.Background()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(parent)
	p := &workerPool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan func(), queueSize),
	}
	p.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.jobs {
				fn()
			}
		}()
	}
	return p
}

// Submit enqueues a job, blocking while the queue is full. It rejects once
// ctx is done or the pool has closed. Accepted jobs always run, even when
// their task has been cancelled, so completion waiters cannot leak; jobs
// are expected to check their own context and return early.
func (p *workerPool) Submit(ctx context.Context, fn func()) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// Close rejects further submissions, drains queued jobs, and waits for the
// workers to exit. All producers must have stopped before Close.
func (p *workerPool) Close() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}
