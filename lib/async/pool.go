// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/yapper/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a fixed set of workers fed by a bounded queue. Submit blocks while
// the queue is full, which pushes backpressure onto the producer.
type Pool struct {
	jobs    chan job
	quit    chan struct{}
	onPanic func(any)
	onError func(error)

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	tasks   sync.WaitGroup
	workers sync.WaitGroup
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option customises pool behaviour.
type Option func(*Pool)

// WithPanicHandler receives values recovered from panicking tasks.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// WithErrorHandler receives errors returned by tasks.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) { p.onError = fn }
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		jobs: make(chan job, queue),
		quit: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn, waiting for queue space until ctx is done or the pool closes.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.tasks.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	case <-p.quit:
		p.tasks.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.tasks.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	}
}

// Close stops accepting new tasks. Tasks already queued still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for accepted tasks to finish or until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.tasks.Done()
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	if err := j.fn(j.ctx); err != nil && p.onError != nil {
		p.onError(err)
	}
}
