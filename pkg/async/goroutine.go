package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// PanicLogger receives panic reports from pool workers and SafeGo. It is a
// narrow interface so callers can pass any structured logger.
type PanicLogger interface {
	Errorf(format string, args ...interface{})
}

// SafeGo executes a function in a goroutine with context cancellation,
// panic recovery, and timeout enforcement. Use this instead of a bare
// `go func()` for fire-and-forget work.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger PanicLogger, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic in %s: %v\n%s", taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			logger.Errorf("error in %s: %v", taskName, err)
		}
	}()
}

// WorkerPool runs tasks on a fixed number of workers. Tasks are submitted
// one at a time; Wait drains the queue and blocks until every submitted
// task has finished.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   PanicLogger
	workCh   chan func(context.Context) error
	doneCh   chan struct{}
	errMu    sync.Mutex
	errs     []error
	ctx      context.Context
	cancel   context.CancelFunc
	waitOnce sync.Once
}

// NewWorkerPool creates a pool with the given number of workers. Each task
// runs under its own timeout.
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, logger PanicLogger) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger,
		workCh:   make(chan func(context.Context) error),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.worker()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the pool. It blocks until a worker accepts the
// task or the pool context is cancelled.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool stopped: %w", p.ctx.Err())
	}
}

// Wait closes the task queue, blocks until all submitted tasks finish, and
// returns every error the tasks produced.
func (p *WorkerPool) Wait() []error {
	p.waitOnce.Do(func() {
		close(p.workCh)
	})
	<-p.doneCh
	p.cancel()

	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.errs
}

func (p *WorkerPool) recordErr(err error) {
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)

			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						p.logger.Errorf("panic in %s worker: %v\n%s", p.taskName, r, string(debug.Stack()))
						p.recordErr(fmt.Errorf("panic: %v", r))
					}
				}()

				if err := fn(ctx); err != nil {
					p.recordErr(err)
				}
			}()
		}
	}
}

// Batch processes a slice of items concurrently and returns all errors
// encountered. A non-zero startDelay paces task submission, which keeps a
// burst of upstream calls under rate limits.
func Batch[T any](ctx context.Context, items []T, workers int, startDelay time.Duration, taskName string, timeout time.Duration, logger PanicLogger, fn func(context.Context, T) error) []error {
	pool := NewWorkerPool(ctx, workers, taskName, timeout, logger)

	for i, item := range items {
		if i > 0 && startDelay > 0 {
			select {
			case <-time.After(startDelay):
			case <-ctx.Done():
				return append(pool.Wait(), ctx.Err())
			}
		}
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return append(pool.Wait(), err)
		}
	}

	return pool.Wait()
}
