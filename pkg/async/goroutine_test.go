package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *testLogger) Errorf(format string, args ...interface{}) {
	l.mu.Lock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func TestWorkerPoolRunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4, "test", time.Second, &testLogger{})

	var count int64
	for i := 0; i < 20; i++ {
		err := pool.Submit(func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	errs := pool.Wait()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if count != 20 {
		t.Errorf("expected 20 tasks to run, got %d", count)
	}
}

func TestWorkerPoolCollectsErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test", time.Second, &testLogger{})

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		i := i
		pool.Submit(func(ctx context.Context) error {
			if i%2 == 0 {
				return boom
			}
			return nil
		})
	}

	errs := pool.Wait()
	if len(errs) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	logger := &testLogger{}
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second, logger)

	pool.Submit(func(ctx context.Context) error {
		panic("worker exploded")
	})
	pool.Submit(func(ctx context.Context) error {
		return nil
	})

	errs := pool.Wait()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error from panic, got %d", len(errs))
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.msgs) == 0 {
		t.Error("expected panic to be logged")
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	pool := NewWorkerPool(context.Background(), workers, "test", time.Second, &testLogger{})

	var current, peak int64
	for i := 0; i < 12; i++ {
		pool.Submit(func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
	}
	pool.Wait()

	if peak > workers {
		t.Errorf("concurrency peaked at %d, limit is %d", peak, workers)
	}
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum int64

	errs := Batch(context.Background(), items, 2, 0, "sum", time.Second, &testLogger{}, func(ctx context.Context, n int) error {
		atomic.AddInt64(&sum, int64(n))
		if n == 3 {
			return errors.New("three is unlucky")
		}
		return nil
	})

	if sum != 15 {
		t.Errorf("expected all items processed, sum is %d", sum)
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 error, got %v", errs)
	}
}

func TestBatchStartDelay(t *testing.T) {
	items := []int{1, 2, 3}
	start := time.Now()

	Batch(context.Background(), items, 3, 20*time.Millisecond, "paced", time.Second, &testLogger{}, func(ctx context.Context, n int) error {
		return nil
	})

	// Two inter-start delays for three items.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("batch finished in %v, pacing not applied", elapsed)
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	logger := &testLogger{}
	done := make(chan struct{})

	SafeGo(context.Background(), time.Second, "panicky", logger, func(ctx context.Context) error {
		defer close(done)
		panic("oops")
	})

	<-done
	// Give the deferred recover a moment to log.
	time.Sleep(20 * time.Millisecond)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.msgs) == 0 {
		t.Error("expected panic to be logged")
	}
}
