package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// Dispatcher runs fire-and-poll generations as tracked goroutines. At most
// maxConcurrent tasks run at once; the rest wait for a slot. Tasks are not
// retried and cannot be cancelled once accepted.
type Dispatcher struct {
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	inFlight atomic.Int64
}

func NewDispatcher(maxConcurrent int) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Dispatch accepts task for background execution. The task receives a context
// that is never cancelled.
func (d *Dispatcher) Dispatch(name string, task func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	d.inFlight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)

		ctx := context.Background()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			slog.Error("acquiring dispatcher slot", "task", name, "error", err)
			return
		}
		defer d.sem.Release(1)

		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in dispatched task", "task", name, "error", rec)
			}
		}()
		task(ctx)
	}()
	return nil
}

// InFlight returns the number of accepted tasks that have not finished.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Shutdown stops accepting tasks and waits for accepted ones to finish or for ctx
// to end. Tasks still running when ctx ends keep running until the process exits;
// the sweeper fails their rows on the next start.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("dispatcher shutdown timed out", "in_flight", d.InFlight())
		return ctx.Err()
	}
}
