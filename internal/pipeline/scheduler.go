package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent task execution. Admission goes through a
// weighted semaphore, so a dispatch never has more than the worker
// budget in flight at once.
type Pool struct {
	sem     *semaphore.Weighted
	workers int
}

// NewPool sizes the pool. Widths below one are clamped to one.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
	}
}

// Workers returns the admission width.
func (p *Pool) Workers() int {
	return p.workers
}

// Dispatch admits tasks in order and waits for every admitted task to
// finish. A canceled context stops admission; tasks already running are
// left to observe the context themselves.
func (p *Pool) Dispatch(ctx context.Context, tasks []func()) error {
	var wg sync.WaitGroup
	for _, task := range tasks {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			task()
		}()
	}
	wg.Wait()
	return ctx.Err()
}
