// Package parallel runs tile and row work across a resizable number of
// goroutines. The size is read at the start of each call, so a governor can
// shrink it between stages.
package parallel

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

type Pool struct {
	size atomic.Int32
}

// New creates a pool. n < 1 selects runtime.NumCPU().
func New(n int) *Pool {
	p := &Pool{}
	p.SetSize(n)
	return p
}

func (p *Pool) SetSize(n int) {
	if n < 1 {
		n = runtime.NumCPU()
	}
	p.size.Store(int32(n))
}

// Size reports the current worker count. A nil pool runs serially.
func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return int(p.size.Load())
}

// Each runs fn for every i in [0,n). Work is handed out through a queue so
// slow items do not stall a fixed partition. The first error or context
// cancellation stops new items from starting.
func (p *Pool) Each(ctx context.Context, n int, fn func(i int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	nThreads := min(p.Size(), n)
	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)

	var (
		once     sync.Once
		firstErr error
		stop     atomic.Bool
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		stop.Store(true)
	}
	for t := 0; t < nThreads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				if stop.Load() {
					return
				}
				if err := ctx.Err(); err != nil {
					fail(err)
					return
				}
				if err := fn(i); err != nil {
					fail(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Rows splits [0,n) into contiguous bands and runs fn on each band.
func (p *Pool) Rows(ctx context.Context, n int, fn func(lo, hi int)) error {
	if n <= 0 {
		return ctx.Err()
	}
	// a few bands per worker keeps load balanced without per-row overhead
	bands := min(n, p.Size()*4)
	step := (n + bands - 1) / bands
	count := (n + step - 1) / step
	return p.Each(ctx, count, func(b int) error {
		lo := b * step
		fn(lo, min(lo+step, n))
		return nil
	})
}
