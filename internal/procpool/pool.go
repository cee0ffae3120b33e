// Package procpool bounds how many external tool processes (pg_dump, psql,
// tar extraction) run at once across all workers.
package procpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent operations using a weighted semaphore.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool that allows at most limit concurrent operations.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn and releases the slot. It returns ctx.Err()
// if ctx ends while waiting. A nil Pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
