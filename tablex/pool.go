package tablex

import "context"

// Pool bounds concurrent access to the page-extraction backend. Extraction is
// the one CPU-heavy, blocking call in a run, so every page extraction must
// hold a slot between Acquire and Release. The pool is shared process-wide
// rather than reached through ambient global state, which keeps concurrency
// observable and tests hermetic.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with the given number of slots (minimum 1).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot previously acquired.
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
		panic("tablex: Release without Acquire")
	}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return cap(p.slots) }

// InUse returns the number of currently held slots.
func (p *Pool) InUse() int { return len(p.slots) }
