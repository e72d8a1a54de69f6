// Package iohook implements the per-request I/O hook and its bounded pool
// (spec §3 "IOHook", §4.2). A hook is created exclusively by the dispatcher
// when a target returns FORWARDED; it is owned by the request until
// completion and then returned to the pool.
package iohook

import (
	"sync"

	"github.com/behrlich/go-dm/internal/interfaces"
	"github.com/behrlich/go-dm/table"
)

// Hook is the shadow record installed on a request's completion path so the
// trampoline can restore the original callback and decrement the owning
// table's pending count exactly once (spec §4.5, §9).
type Hook struct {
	Table        *table.Table
	Target       *interfaces.Target
	RW           interfaces.Direction
	SavedEndIO   func(req *interfaces.Request, uptodate bool)
	SavedScratch any
}

// Pool is a fixed-size-object allocator backing the dispatch hot path.
// Alloc never blocks: once the pool is exhausted it reports failure so the
// dispatcher can fail the request rather than stall (spec §4.2, §5).
type Pool struct {
	sem  chan struct{}
	free sync.Pool
}

// NewPool creates a hook pool bounded to capacity outstanding hooks.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		sem:  make(chan struct{}, capacity),
		free: sync.Pool{New: func() any { return &Hook{} }},
	}
}

// Alloc reserves a hook from the pool. ok is false if the pool is at
// capacity; callers must treat that as AllocFailure (spec §7), never block.
func (p *Pool) Alloc() (h *Hook, ok bool) {
	select {
	case p.sem <- struct{}{}:
	default:
		return nil, false
	}
	h = p.free.Get().(*Hook)
	return h, true
}

// Free returns a hook to the pool, clearing its references first so the
// pooled object does not pin the previous request's memory.
func (p *Pool) Free(h *Hook) {
	if h == nil {
		return
	}
	*h = Hook{}
	p.free.Put(h)
	<-p.sem
}

// InUse reports the number of hooks currently checked out, for observability.
func (p *Pool) InUse() int {
	return len(p.sem)
}
