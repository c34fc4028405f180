package scheduler

import "sync/atomic"

// DefaultConcurrency is the budget used when none is configured.
const DefaultConcurrency = 4

// Budget is a live concurrency limit. It is read at every scheduling decision,
// so a change applies to the next free slot without restarting anything.
type Budget struct {
	limit  atomic.Int64
	notify chan struct{}
}

// NewBudget returns a budget holding n (clamped to at least 1).
func NewBudget(n int) *Budget {
	b := &Budget{notify: make(chan struct{}, 1)}
	b.limit.Store(int64(clamp(n)))
	return b
}

// Get returns the current limit.
func (b *Budget) Get() int {
	return int(b.limit.Load())
}

// Set stores a new limit (clamped to at least 1) and wakes whoever waits on
// Changed.
func (b *Budget) Set(n int) {
	b.limit.Store(int64(clamp(n)))
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Changed is signalled after Set. Signals coalesce.
func (b *Budget) Changed() <-chan struct{} {
	return b.notify
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
