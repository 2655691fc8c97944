package sandbox

import "sync/atomic"

// Quota caps concurrently open sandboxes. It is lock free; admission is a
// compare-and-swap so concurrent callers can never over-admit.
type Quota struct {
	max  int64
	used atomic.Int64
}

// NewQuota creates a quota of max slots. max <= 0 means 5.
func NewQuota(max int) *Quota {
	if max <= 0 {
		max = 5
	}
	return &Quota{max: int64(max)}
}

// TryAcquire takes a slot if one is free.
func (q *Quota) TryAcquire() bool {
	for {
		cur := q.used.Load()
		if cur >= q.max {
			return false
		}
		if q.used.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Occupy takes a slot unconditionally. Used for sandboxes that already exist
// when the process starts.
func (q *Quota) Occupy() {
	q.used.Add(1)
}

// Release frees a slot. It never drops below zero.
func (q *Quota) Release() {
	for {
		cur := q.used.Load()
		if cur <= 0 {
			return
		}
		if q.used.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Full reports whether TryAcquire would fail right now.
func (q *Quota) Full() bool {
	return q.used.Load() >= q.max
}

// InUse returns the number of held slots.
func (q *Quota) InUse() int {
	return int(q.used.Load())
}

// Max returns the cap.
func (q *Quota) Max() int {
	return int(q.max)
}
