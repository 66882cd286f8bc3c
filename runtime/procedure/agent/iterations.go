package agent

import "sync"

// Iterations counts agent turns across every agent of one invocation. The
// count increments once per completed provider round-trip, on both live and
// replayed turns, so a resumed invocation reports the same totals.
type Iterations struct {
	mu      sync.Mutex
	current int
	limit   int
}

// NewIterations returns a counter with the given hard cap. A limit of zero
// disables the cap.
func NewIterations(limit int) *Iterations {
	return &Iterations{limit: limit}
}

// Current returns the number of completed turns.
func (i *Iterations) Current() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

// Limit returns the hard cap (zero when uncapped).
func (i *Iterations) Limit() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.limit
}

// Exceeded reports whether at least n turns have completed. Scripts use this
// to terminate loops before the hard cap trips.
func (i *Iterations) Exceeded(n int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current >= n
}

// Exhausted reports whether the hard cap has been reached.
func (i *Iterations) Exhausted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.limit > 0 && i.current >= i.limit
}

// Increment records one completed turn and returns the new count. Replayed
// turns increment too: the counter is rebuilt by re-execution, never restored
// from the record, so live and resumed invocations always agree.
func (i *Iterations) Increment() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current++
	return i.current
}
