package engine

import (
	"sync"
	"time"
)

// Coalescer buffers rapid state transitions into single batched updates.
// Enqueue appends a closure and (re)starts the one owned timer; when it
// fires, every queued closure runs FIFO as one logical update. Coalescing
// changes update granularity, never delivery: nothing is dropped.
//
// This is the engine's single serialization point: the apply callback is
// invoked from one goroutine at a time, which is what makes concurrent
// channel/fetch interleavings deterministic.
type Coalescer struct {
	mu     sync.Mutex
	window time.Duration
	apply  func(batch []func())
	queue  []func()
	timer  *time.Timer
	closed bool

	// applyMu serializes batches so two timer fires can never overlap.
	applyMu sync.Mutex
}

// NewCoalescer returns a coalescer flushing at most once per window.
func NewCoalescer(window time.Duration, apply func(batch []func())) *Coalescer {
	if window <= 0 {
		window = 30 * time.Millisecond
	}
	return &Coalescer{window: window, apply: apply}
}

// Enqueue appends fn to the pending batch and restarts the flush timer.
func (c *Coalescer) Enqueue(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, fn)
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.Flush)
	} else {
		c.timer.Reset(c.window)
	}
	c.mu.Unlock()
}

// Flush runs every queued closure now, as one batch. Safe to call at any
// time, including when the queue is empty.
func (c *Coalescer) Flush() {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	metricFlushes.Inc()
	c.apply(batch)
}

// Cancel stops the timer and drops queued closures without running them.
// Only teardown paths use it; live updates go through Flush.
func (c *Coalescer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.queue = nil
}

// Close cancels and rejects all further enqueues.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.queue = nil
}

// Pending returns the number of queued closures.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
