// Package batch coalesces high-frequency items into ordered batches that are
// delivered when a time window elapses or a size limit is reached.
package batch

import (
	"sync"
	"time"

	"github.com/Strob0t/AgentDeck/internal/clock"
)

// FlushFunc receives one batch. Batches arrive in the order their items were added.
type FlushFunc[T any] func(items []T)

// Batcher buffers items and hands them to a FlushFunc. It is safe for
// concurrent use. The FlushFunc must not call back into the Batcher.
type Batcher[T any] struct {
	clock   clock.Clock
	window  time.Duration
	maxSize int
	flush   FlushFunc[T]

	flushMu sync.Mutex // serializes deliveries so batches never reorder
	mu      sync.Mutex
	pending []T
	timer   clock.Timer
	stopped bool
}

// New creates a Batcher. A maxSize below 1 means only the window triggers a flush.
func New[T any](c clock.Clock, window time.Duration, maxSize int, flush FlushFunc[T]) *Batcher[T] {
	return &Batcher[T]{
		clock:   c,
		window:  window,
		maxSize: maxSize,
		flush:   flush,
	}
}

// Add buffers an item. The first item of a batch arms the window timer.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, item)
	full := b.maxSize > 0 && len(b.pending) >= b.maxSize
	if !full && b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.Flush)
	}
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush delivers all buffered items now and disarms the window timer.
func (b *Batcher[T]) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	items := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(items) > 0 {
		b.flush(items)
	}
}

// Reset discards buffered items without delivering them.
func (b *Batcher[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Len returns the number of buffered items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop flushes what is buffered and rejects further items.
func (b *Batcher[T]) Stop() {
	b.Flush()
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}
