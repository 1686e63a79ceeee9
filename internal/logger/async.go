package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler hands records to a pool of writer goroutines so that hot
// paths (stream frame dispatch, log batching) never wait on stdout.
// Records below slog.LevelError are dropped when the buffer is full;
// error records always block until they are queued.
type AsyncHandler struct {
	inner  slog.Handler
	shared *asyncShared
}

type asyncShared struct {
	mu      sync.RWMutex // guards ch against send-after-close
	ch      chan asyncRecord
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// asyncRecord pairs a record with the handler chain (attrs/groups) it was logged through.
type asyncRecord struct {
	h   slog.Handler
	rec slog.Record
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	s := &asyncShared{ch: make(chan asyncRecord, chanSize)}
	for range workers {
		s.wg.Add(1)
		go s.drain()
	}
	return &AsyncHandler{inner: inner, shared: s}
}

func (s *asyncShared) drain() {
	defer s.wg.Done()
	for r := range s.ch {
		_ = r.h.Handle(context.Background(), r.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. After Close, records are written synchronously.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	if h.shared.closed {
		return h.inner.Handle(ctx, rec)
	}
	item := asyncRecord{h: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelError {
		h.shared.ch <- item
		return nil
	}
	select {
	case h.shared.ch <- item:
	default:
		h.shared.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), shared: h.shared}
}

// WithGroup returns a handler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), shared: h.shared}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.shared.dropped.Load()
}

// Close stops accepting queued records and waits for the workers to drain.
// Safe to call more than once.
func (h *AsyncHandler) Close() {
	h.shared.mu.Lock()
	if h.shared.closed {
		h.shared.mu.Unlock()
		return
	}
	h.shared.closed = true
	close(h.shared.ch)
	h.shared.mu.Unlock()
	h.shared.wg.Wait()
}
