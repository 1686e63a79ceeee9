// Package memory provides an in-process task registry for single-instance
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/domain"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
)

// Registry keeps task records in a map. It is safe for concurrent use.
type Registry struct {
	clock        clock.Clock
	staleTimeout time.Duration

	mu      sync.Mutex
	records map[string]*regdomain.Record
}

// NewRegistry creates an empty registry. c defaults to the wall clock.
func NewRegistry(c clock.Clock, staleTimeout time.Duration) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{
		clock:        c,
		staleTimeout: staleTimeout,
		records:      make(map[string]*regdomain.Record),
	}
}

// Start implements registry.Registry.
func (r *Registry) Start(_ context.Context, taskID, sessionID, label string) (regdomain.StartResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for _, rec := range r.records {
		if rec.SessionID == sessionID && rec.Conflicts(taskID) {
			running := rec.WithStale(now, r.staleTimeout)
			return regdomain.StartResult{Success: false, RunningTask: &running}, nil
		}
	}

	rec := regdomain.NewRunning(taskID, sessionID, label, now)
	r.records[taskID] = &rec
	return regdomain.StartResult{Success: true}, nil
}

// Heartbeat implements registry.Registry. Terminal records are left untouched.
func (r *Registry) Heartbeat(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[taskID]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", taskID, domain.ErrNotFound)
	}
	if rec.Status == regdomain.StatusRunning {
		rec.LastHeartbeat = r.clock.Now()
	}
	return nil
}

// Complete implements registry.Registry.
func (r *Registry) Complete(_ context.Context, taskID, sessionID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[taskID]
	if !ok {
		return fmt.Errorf("complete %s: %w", taskID, domain.ErrNotFound)
	}
	if sessionID != "" && rec.SessionID != sessionID {
		return fmt.Errorf("complete %s: owned by another session: %w", taskID, domain.ErrConflict)
	}
	rec.Finish(success, r.clock.Now())
	return nil
}

// Status implements registry.Registry.
func (r *Registry) Status(_ context.Context, taskID string) (regdomain.StatusResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *regdomain.ResultFor(r.records[taskID], r.clock.Now(), r.staleTimeout), nil
}

// Clear implements registry.Registry.
func (r *Registry) Clear(_ context.Context, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.records {
		if rec.SessionID == sessionID {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}
