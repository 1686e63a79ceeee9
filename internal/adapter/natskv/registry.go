package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/domain"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
)

const (
	taskKeyPrefix    = "task."
	sessionKeyPrefix = "session."

	// casAttempts bounds optimistic-concurrency retries.
	casAttempts = 5
)

// Registry stores task records in a JetStream KV bucket. Each task lives under
// "task.<id>"; "session.<sid>" points at the task the session last claimed.
// Writes use revision checks so concurrent instances cannot both claim.
type Registry struct {
	kv           jetstream.KeyValue
	clock        clock.Clock
	staleTimeout time.Duration
}

// NewRegistry creates a KV-backed registry. c defaults to the wall clock.
func NewRegistry(kv jetstream.KeyValue, c clock.Clock, staleTimeout time.Duration) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{kv: kv, clock: c, staleTimeout: staleTimeout}
}

func taskKey(id string) string    { return taskKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }

// load returns the record for taskID and its revision. A missing record is (nil, 0, nil).
func (r *Registry) load(ctx context.Context, taskID string) (*regdomain.Record, uint64, error) {
	entry, err := r.kv.Get(ctx, taskKey(taskID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("kv get %s: %w", taskID, err)
	}
	var rec regdomain.Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode record %s: %w", taskID, err)
	}
	return &rec, entry.Revision(), nil
}

// store writes rec, guarded by rev when non-zero.
func (r *Registry) store(ctx context.Context, rec *regdomain.Record, rev uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.TaskID, err)
	}
	if rev == 0 {
		_, err = r.kv.Put(ctx, taskKey(rec.TaskID), data)
	} else {
		_, err = r.kv.Update(ctx, taskKey(rec.TaskID), data, rev)
	}
	return err
}

// Start implements registry.Registry.
func (r *Registry) Start(ctx context.Context, taskID, sessionID, label string) (regdomain.StartResult, error) {
	for range casAttempts {
		now := r.clock.Now()

		ptr, err := r.kv.Get(ctx, sessionKey(sessionID))
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return regdomain.StartResult{}, fmt.Errorf("kv get session %s: %w", sessionID, err)
		}
		var ptrRev uint64
		if ptr != nil && err == nil {
			ptrRev = ptr.Revision()
			current, _, err := r.load(ctx, string(ptr.Value()))
			if err != nil {
				return regdomain.StartResult{}, err
			}
			if current != nil && current.SessionID == sessionID && current.Conflicts(taskID) {
				running := current.WithStale(now, r.staleTimeout)
				return regdomain.StartResult{Success: false, RunningTask: &running}, nil
			}
		}

		// Claim the session pointer first; losing the race means re-reading.
		if ptrRev == 0 {
			_, err = r.kv.Create(ctx, sessionKey(sessionID), []byte(taskID))
		} else {
			_, err = r.kv.Update(ctx, sessionKey(sessionID), []byte(taskID), ptrRev)
		}
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue
		}
		if err != nil {
			return regdomain.StartResult{}, fmt.Errorf("kv claim session %s: %w", sessionID, err)
		}

		rec := regdomain.NewRunning(taskID, sessionID, label, now)
		if err := r.store(ctx, &rec, 0); err != nil {
			return regdomain.StartResult{}, fmt.Errorf("kv put %s: %w", taskID, err)
		}
		return regdomain.StartResult{Success: true}, nil
	}
	return regdomain.StartResult{}, fmt.Errorf("start %s: too much contention: %w", taskID, domain.ErrConflict)
}

// Heartbeat implements registry.Registry.
func (r *Registry) Heartbeat(ctx context.Context, taskID string) error {
	return r.update(ctx, taskID, "heartbeat", func(rec *regdomain.Record) bool {
		if rec.Status != regdomain.StatusRunning {
			return false
		}
		rec.LastHeartbeat = r.clock.Now()
		return true
	})
}

// Complete implements registry.Registry.
func (r *Registry) Complete(ctx context.Context, taskID, sessionID string, success bool) error {
	var owner string
	err := r.update(ctx, taskID, "complete", func(rec *regdomain.Record) bool {
		owner = rec.SessionID
		if sessionID != "" && rec.SessionID != sessionID {
			return false
		}
		rec.Finish(success, r.clock.Now())
		return true
	})
	if err != nil {
		return err
	}
	if sessionID != "" && owner != sessionID {
		return fmt.Errorf("complete %s: owned by another session: %w", taskID, domain.ErrConflict)
	}
	return nil
}

// update applies mutate to the stored record with revision checks. mutate
// returns false to skip the write.
func (r *Registry) update(ctx context.Context, taskID, op string, mutate func(*regdomain.Record) bool) error {
	for range casAttempts {
		rec, rev, err := r.load(ctx, taskID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%s %s: %w", op, taskID, domain.ErrNotFound)
		}
		if !mutate(rec) {
			return nil
		}
		err = r.store(ctx, rec, rev)
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, taskID, err)
		}
		return nil
	}
	return fmt.Errorf("%s %s: too much contention: %w", op, taskID, domain.ErrConflict)
}

// Status implements registry.Registry.
func (r *Registry) Status(ctx context.Context, taskID string) (regdomain.StatusResult, error) {
	rec, _, err := r.load(ctx, taskID)
	if err != nil {
		return regdomain.StatusResult{}, err
	}
	return *regdomain.ResultFor(rec, r.clock.Now(), r.staleTimeout), nil
}

// Clear implements registry.Registry. It scans the task keys of the bucket.
func (r *Registry) Clear(ctx context.Context, sessionID string) (int, error) {
	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("kv list keys: %w", err)
	}
	var taskIDs []string
	for key := range lister.Keys() {
		if id, ok := strings.CutPrefix(key, taskKeyPrefix); ok {
			taskIDs = append(taskIDs, id)
		}
	}
	_ = lister.Stop()

	n := 0
	for _, id := range taskIDs {
		rec, _, err := r.load(ctx, id)
		if err != nil {
			return n, err
		}
		if rec == nil || rec.SessionID != sessionID {
			continue
		}
		if err := r.kv.Delete(ctx, taskKey(id)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return n, fmt.Errorf("kv delete %s: %w", id, err)
		}
		n++
	}
	if err := r.kv.Delete(ctx, sessionKey(sessionID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return n, fmt.Errorf("kv delete session %s: %w", sessionID, err)
	}
	return n, nil
}
