package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/domain"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
)

const recordColumns = `task_id, session_id, label, status, started_at, last_heartbeat, completed_at`

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// Registry implements registry.Registry on the task_registry table. Timestamps
// come from the injected clock, not from the database.
type Registry struct {
	pool         *pgxpool.Pool
	clock        clock.Clock
	staleTimeout time.Duration
}

// NewRegistry creates a Registry backed by the given connection pool.
func NewRegistry(pool *pgxpool.Pool, c clock.Clock, staleTimeout time.Duration) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{pool: pool, clock: c, staleTimeout: staleTimeout}
}

func scanRecord(row scannable) (regdomain.Record, error) {
	var r regdomain.Record
	var status string
	err := row.Scan(&r.TaskID, &r.SessionID, &r.Label, &status, &r.StartedAt, &r.LastHeartbeat, &r.CompletedAt)
	r.Status = regdomain.Status(status)
	return r, err
}

// notFoundWrap converts pgx.ErrNoRows to domain.ErrNotFound.
func notFoundWrap(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, domain.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Start implements registry.Registry. The session's running rows are locked
// for the duration of the check so two claims cannot both succeed.
func (s *Registry) Start(ctx context.Context, taskID, sessionID, label string) (regdomain.StartResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return regdomain.StartResult{}, fmt.Errorf("begin start %s: %w", taskID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize claims per session, including the first one.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return regdomain.StartResult{}, fmt.Errorf("lock session %s: %w", sessionID, err)
	}

	now := s.clock.Now()
	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM task_registry
		 WHERE session_id = $1 AND status = 'running' AND task_id <> $2
		 ORDER BY started_at DESC LIMIT 1`, sessionID, taskID)
	running, err := scanRecord(row)
	switch {
	case err == nil:
		r := running.WithStale(now, s.staleTimeout)
		return regdomain.StartResult{Success: false, RunningTask: &r}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return regdomain.StartResult{}, fmt.Errorf("check running %s: %w", sessionID, err)
	}

	rec := regdomain.NewRunning(taskID, sessionID, label, now)
	_, err = tx.Exec(ctx,
		`INSERT INTO task_registry (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL)
		 ON CONFLICT (task_id) DO UPDATE SET
		     session_id = EXCLUDED.session_id,
		     label = EXCLUDED.label,
		     status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     last_heartbeat = EXCLUDED.last_heartbeat,
		     completed_at = NULL`,
		rec.TaskID, rec.SessionID, rec.Label, string(rec.Status), rec.StartedAt, rec.LastHeartbeat)
	if err != nil {
		return regdomain.StartResult{}, fmt.Errorf("insert %s: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return regdomain.StartResult{}, fmt.Errorf("commit start %s: %w", taskID, err)
	}
	return regdomain.StartResult{Success: true}, nil
}

// Heartbeat implements registry.Registry. Terminal records are left untouched.
func (s *Registry) Heartbeat(ctx context.Context, taskID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM task_registry WHERE task_id = $1`, taskID).Scan(&status)
	if err != nil {
		return notFoundWrap(err, "heartbeat %s", taskID)
	}
	if regdomain.Status(status) != regdomain.StatusRunning {
		return nil
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE task_registry SET last_heartbeat = $2 WHERE task_id = $1 AND status = 'running'`,
		taskID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", taskID, err)
	}
	return nil
}

// Complete implements registry.Registry.
func (s *Registry) Complete(ctx context.Context, taskID, sessionID string, success bool) error {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT session_id FROM task_registry WHERE task_id = $1`, taskID).Scan(&owner)
	if err != nil {
		return notFoundWrap(err, "complete %s", taskID)
	}
	if sessionID != "" && owner != sessionID {
		return fmt.Errorf("complete %s: owned by another session: %w", taskID, domain.ErrConflict)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE task_registry SET status = $2, completed_at = $3 WHERE task_id = $1`,
		taskID, string(regdomain.StatusFor(success)), s.clock.Now())
	if err != nil {
		return fmt.Errorf("complete %s: %w", taskID, err)
	}
	return nil
}

// Status implements registry.Registry.
func (s *Registry) Status(ctx context.Context, taskID string) (regdomain.StatusResult, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM task_registry WHERE task_id = $1`, taskID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return regdomain.StatusResult{Found: false}, nil
	}
	if err != nil {
		return regdomain.StatusResult{}, fmt.Errorf("status %s: %w", taskID, err)
	}
	return *regdomain.ResultFor(&rec, s.clock.Now(), s.staleTimeout), nil
}

// Clear implements registry.Registry.
func (s *Registry) Clear(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_registry WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", sessionID, err)
	}
	return int(tag.RowsAffected()), nil
}
