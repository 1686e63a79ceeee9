// Package registrytest provides a compliance suite for registry.Registry implementations.
package registrytest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/domain"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
	"github.com/Strob0t/AgentDeck/internal/port/registry"
)

// StaleTimeout is the timeout handed to every factory call.
const StaleTimeout = 5 * time.Minute

// Factory builds a registry that reads time from c and uses staleTimeout.
type Factory func(t *testing.T, c clock.Clock, staleTimeout time.Duration) registry.Registry

// RunComplianceTests runs the standard registry behaviour against newRegistry.
// Ids are unique per run so shared backends can be reused between runs.
func RunComplianceTests(t *testing.T, newRegistry Factory) {
	t.Helper()
	ctx := context.Background()
	run := strconv.FormatInt(time.Now().UnixNano(), 36)
	id := func(s string) string { return s + "-" + run }

	setup := func(t *testing.T) (registry.Registry, *clock.Fake) {
		t.Helper()
		fc := clock.NewFake(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
		return newRegistry(t, fc, StaleTimeout), fc
	}

	t.Run("StartThenStatus", func(t *testing.T) {
		r, _ := setup(t)
		res, err := r.Start(ctx, id("a1"), id("sa"), "Build")
		if err != nil || !res.Success {
			t.Fatalf("Start: res=%+v err=%v", res, err)
		}
		st, err := r.Status(ctx, id("a1"))
		if err != nil {
			t.Fatal(err)
		}
		if !st.Found || st.Status != regdomain.StatusRunning || st.IsStale {
			t.Fatalf("unexpected status %+v", st)
		}
	})

	t.Run("StatusUnknown", func(t *testing.T) {
		r, _ := setup(t)
		st, err := r.Status(ctx, id("missing"))
		if err != nil {
			t.Fatal(err)
		}
		if st.Found {
			t.Fatalf("expected not found, got %+v", st)
		}
	})

	t.Run("ConflictWithinSession", func(t *testing.T) {
		r, _ := setup(t)
		if _, err := r.Start(ctx, id("b1"), id("sb"), "First"); err != nil {
			t.Fatal(err)
		}
		res, err := r.Start(ctx, id("b2"), id("sb"), "Second")
		if err != nil {
			t.Fatal(err)
		}
		if res.Success || res.RunningTask == nil {
			t.Fatalf("expected conflict, got %+v", res)
		}
		if res.RunningTask.TaskID != id("b1") || res.RunningTask.SessionID != id("sb") {
			t.Fatalf("unexpected running task %+v", res.RunningTask)
		}

		other, err := r.Start(ctx, id("b3"), id("sb-other"), "")
		if err != nil || !other.Success {
			t.Fatalf("another session must not conflict: res=%+v err=%v", other, err)
		}
		again, err := r.Start(ctx, id("b1"), id("sb"), "First")
		if err != nil || !again.Success {
			t.Fatalf("re-claiming the running task must succeed: res=%+v err=%v", again, err)
		}
	})

	t.Run("CompleteReleasesSession", func(t *testing.T) {
		r, _ := setup(t)
		if _, err := r.Start(ctx, id("c1"), id("sc"), ""); err != nil {
			t.Fatal(err)
		}
		if err := r.Complete(ctx, id("c1"), id("sc"), false); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		st, _ := r.Status(ctx, id("c1"))
		if st.Status != regdomain.StatusFailed {
			t.Fatalf("expected failed, got %+v", st)
		}
		res, err := r.Start(ctx, id("c2"), id("sc"), "")
		if err != nil || !res.Success {
			t.Fatalf("start after completion: res=%+v err=%v", res, err)
		}
		if err := r.Complete(ctx, id("c2"), id("sc"), true); err != nil {
			t.Fatal(err)
		}
		if st, _ := r.Status(ctx, id("c2")); st.Status != regdomain.StatusCompleted || st.IsStale {
			t.Fatalf("expected completed, got %+v", st)
		}
	})

	t.Run("HeartbeatAndStaleness", func(t *testing.T) {
		r, fc := setup(t)
		if _, err := r.Start(ctx, id("d1"), id("sd"), ""); err != nil {
			t.Fatal(err)
		}
		fc.Advance(StaleTimeout - time.Minute)
		if err := r.Heartbeat(ctx, id("d1")); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		fc.Advance(2 * time.Minute)
		if st, _ := r.Status(ctx, id("d1")); st.IsStale {
			t.Fatal("heartbeat should keep the task alive")
		}
		fc.Advance(StaleTimeout)
		st, _ := r.Status(ctx, id("d1"))
		if !st.IsStale || st.Status != regdomain.StatusRunning {
			t.Fatalf("expected stale running task, got %+v", st)
		}

		res, err := r.Start(ctx, id("d2"), id("sd"), "")
		if err != nil {
			t.Fatal(err)
		}
		if res.Success || res.RunningTask == nil || !res.RunningTask.IsStale {
			t.Fatalf("conflict should report the stale task, got %+v", res)
		}
	})

	t.Run("HeartbeatUnknown", func(t *testing.T) {
		r, _ := setup(t)
		if err := r.Heartbeat(ctx, id("nope")); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		r, _ := setup(t)
		_, _ = r.Start(ctx, id("e1"), id("se"), "")
		_ = r.Complete(ctx, id("e1"), id("se"), true)
		_, _ = r.Start(ctx, id("e2"), id("se"), "")
		_, _ = r.Start(ctx, id("e3"), id("se-keep"), "")

		n, err := r.Clear(ctx, id("se"))
		if err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 cleared, got %d", n)
		}
		if st, _ := r.Status(ctx, id("e2")); st.Found {
			t.Fatal("cleared record still found")
		}
		if st, _ := r.Status(ctx, id("e3")); !st.Found {
			t.Fatal("other session's record was cleared")
		}
		res, err := r.Start(ctx, id("e4"), id("se"), "")
		if err != nil || !res.Success {
			t.Fatalf("start after clear: res=%+v err=%v", res, err)
		}
	})
}
