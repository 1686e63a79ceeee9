package service

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/domain/logentry"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
	"github.com/Strob0t/AgentDeck/internal/domain/session"
	"github.com/Strob0t/AgentDeck/internal/logger"
)

// syncTimers starts or stops the heartbeat and stuck-poll timers so that
//
//	heartbeat  active iff streaming a task and visible
//	stuck poll active iff streaming a task and visible and autonomous
//
// It is called after every phase, visibility or autonomy change.
func (o *Orchestrator) syncTimers() {
	streamingTask := !o.closed && o.phase.Kind == session.KindStreaming && o.phase.TaskID != ""
	wantHeartbeat := streamingTask && o.visible
	wantPoll := wantHeartbeat && o.autoStart

	switch {
	case wantHeartbeat && o.heartbeat == nil:
		o.heartbeatToken++
		tok := o.heartbeatToken
		o.heartbeat = clock.Every(o.clock, o.cfg.HeartbeatInterval, func() { o.heartbeatTick(tok) })
	case !wantHeartbeat && o.heartbeat != nil:
		o.heartbeat.Stop()
		o.heartbeat = nil
	}

	switch {
	case wantPoll && o.stuckPoll == nil:
		o.stuckPollToken++
		tok := o.stuckPollToken
		o.stuckPoll = clock.Every(o.clock, o.cfg.StuckPollInterval, func() { o.stuckPollTick(tok) })
	case !wantPoll && o.stuckPoll != nil:
		o.stuckPoll.Stop()
		o.stuckPoll = nil
	}
}

func (o *Orchestrator) heartbeatTick(tok uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.heartbeat == nil || tok != o.heartbeatToken {
		return
	}

	taskID := o.phase.TaskID
	o.goAsync(func(ctx context.Context) {
		ctx, span := cfotel.StartRegistrySpan(logger.WithTaskID(ctx, taskID), "heartbeat", taskID)
		defer span.End()
		if err := o.registry.Heartbeat(ctx, taskID); err != nil {
			o.registryFailed(ctx, "heartbeat", err)
		}
	})
}

func (o *Orchestrator) stuckPollTick(tok uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.stuckPoll == nil || tok != o.stuckPollToken {
		return
	}

	taskID := o.phase.TaskID
	o.goAsync(func(ctx context.Context) {
		ctx, span := cfotel.StartRegistrySpan(logger.WithTaskID(ctx, taskID), "status", taskID)
		defer span.End()
		res, err := o.registry.Status(ctx, taskID)
		if err != nil {
			o.registryFailed(ctx, "status", err)
			return
		}
		o.reconcile(taskID, res)
	})
}

// reconcile compares the registry's record with the local phase. The
// registry is authoritative: a terminal or stale record ends local streaming.
func (o *Orchestrator) reconcile(taskID string, res regdomain.StatusResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.phase.Kind != session.KindStreaming || o.phase.TaskID != taskID {
		return
	}
	if !res.Found {
		slog.Debug("registry has no record for streaming task", "session_key", o.sessionKey, "task_id", taskID)
		return
	}

	switch {
	case res.Status.IsTerminal():
		o.resolveStuck(taskID, res.Status == regdomain.StatusCompleted, false,
			"Registry reports task "+string(res.Status)+"; stream closed")
	case res.IsStale:
		o.resolveStuck(taskID, false, true,
			"No heartbeat from the agent within the stale timeout; task marked failed")
	}
}

// resolveStuck forces the session back to idle from registry state.
func (o *Orchestrator) resolveStuck(taskID string, success, notifyRegistry bool, reason string) {
	o.closeConn()
	o.streamURL = ""
	next, _ := session.Transition(o.phase, session.StuckResolved{})
	o.setPhase(next)
	o.appendLog(logentry.TypeSystem, reason, nil)

	if notifyRegistry {
		o.registryComplete(taskID, false)
	}
	o.finishTask(taskID, success, "stuck")
	o.output.Reset()

	if o.metrics != nil {
		o.metrics.StuckResolved.Add(o.ctx, 1)
	}
	slog.Warn("stuck task resolved from registry", "session_key", o.sessionKey, "task_id", taskID, "success", success, "stale", notifyRegistry)

	o.evaluateQueue()
}

// registryComplete reports a task outcome in the background.
func (o *Orchestrator) registryComplete(taskID string, success bool) {
	key := o.sessionKey
	o.goAsync(func(ctx context.Context) {
		ctx, span := cfotel.StartRegistrySpan(logger.WithTaskID(ctx, taskID), "complete", taskID)
		defer span.End()
		if err := o.registry.Complete(ctx, taskID, key, success); err != nil {
			o.registryFailed(ctx, "complete", err)
		}
	})
}

// registryFailed logs and counts a failed registry call. The task id travels
// in ctx. Registry failures never reach the state machine.
func (o *Orchestrator) registryFailed(ctx context.Context, op string, err error) {
	attrs := append([]any{"op", op, "session_key", o.sessionKey, "error", err}, logger.Attrs(ctx)...)
	slog.WarnContext(ctx, "registry call failed", attrs...)
	if o.metrics != nil {
		o.metrics.RegistryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
