package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	cfotel "github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/adapter/ws"
	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/logentry"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
	"github.com/Strob0t/AgentDeck/internal/domain/session"
	"github.com/Strob0t/AgentDeck/internal/domain/task"
	"github.com/Strob0t/AgentDeck/internal/logger"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
)

// SetQueue replaces the task list with a caller snapshot. A task this session
// already dispatched keeps its local status until Clear, so a stale snapshot
// can never re-offer it.
func (o *Orchestrator) SetQueue(tasks []task.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := make([]task.Task, len(tasks))
	for i, t := range tasks {
		_, dispatched := o.dispatched[t.ID]
		if j := o.taskIndex(t.ID); dispatched && j >= 0 && t.Status == task.StatusPending && o.queue[j].Status != task.StatusPending {
			t = o.queue[j]
		}
		merged[i] = t
	}
	o.queue = merged
	o.evaluateQueue()
}

// Enqueue appends a new pending task.
func (o *Orchestrator) Enqueue(_ context.Context, req task.CreateRequest) (task.Task, error) {
	if err := req.Validate(); err != nil {
		return task.Task{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return task.Task{}, fmt.Errorf("session closed: %w", domain.ErrInvalidTransition)
	}

	t := task.Task{
		ID:       uuid.NewString(),
		Prompt:   req.Prompt,
		Label:    req.Label,
		Status:   task.StatusPending,
		ModuleID: req.ModuleID,
		AddedAt:  o.clock.Now(),
	}
	o.queue = append(o.queue, t)
	o.emitTaskStatus(t)
	o.evaluateQueue()
	return t, nil
}

// Tasks returns a copy of the queue.
func (o *Orchestrator) Tasks() []task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]task.Task, len(o.queue))
	copy(out, o.queue)
	return out
}

// SetAutoStart toggles autonomous mode.
func (o *Orchestrator) SetAutoStart(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.autoStart == enabled {
		return
	}
	o.autoStart = enabled
	o.syncTimers()
	o.evaluateQueue()
	slog.Info("auto start changed", "session_key", o.sessionKey, "enabled", enabled)
}

// evaluateQueue arms the settle timer for the next dispatchable task, or
// reports an exhausted queue.
func (o *Orchestrator) evaluateQueue() {
	if o.closed || o.phase.IsStreaming() || !o.visible || !o.autoStart {
		o.cancelPendingDispatch()
		return
	}

	next := o.nextPending()
	if next == nil {
		o.cancelPendingDispatch()
		o.notifyQueueEmpty()
		return
	}
	o.emptyNotified = false

	if o.pendingDispatch != nil && o.pendingDispatchID == next.ID {
		return
	}
	o.cancelPendingDispatch()

	o.dispatchToken++
	tok := o.dispatchToken
	id := next.ID
	o.pendingDispatchID = id
	o.pendingDispatch = o.clock.AfterFunc(o.cfg.NextTaskDelay, func() { o.fireDispatch(tok, id) })
}

// nextPending returns the first pending task that has not been dispatched.
func (o *Orchestrator) nextPending() *task.Task {
	for i := range o.queue {
		if o.queue[i].Status != task.StatusPending {
			continue
		}
		if _, done := o.dispatched[o.queue[i].ID]; done {
			continue
		}
		return &o.queue[i]
	}
	return nil
}

func (o *Orchestrator) cancelPendingDispatch() {
	if o.pendingDispatch != nil {
		o.pendingDispatch.Stop()
		o.pendingDispatch = nil
	}
	o.pendingDispatchID = ""
}

func (o *Orchestrator) notifyQueueEmpty() {
	if len(o.queue) == 0 || o.emptyNotified {
		return
	}
	o.emptyNotified = true

	ev := ws.QueueEmptyEvent{SessionKey: o.sessionKey}
	for i := range o.queue {
		switch o.queue[i].Status {
		case task.StatusCompleted:
			ev.Completed++
		case task.StatusFailed:
			ev.Failed++
		}
	}

	o.hookMu.RLock()
	hook := o.onQueueEmpty
	o.hookMu.RUnlock()
	o.emit(ws.EventSessionQueueEmpty, ev, hook)
	slog.Info("task queue exhausted", "session_key", o.sessionKey, "completed", ev.Completed, "failed", ev.Failed)
}

// fireDispatch runs when the settle delay elapses.
func (o *Orchestrator) fireDispatch(tok uint64, taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || tok != o.dispatchToken || o.pendingDispatch == nil {
		return
	}
	o.pendingDispatch = nil
	o.pendingDispatchID = ""

	if o.phase.IsStreaming() || !o.visible || !o.autoStart {
		return
	}
	idx := o.taskIndex(taskID)
	if idx < 0 || o.queue[idx].Status != task.StatusPending {
		o.evaluateQueue()
		return
	}
	if _, done := o.dispatched[taskID]; done {
		o.evaluateQueue()
		return
	}

	next, ok := session.Transition(o.phase, session.TaskStart{TaskID: taskID})
	if !ok {
		return
	}
	o.dispatched[taskID] = struct{}{}

	t := &o.queue[idx]
	now := o.clock.Now()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	t.CompletedAt = nil

	o.beginTask(t)
	o.setPhase(next)
	o.appendLog(logentry.TypeUser, t.Prompt, nil)
	o.emitTaskStatus(*t)

	o.dispatchSeq++
	seq := o.dispatchSeq
	claimed := *t
	slog.Info("dispatching task", "session_key", o.sessionKey, "task_id", taskID, "label", t.Label)
	o.goAsync(func(ctx context.Context) {
		o.runDispatch(ctx, seq, claimed)
	})
}

// runDispatch claims the task in the registry and starts the agent. Runs without mu.
func (o *Orchestrator) runDispatch(ctx context.Context, seq uint64, t task.Task) {
	if err := o.claimTask(ctx, t); err != nil {
		slog.Error("task start rejected by registry", "session_key", o.sessionKey, "task_id", t.ID, "error", err)
		o.failStart(seq, err.Error(), true)
		return
	}
	o.startAgent(ctx, seq, t.Prompt)
}

// claimTask registers the task as running. A conflicting running record is
// completed as failed and the claim is retried once. Registry transport
// errors are logged and do not block the dispatch.
func (o *Orchestrator) claimTask(ctx context.Context, t task.Task) error {
	ctx, span := cfotel.StartRegistrySpan(logger.WithTaskID(ctx, t.ID), "start", t.ID)
	defer span.End()

	var res regdomain.StartResult
	for attempt := range 2 {
		var err error
		res, err = o.registry.Start(ctx, t.ID, o.sessionKey, t.Label)
		if err != nil {
			o.registryFailed(ctx, "start", err)
			return nil
		}
		if res.Success {
			return nil
		}
		if attempt > 0 || res.RunningTask == nil {
			break
		}

		stale := res.RunningTask
		owner := stale.SessionID
		if owner == "" {
			owner = o.sessionKey
		}
		slog.Warn("registry reports a running task for this session, completing it as failed",
			"session_key", o.sessionKey, "task_id", t.ID, "stale_task_id", stale.TaskID)
		if err := o.registry.Complete(ctx, stale.TaskID, owner, false); err != nil {
			o.registryFailed(logger.WithTaskID(ctx, stale.TaskID), "complete", err)
		}
	}

	running := "unknown"
	if res.RunningTask != nil {
		running = res.RunningTask.TaskID
	}
	return fmt.Errorf("task already running: %s", running)
}

// startAgent issues the start call and opens the stream for dispatch seq.
// Runs without mu.
func (o *Orchestrator) startAgent(ctx context.Context, seq uint64, prompt string) {
	o.mu.Lock()
	if !o.currentDispatch(seq) {
		o.mu.Unlock()
		return
	}
	req := agent.StartRequest{
		ProjectPath:     o.projectPath,
		Prompt:          prompt,
		ResumeSessionID: o.remoteSessionID,
	}
	o.mu.Unlock()

	resp, err := o.agent.Start(ctx, req)
	if err != nil {
		slog.Error("agent start failed", "session_key", o.sessionKey, "error", err)
		o.failStart(seq, fmt.Sprintf("start failed: %v", err), true)
		return
	}

	o.mu.Lock()
	if !o.currentDispatch(seq) {
		o.mu.Unlock()
		slog.Info("dispatch superseded before stream open", "session_key", o.sessionKey, "execution_id", resp.ExecutionID)
		return
	}
	o.executionID = resp.ExecutionID
	o.streamURL = resp.StreamURL
	if resp.LogFilePath != "" {
		o.logFilePath = resp.LogFilePath
	}
	gen := o.closeConn()
	if !o.visible {
		// OnShow opens the remembered URL.
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.openStream(ctx, gen, resp.StreamURL, seq)
}

// openStream dials url for connection generation gen. A dial error fails
// dispatch seq when it is still connecting; otherwise the reconciler notices
// the silence. Runs without mu.
func (o *Orchestrator) openStream(ctx context.Context, gen uint64, url string, seq uint64) {
	conn, err := o.dialer.Open(ctx, url, o.frameHandler(gen))

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || gen != o.connGen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		if seq != 0 && o.currentDispatch(seq) {
			slog.Error("stream open failed", "session_key", o.sessionKey, "url", url, "error", err)
			o.failStartLocked(seq, fmt.Sprintf("stream open failed: %v", err), true)
			return
		}
		slog.Warn("stream reconnect failed", "session_key", o.sessionKey, "url", url, "error", err)
		return
	}
	o.conn = conn
	if seq != 0 {
		go o.watchConnecting(conn, gen, seq)
	}
}

// watchConnecting fails dispatch seq when conn ends before the agent confirms
// the stream; the stuck poll only covers streaming tasks. It is not tracked
// by bg because it lives as long as conn.
func (o *Orchestrator) watchConnecting(conn agent.Conn, gen, seq uint64) {
	select {
	case <-conn.Done():
	case <-o.ctx.Done():
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.connGen {
		return
	}
	o.conn = nil
	if o.currentDispatch(seq) {
		slog.Warn("stream closed before connected", "session_key", o.sessionKey, "task_id", o.phase.TaskID)
		o.failStartLocked(seq, "stream closed before the agent connected", true)
	}
}

// currentDispatch reports whether dispatch seq is still the one in flight.
func (o *Orchestrator) currentDispatch(seq uint64) bool {
	return !o.closed && o.dispatchSeq == seq && o.phase.Kind == session.KindConnecting
}

func (o *Orchestrator) failStart(seq uint64, msg string, notifyRegistry bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failStartLocked(seq, msg, notifyRegistry)
}

func (o *Orchestrator) failStartLocked(seq uint64, msg string, notifyRegistry bool) {
	if !o.currentDispatch(seq) {
		return
	}
	taskID := o.phase.TaskID
	next, ok := session.Transition(o.phase, session.StartFailed{Err: msg})
	if !ok {
		return
	}

	o.closeConn()
	o.streamURL = ""
	o.setPhase(next)
	o.appendLog(logentry.TypeError, msg, nil)
	if taskID != "" {
		if notifyRegistry {
			o.registryComplete(taskID, false)
		}
		o.finishTask(taskID, false, msg)
	}
	o.evaluateQueue()
}
