package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cfotel "github.com/Strob0t/AgentDeck/internal/adapter/otel"
	"github.com/Strob0t/AgentDeck/internal/adapter/ws"
	"github.com/Strob0t/AgentDeck/internal/batch"
	"github.com/Strob0t/AgentDeck/internal/clock"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/diagnostic"
	"github.com/Strob0t/AgentDeck/internal/domain/logentry"
	"github.com/Strob0t/AgentDeck/internal/domain/session"
	"github.com/Strob0t/AgentDeck/internal/domain/task"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
	"github.com/Strob0t/AgentDeck/internal/port/broadcast"
	"github.com/Strob0t/AgentDeck/internal/port/cache"
	"github.com/Strob0t/AgentDeck/internal/port/registry"
)

// eventBuffer bounds outbound events waiting for the broadcast goroutine.
const eventBuffer = 256

// broadcastTimeout bounds a single push to observers.
const broadcastTimeout = 5 * time.Second

// BuildParser extracts build diagnostics from tool output. The second result
// is false when the output is not build-related.
type BuildParser interface {
	Parse(content string) (diagnostic.Report, bool)
}

// OrchestratorDeps are the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Registry registry.Registry
	Agent    agent.Starter
	Dialer   agent.Dialer
	Hub      broadcast.Broadcaster // optional
	Cache    cache.Cache           // backing store for build diagnostics
	Parser   BuildParser           // defaults to diagnostic.Parser
	Metrics  *cfotel.Metrics       // optional
	Clock    clock.Clock           // defaults to clock.Real
}

// Snapshot is a consistent read of the session state.
type Snapshot struct {
	SessionKey        string        `json:"session_key"`
	Phase             session.Phase `json:"phase"`
	IsStreaming       bool          `json:"is_streaming"`
	Visible           bool          `json:"visible"`
	AutoStart         bool          `json:"auto_start"`
	Connected         bool          `json:"connected"`
	RemoteSessionID   string        `json:"remote_session_id,omitempty"`
	StreamURL         string        `json:"stream_url,omitempty"`
	LogFilePath       string        `json:"log_file_path,omitempty"`
	QueueLength       int           `json:"queue_length"`
	PendingTasks      int           `json:"pending_tasks"`
	HeartbeatActive   bool          `json:"heartbeat_active"`
	StuckPollActive   bool          `json:"stuck_poll_active"`
	DispatchScheduled bool          `json:"dispatch_scheduled"`
	PendingLogs       int           `json:"pending_logs"`
	BuildReports      int           `json:"build_reports"`
}

// pendingLog is a log entry waiting in the batcher. seq orders it against Clear.
type pendingLog struct {
	seq   uint64
	entry logentry.Entry
}

// outbound is one item for the broadcast goroutine: an event, a hook, or both.
type outbound struct {
	eventType string
	payload   any
	hook      func(ctx context.Context)
}

// Orchestrator runs the task execution loop of one dashboard session: it
// dispatches queued tasks to the remote agent one at a time, consumes the
// agent's event stream, keeps the task registry informed, reconciles against
// it, and suspends/resumes with the viewer's visibility.
//
// Every entry point (API call, stream frame, timer tick, async completion)
// takes mu, so the session behaves like a single event loop. Network I/O is
// always performed outside mu.
type Orchestrator struct {
	cfg         config.Session
	projectPath string
	sessionKey  string

	registry registry.Registry
	agent    agent.Starter
	dialer   agent.Dialer
	hub      broadcast.Broadcaster
	parser   BuildParser
	metrics  *cfotel.Metrics
	clock    clock.Clock
	builds   *BuildCache
	batcher  *batch.Batcher[pendingLog]

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	emitMu     sync.RWMutex // guards events against send-after-close
	events     chan outbound
	eventsDone chan struct{}
	emitClosed bool

	hookMu        sync.RWMutex
	onQueueEmpty  func(ctx context.Context)
	onLogsFlushed func(count int)
	onTaskOutput  func(ctx context.Context, taskID, output string)

	logMu          sync.RWMutex
	logs           []logentry.Entry
	clearedThrough uint64

	mu            sync.Mutex
	closed        bool
	phase         session.Phase
	visible       bool
	autoStart     bool
	queue         []task.Task
	dispatched    map[string]struct{}
	emptyNotified bool
	dispatchSeq   uint64

	conn            agent.Conn
	connGen         uint64
	streamURL       string
	executionID     string
	logFilePath     string
	remoteSessionID string

	heartbeat         *clock.Repeater
	heartbeatToken    uint64
	stuckPoll         *clock.Repeater
	stuckPollToken    uint64
	pendingDispatch   clock.Timer
	pendingDispatchID string
	dispatchToken     uint64

	output         strings.Builder
	logSeq         uint64
	fileChanges    []logentry.FileChange
	fileChangeKeys map[string]struct{}

	taskSpan    trace.Span
	taskStarted time.Time
}

// NewOrchestrator creates an Orchestrator for one session. When
// cfg.VisibilityFollowsViewers is set the session starts hidden and waits for
// SetVisible(true).
func NewOrchestrator(cfg *config.Session, projectPath string, deps OrchestratorDeps) *Orchestrator {
	c := deps.Clock
	if c == nil {
		c = clock.Real{}
	}
	parser := deps.Parser
	if parser == nil {
		parser = diagnostic.Parser{}
	}
	key := cfg.Key
	if key == "" {
		key = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:            *cfg,
		projectPath:    projectPath,
		sessionKey:     key,
		registry:       deps.Registry,
		agent:          deps.Agent,
		dialer:         deps.Dialer,
		hub:            deps.Hub,
		parser:         parser,
		metrics:        deps.Metrics,
		clock:          c,
		builds:         NewBuildCache(deps.Cache, cfg.BuildCacheCapacity),
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan outbound, eventBuffer),
		eventsDone:     make(chan struct{}),
		phase:          session.Idle(),
		visible:        !cfg.VisibilityFollowsViewers,
		autoStart:      cfg.AutoStart,
		dispatched:     make(map[string]struct{}),
		fileChangeKeys: make(map[string]struct{}),
	}
	o.batcher = batch.New(c, cfg.LogBatchWindow, cfg.LogBatchMaxSize, o.flushLogs)
	go o.runEvents()

	slog.Info("session orchestrator created",
		"session_key", key,
		"project_path", projectPath,
		"auto_start", o.autoStart,
		"visible", o.visible,
	)
	return o
}

// SessionKey returns the id this session uses with the task registry.
func (o *Orchestrator) SessionKey() string { return o.sessionKey }

// SetOnQueueEmpty registers a callback fired once when no pending task remains.
func (o *Orchestrator) SetOnQueueEmpty(fn func(ctx context.Context)) {
	o.hookMu.Lock()
	o.onQueueEmpty = fn
	o.hookMu.Unlock()
}

// SetOnLogsFlushed registers a callback receiving the size of every flushed log batch.
func (o *Orchestrator) SetOnLogsFlushed(fn func(count int)) {
	o.hookMu.Lock()
	o.onLogsFlushed = fn
	o.hookMu.Unlock()
}

// SetOnTaskOutput registers a callback receiving the accumulated assistant
// output of each task that completes with a result.
func (o *Orchestrator) SetOnTaskOutput(fn func(ctx context.Context, taskID, output string)) {
	o.hookMu.Lock()
	o.onTaskOutput = fn
	o.hookMu.Unlock()
}

// SubmitPrompt dispatches an ad-hoc prompt outside the queue. It never
// touches the registry and is rejected with domain.ErrBusy while a task is in flight.
func (o *Orchestrator) SubmitPrompt(_ context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("session closed: %w", domain.ErrInvalidTransition)
	}

	next, ok := session.Transition(o.phase, session.SubmitStart{})
	if !ok {
		return domain.ErrBusy
	}

	o.cancelPendingDispatch()
	o.output.Reset()
	o.setPhase(next)
	o.appendLog(logentry.TypeUser, prompt, nil)

	o.dispatchSeq++
	seq := o.dispatchSeq
	o.goAsync(func(ctx context.Context) {
		o.startAgent(ctx, seq, prompt)
	})
	return nil
}

// Abort cancels the streaming task: the connection is closed, timers stop,
// the registry learns of the failure once, and the phase returns to idle.
func (o *Orchestrator) Abort(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	taskID := o.phase.TaskID
	next, ok := session.Transition(o.phase, session.Abort{})
	if !ok {
		return fmt.Errorf("abort in phase %s: %w", o.phase.Kind, domain.ErrInvalidTransition)
	}

	o.closeConn()
	o.streamURL = ""
	o.setPhase(next)
	o.appendLog(logentry.TypeSystem, "Aborted by user", nil)
	if taskID != "" {
		o.registryComplete(taskID, false)
		o.finishTask(taskID, false, "aborted")
	}
	o.output.Reset()

	slog.Info("task aborted", "session_key", o.sessionKey, "task_id", taskID)
	o.evaluateQueue()
	return nil
}

// Clear resets the session to idle and drops every piece of derived state.
// The registry is asked to forget the session in the background.
func (o *Orchestrator) Clear(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("session closed: %w", domain.ErrInvalidTransition)
	}

	if o.phase.IsStreaming() && o.phase.TaskID != "" {
		o.finishTask(o.phase.TaskID, false, "cleared")
	}
	o.closeConn()
	o.cancelPendingDispatch()

	o.streamURL = ""
	o.executionID = ""
	o.logFilePath = ""
	o.remoteSessionID = ""
	o.output.Reset()
	o.fileChanges = nil
	o.fileChangeKeys = make(map[string]struct{})
	o.dispatched = make(map[string]struct{})
	o.emptyNotified = false
	o.dispatchSeq++
	o.endTaskSpan(false, "cleared")

	if stale := o.builds.reset(); len(stale) > 0 {
		o.goAsync(func(ctx context.Context) {
			if err := o.builds.purge(ctx, stale); err != nil {
				slog.Warn("clear build diagnostics", "session_key", o.sessionKey, "error", err)
			}
		})
	}
	o.batcher.Reset()
	o.logMu.Lock()
	o.logs = nil
	o.clearedThrough = o.logSeq
	o.logMu.Unlock()

	next, _ := session.Transition(o.phase, session.Clear{})
	o.setPhase(next)

	key := o.sessionKey
	o.goAsync(func(ctx context.Context) {
		n, err := o.registry.Clear(ctx, key)
		if err != nil {
			o.registryFailed(ctx, "clear", err)
			return
		}
		slog.Info("registry session cleared", "session_key", key, "cleared", n)
	})

	o.evaluateQueue()
	return nil
}

// Snapshot returns the current session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending := 0
	for i := range o.queue {
		if o.queue[i].Status == task.StatusPending {
			pending++
		}
	}
	return Snapshot{
		SessionKey:        o.sessionKey,
		Phase:             o.phase,
		IsStreaming:       o.phase.IsStreaming(),
		Visible:           o.visible,
		AutoStart:         o.autoStart,
		Connected:         o.conn != nil,
		RemoteSessionID:   o.remoteSessionID,
		StreamURL:         o.streamURL,
		LogFilePath:       o.logFilePath,
		QueueLength:       len(o.queue),
		PendingTasks:      pending,
		HeartbeatActive:   o.heartbeat != nil,
		StuckPollActive:   o.stuckPoll != nil,
		DispatchScheduled: o.pendingDispatch != nil,
		PendingLogs:       o.batcher.Len(),
		BuildReports:      o.builds.Len(),
	}
}

// Logs returns up to limit of the most recent flushed log entries in arrival
// order. limit <= 0 returns every retained entry.
func (o *Orchestrator) Logs(limit int) []logentry.Entry {
	o.logMu.RLock()
	defer o.logMu.RUnlock()

	start := 0
	if limit > 0 && len(o.logs) > limit {
		start = len(o.logs) - limit
	}
	out := make([]logentry.Entry, len(o.logs)-start)
	copy(out, o.logs[start:])
	return out
}

// FileChanges returns the files touched by editing tools since the last Clear.
func (o *Orchestrator) FileChanges() []logentry.FileChange {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]logentry.FileChange, len(o.fileChanges))
	copy(out, o.fileChanges)
	return out
}

// Diagnostics returns the build report parsed from the tool result logged as logID.
func (o *Orchestrator) Diagnostics(ctx context.Context, logID string) (diagnostic.Report, error) {
	rep, ok, err := o.builds.Get(ctx, logID)
	if err != nil {
		return diagnostic.Report{}, fmt.Errorf("build diagnostics %s: %w", logID, err)
	}
	if !ok {
		return diagnostic.Report{}, fmt.Errorf("build diagnostics %s: %w", logID, domain.ErrNotFound)
	}
	return rep, nil
}

// Close stops the session: the stream is closed, timers stop, pending logs
// are flushed, and background work is waited for. The remote task is left
// running and the registry is not notified.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.closeConn()
	o.cancelPendingDispatch()
	o.syncTimers()
	o.endTaskSpan(false, "session closed")
	o.mu.Unlock()

	o.batcher.Stop()
	o.cancel()
	o.bg.Wait()

	o.emitMu.Lock()
	o.emitClosed = true
	close(o.events)
	o.emitMu.Unlock()
	<-o.eventsDone

	slog.Info("session orchestrator closed", "session_key", o.sessionKey)
}

// --- internal helpers; callers hold mu unless stated otherwise ---

// setPhase installs next, re-derives timers and announces the change.
func (o *Orchestrator) setPhase(next session.Phase) {
	prev := o.phase.Kind
	o.phase = next
	o.syncTimers()

	ev := ws.PhaseEvent{
		SessionKey: o.sessionKey,
		Phase:      string(next.Kind),
		TaskID:     next.TaskID,
		Message:    next.Message,
		Result:     next.Result,
	}
	if next.Execution != nil {
		ev.ExecutionID = next.Execution.ExecutionID
	}
	o.emit(ws.EventSessionPhase, ev, nil)
	slog.Debug("session phase changed", "session_key", o.sessionKey, "from", prev, "to", next.Kind, "task_id", next.TaskID)
}

// goAsync runs fn in the background with the session context.
func (o *Orchestrator) goAsync(fn func(ctx context.Context)) {
	if o.closed {
		return
	}
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		fn(o.ctx)
	}()
}

// closeConn drops the current connection and supersedes its frames. It
// returns the generation a replacement connection must carry.
func (o *Orchestrator) closeConn() uint64 {
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
	o.connGen++
	return o.connGen
}

// appendLog assigns the next log id and hands the entry to the batcher.
func (o *Orchestrator) appendLog(typ logentry.Type, content string, decorate func(*logentry.Entry)) logentry.Entry {
	o.logSeq++
	e := logentry.Entry{
		ID:        fmt.Sprintf("log-%d", o.logSeq),
		Type:      typ,
		Content:   content,
		Timestamp: o.clock.Now(),
	}
	if decorate != nil {
		decorate(&e)
	}
	o.batcher.Add(pendingLog{seq: o.logSeq, entry: e})
	return e
}

// flushLogs is the batcher callback. It runs without mu.
func (o *Orchestrator) flushLogs(items []pendingLog) {
	o.logMu.Lock()
	entries := make([]logentry.Entry, 0, len(items))
	for _, it := range items {
		if it.seq > o.clearedThrough {
			entries = append(entries, it.entry)
		}
	}
	o.logs = append(o.logs, entries...)
	if limit := o.cfg.LogTailLimit; limit > 0 && len(o.logs) > limit {
		o.logs = append([]logentry.Entry(nil), o.logs[len(o.logs)-limit:]...)
	}
	o.logMu.Unlock()

	if len(entries) == 0 {
		return
	}

	o.hookMu.RLock()
	fn := o.onLogsFlushed
	o.hookMu.RUnlock()

	var hook func(context.Context)
	if fn != nil {
		n := len(entries)
		hook = func(context.Context) { fn(n) }
	}
	o.emit(ws.EventSessionLogs, ws.LogBatchEvent{
		SessionKey: o.sessionKey,
		Count:      len(entries),
		LastID:     entries[len(entries)-1].ID,
		Entries:    entries,
	}, hook)
}

// emit queues an event and/or hook for the broadcast goroutine, preserving order.
// Safe with or without mu.
func (o *Orchestrator) emit(eventType string, payload any, hook func(ctx context.Context)) {
	o.emitMu.RLock()
	defer o.emitMu.RUnlock()
	if o.emitClosed {
		return
	}
	o.events <- outbound{eventType: eventType, payload: payload, hook: hook}
}

func (o *Orchestrator) runEvents() {
	defer close(o.eventsDone)
	for ev := range o.events {
		if ev.eventType != "" && o.hub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
			o.hub.BroadcastEvent(ctx, ev.eventType, ev.payload)
			cancel()
		}
		if ev.hook != nil {
			ev.hook(context.Background())
		}
	}
}

// beginTask starts the per-task span and bookkeeping for a dispatched task.
func (o *Orchestrator) beginTask(t *task.Task) {
	o.endTaskSpan(false, "superseded")
	_, o.taskSpan = cfotel.StartTaskSpan(o.ctx, o.sessionKey, t.ID, t.Label)
	o.taskStarted = o.clock.Now()
	o.output.Reset()
	if o.metrics != nil {
		o.metrics.TasksDispatched.Add(o.ctx, 1)
	}
}

func (o *Orchestrator) endTaskSpan(success bool, reason string) {
	if o.taskSpan == nil {
		return
	}
	if !success {
		o.taskSpan.SetStatus(codes.Error, reason)
	}
	o.taskSpan.End()
	o.taskSpan = nil
}

// finishTask marks a queued task terminal locally and records its outcome.
func (o *Orchestrator) finishTask(taskID string, success bool, reason string) {
	status := task.StatusFailed
	if success {
		status = task.StatusCompleted
	}
	if i := o.taskIndex(taskID); i >= 0 && !o.queue[i].Status.IsTerminal() {
		now := o.clock.Now()
		o.queue[i].Status = status
		o.queue[i].CompletedAt = &now
		o.emitTaskStatus(o.queue[i])
	}

	o.endTaskSpan(success, reason)
	if o.metrics != nil {
		if success {
			o.metrics.TasksCompleted.Add(o.ctx, 1)
		} else {
			o.metrics.TasksFailed.Add(o.ctx, 1)
		}
		if !o.taskStarted.IsZero() {
			o.metrics.TaskDuration.Record(o.ctx, o.clock.Now().Sub(o.taskStarted).Seconds())
		}
	}
	o.taskStarted = time.Time{}
	slog.Info("task finished", "session_key", o.sessionKey, "task_id", taskID, "status", status, "reason", reason)
}

func (o *Orchestrator) emitTaskStatus(t task.Task) {
	o.emit(ws.EventTaskStatus, ws.TaskStatusEvent{
		SessionKey:  o.sessionKey,
		TaskID:      t.ID,
		Label:       t.Label,
		Status:      string(t.Status),
		ModuleID:    t.ModuleID,
		CompletedAt: t.CompletedAt,
	}, nil)
}

func (o *Orchestrator) taskIndex(taskID string) int {
	if taskID == "" {
		return -1
	}
	for i := range o.queue {
		if o.queue[i].ID == taskID {
			return i
		}
	}
	return -1
}
