package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/AgentDeck/internal/adapter/ws"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/logentry"
	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
	"github.com/Strob0t/AgentDeck/internal/domain/session"
	"github.com/Strob0t/AgentDeck/internal/domain/stream"
	"github.com/Strob0t/AgentDeck/internal/domain/task"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
)

func pending(id, prompt string) task.Task {
	return task.Task{ID: id, Prompt: prompt, Label: strings.ToUpper(id), Status: task.StatusPending}
}

// dispatch offers tasks and lets the settle delay elapse.
func (h *harness) dispatch(tasks ...task.Task) {
	h.o.SetQueue(tasks)
	h.advance(h.cfg.NextTaskDelay)
}

func (h *harness) connect(t *testing.T, remoteSession string) *fakeConn {
	t.Helper()
	c := h.dialer.last()
	if c == nil {
		t.Fatal("no stream was opened")
	}
	c.push(t, stream.TypeConnected, stream.Connected{SessionID: remoteSession, Model: "claude-test", Tools: []string{"Edit", "Bash"}})
	return c
}

func (h *harness) taskStatus(t *testing.T, id string) task.Status {
	t.Helper()
	for _, tk := range h.o.Tasks() {
		if tk.ID == id {
			return tk.Status
		}
	}
	t.Fatalf("task %s not in queue", id)
	return ""
}

func completesFor(reg *fakeRegistry, taskID string) []registryCall {
	var out []registryCall
	for _, c := range reg.ops("complete") {
		if c.taskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t, nil)

	h.o.SetQueue([]task.Task{pending("t1", "build the level")})
	h.advance(h.cfg.NextTaskDelay / 2)
	if h.agent.count() != 0 {
		t.Fatal("task dispatched before the settle delay elapsed")
	}
	h.advance(h.cfg.NextTaskDelay)
	if h.agent.count() != 1 {
		t.Fatalf("expected 1 agent start, got %d", h.agent.count())
	}

	req := h.agent.request(0)
	if req.Prompt != "build the level" || req.ProjectPath != "/work/game" || req.ResumeSessionID != "" {
		t.Fatalf("unexpected start request %+v", req)
	}
	if starts := h.reg.ops("start"); len(starts) != 1 || starts[0].taskID != "t1" || starts[0].sessionID != "session-1" {
		t.Fatalf("unexpected registry starts %+v", starts)
	}
	if c := h.dialer.last(); c == nil || c.url != testStreamURL {
		t.Fatal("stream not opened with the start response URL")
	}
	if snap := h.o.Snapshot(); snap.Phase.Kind != session.KindConnecting || snap.HeartbeatActive {
		t.Fatalf("expected connecting without heartbeat, got %+v", snap)
	}

	conn := h.connect(t, "remote-1")
	snap := h.o.Snapshot()
	if snap.Phase.Kind != session.KindStreaming || !snap.HeartbeatActive || !snap.StuckPollActive {
		t.Fatalf("expected streaming with both timers, got %+v", snap)
	}
	if snap.Phase.Execution == nil || snap.Phase.Execution.Model != "claude-test" || snap.Phase.Execution.ExecutionID != "exec-1" {
		t.Fatalf("execution info not recorded: %+v", snap.Phase.Execution)
	}
	if h.taskStatus(t, "t1") != task.StatusRunning {
		t.Fatal("task should be running")
	}

	conn.push(t, stream.TypeMessage, stream.Message{Type: "assistant", Content: "done"})
	conn.push(t, stream.TypeResult, stream.Result{SessionID: "remote-1", DurationMs: 1200})
	h.settle()

	snap = h.o.Snapshot()
	if snap.Phase.Kind != session.KindComplete || snap.HeartbeatActive || snap.StuckPollActive {
		t.Fatalf("expected complete without timers, got %+v", snap)
	}
	if snap.RemoteSessionID != "remote-1" {
		t.Fatalf("remote session id = %q", snap.RemoteSessionID)
	}
	if !conn.isClosed() {
		t.Fatal("stream should be closed after result")
	}
	if c := completesFor(h.reg, "t1"); len(c) != 1 || !c[0].success {
		t.Fatalf("expected one successful completion, got %+v", c)
	}
	if h.taskStatus(t, "t1") != task.StatusCompleted {
		t.Fatal("task should be completed")
	}

	h.advance(h.cfg.LogBatchWindow)
	logs := h.o.Logs(0)
	want := []string{"build the level", "Connected to claude-test", "done", "Completed in 1.2s"}
	if len(logs) != len(want) {
		t.Fatalf("expected %d logs, got %+v", len(want), logs)
	}
	for i, w := range want {
		if logs[i].Content != w {
			t.Fatalf("log %d = %q, want %q", i, logs[i].Content, w)
		}
	}
}

func TestOrchestrator_ResumeSessionCarriedToNextTask(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "one"), pending("t2", "two"))
	conn := h.connect(t, "remote-7")
	conn.push(t, stream.TypeResult, stream.Result{SessionID: "remote-7", DurationMs: 10})
	h.settle()

	h.advance(h.cfg.NextTaskDelay)
	if h.agent.count() != 2 {
		t.Fatalf("expected second dispatch, got %d starts", h.agent.count())
	}
	if got := h.agent.request(1).ResumeSessionID; got != "remote-7" {
		t.Fatalf("resume session id = %q, want remote-7", got)
	}
}

func TestOrchestrator_ConflictRecovery(t *testing.T) {
	h := newHarness(t, nil)
	h.reg.startResults = []regdomain.StartResult{
		{Success: false, RunningTask: &regdomain.Record{TaskID: "t0", SessionID: "session-1", Status: regdomain.StatusRunning}},
	}

	h.dispatch(pending("t1", "p"))

	seq := h.reg.sequence()
	want := []registryCall{
		{op: "start", taskID: "t1", sessionID: "session-1"},
		{op: "complete", taskID: "t0", sessionID: "session-1", success: false},
		{op: "start", taskID: "t1", sessionID: "session-1"},
	}
	if len(seq) != len(want) {
		t.Fatalf("registry calls = %+v", seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, seq[i], want[i])
		}
	}
	if h.agent.count() != 1 {
		t.Fatalf("agent should start after recovery, got %d", h.agent.count())
	}
	if h.o.Snapshot().Phase.Kind != session.KindConnecting {
		t.Fatal("expected connecting after recovered claim")
	}
}

func TestOrchestrator_SecondConflictFailsStart(t *testing.T) {
	h := newHarness(t, nil)
	conflict := regdomain.StartResult{Success: false, RunningTask: &regdomain.Record{TaskID: "t0", SessionID: "session-1"}}
	h.reg.startResults = []regdomain.StartResult{conflict, conflict}

	h.dispatch(pending("t1", "p"))

	snap := h.o.Snapshot()
	if snap.Phase.Kind != session.KindError || snap.Phase.Message != "task already running: t0" {
		t.Fatalf("unexpected phase %+v", snap.Phase)
	}
	if h.agent.count() != 0 {
		t.Fatal("agent must not start after a second conflict")
	}
	if c := completesFor(h.reg, "t1"); len(c) != 1 || c[0].success {
		t.Fatalf("t1 should be completed as failed once, got %+v", c)
	}
	if h.taskStatus(t, "t1") != task.StatusFailed {
		t.Fatal("task should be failed")
	}
}

func TestOrchestrator_RegistryOutageDoesNotBlockDispatch(t *testing.T) {
	h := newHarness(t, nil)
	h.reg.startErr = errors.New("connection refused")

	h.dispatch(pending("t1", "p"))
	if h.agent.count() != 1 {
		t.Fatal("dispatch should proceed when the registry is unreachable")
	}
}

func TestOrchestrator_AbortMidStream(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "remote-1")

	if err := h.o.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	h.settle()

	snap := h.o.Snapshot()
	if snap.Phase.Kind != session.KindIdle || snap.HeartbeatActive || snap.StuckPollActive || snap.Connected {
		t.Fatalf("unexpected snapshot after abort %+v", snap)
	}
	if !conn.isClosed() {
		t.Fatal("stream should be closed")
	}

	// A frame already in flight on the closed stream is ignored.
	conn.push(t, stream.TypeResult, stream.Result{DurationMs: 5})
	h.settle()

	if c := completesFor(h.reg, "t1"); len(c) != 1 || c[0].success {
		t.Fatalf("expected exactly one failed completion, got %+v", c)
	}
	if h.o.Snapshot().Phase.Kind != session.KindIdle {
		t.Fatal("late frame changed the phase")
	}
	if h.taskStatus(t, "t1") != task.StatusFailed {
		t.Fatal("aborted task should be failed")
	}

	if err := h.o.Abort(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second abort: expected ErrInvalidTransition, got %v", err)
	}
}

func TestOrchestrator_IdempotentDispatch(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))

	// Repeated snapshots while streaming must not dispatch again.
	h.o.SetQueue([]task.Task{pending("t1", "p")})
	h.o.SetQueue([]task.Task{pending("t1", "p")})
	h.advance(3 * h.cfg.NextTaskDelay)

	conn := h.connect(t, "")
	conn.push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	h.settle()

	// A stale snapshot offering t1 as pending again.
	h.o.SetQueue([]task.Task{pending("t1", "p")})
	h.advance(3 * h.cfg.NextTaskDelay)

	if h.agent.count() != 1 {
		t.Fatalf("t1 started %d times", h.agent.count())
	}
	if n := len(h.reg.ops("start")); n != 1 {
		t.Fatalf("registry saw %d starts", n)
	}
	if h.taskStatus(t, "t1") != task.StatusCompleted {
		t.Fatal("stale snapshot overwrote the local status")
	}
}

func TestOrchestrator_SingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	h.connect(t, "")

	if err := h.o.SubmitPrompt(context.Background(), "another"); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := h.o.Enqueue(context.Background(), task.CreateRequest{Prompt: "queued later"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.advance(3 * h.cfg.NextTaskDelay)
	if h.agent.count() != 1 {
		t.Fatalf("a second task started while streaming: %d starts", h.agent.count())
	}
}

func TestOrchestrator_SubmitPromptValidation(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.SubmitPrompt(context.Background(), "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestOrchestrator_SubmitPromptSkipsRegistry(t *testing.T) {
	h := newHarness(t, func(c *config.Session) { c.AutoStart = false })
	if err := h.o.SubmitPrompt(context.Background(), "explain"); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	h.settle()
	conn := h.connect(t, "remote-2")

	if snap := h.o.Snapshot(); snap.HeartbeatActive || snap.StuckPollActive {
		t.Fatalf("ad-hoc prompt must not run registry timers: %+v", snap)
	}
	conn.push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	h.settle()

	if seq := h.reg.sequence(); len(seq) != 0 {
		t.Fatalf("ad-hoc prompt touched the registry: %+v", seq)
	}
	if h.o.Snapshot().Phase.Kind != session.KindComplete {
		t.Fatal("expected complete")
	}
}

func TestOrchestrator_HeartbeatOnlyWhileStreaming(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	if n := len(h.reg.ops("heartbeat")); n != 0 {
		t.Fatalf("heartbeat while connecting: %d", n)
	}

	conn := h.connect(t, "")
	h.advance(3 * h.cfg.HeartbeatInterval)
	if n := len(h.reg.ops("heartbeat")); n != 3 {
		t.Fatalf("expected 3 heartbeats, got %d", n)
	}

	conn.push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	h.settle()
	h.advance(3 * h.cfg.HeartbeatInterval)
	if n := len(h.reg.ops("heartbeat")); n != 3 {
		t.Fatalf("heartbeat continued after the result: %d", n)
	}
}

func TestOrchestrator_ReconnectAfterHide(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	first := h.connect(t, "remote-1")

	h.o.SetVisible(false)
	snap := h.o.Snapshot()
	if snap.HeartbeatActive || snap.StuckPollActive || snap.Connected {
		t.Fatalf("hidden session kept timers or stream: %+v", snap)
	}
	if snap.Phase.Kind != session.KindStreaming || snap.StreamURL != testStreamURL {
		t.Fatalf("hide must keep the phase and stream url: %+v", snap)
	}
	if !first.isClosed() {
		t.Fatal("stream should close on hide")
	}
	h.advance(3 * h.cfg.HeartbeatInterval)
	if n := len(h.reg.ops("heartbeat")); n != 0 {
		t.Fatalf("heartbeat while hidden: %d", n)
	}
	if seq := h.reg.sequence(); len(seq) != 1 {
		t.Fatalf("hide must not notify the registry: %+v", seq)
	}

	h.o.SetVisible(true)
	h.o.SetVisible(true)
	h.settle()
	if h.dialer.count() != 2 {
		t.Fatalf("expected exactly one reconnect, got %d opens", h.dialer.count())
	}
	if h.dialer.conn(1).url != testStreamURL {
		t.Fatalf("reconnected to %q", h.dialer.conn(1).url)
	}
	if !h.o.Snapshot().HeartbeatActive {
		t.Fatal("heartbeat should resume")
	}
	h.advance(h.cfg.HeartbeatInterval)
	if n := len(h.reg.ops("heartbeat")); n != 1 {
		t.Fatalf("expected a single heartbeat loop, got %d beats", n)
	}

	// Frames from the superseded connection are dropped.
	first.push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	if h.o.Snapshot().Phase.Kind != session.KindStreaming {
		t.Fatal("frame from the old connection was applied")
	}

	h.dialer.conn(1).push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	h.settle()
	if h.o.Snapshot().Phase.Kind != session.KindComplete {
		t.Fatal("result on the new connection should complete the task")
	}
}

func TestOrchestrator_StuckResolvedFromTerminalStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")

	h.reg.setStatus(regdomain.StatusResult{Found: true, Status: regdomain.StatusCompleted})
	h.advance(h.cfg.StuckPollInterval)

	snap := h.o.Snapshot()
	if snap.Phase.Kind != session.KindIdle || snap.HeartbeatActive || snap.StuckPollActive {
		t.Fatalf("expected idle without timers, got %+v", snap)
	}
	if !conn.isClosed() {
		t.Fatal("stream should be closed")
	}
	if h.taskStatus(t, "t1") != task.StatusCompleted {
		t.Fatal("task should take the registry's verdict")
	}
	if c := completesFor(h.reg, "t1"); len(c) != 0 {
		t.Fatalf("terminal record must not be completed again: %+v", c)
	}
}

func TestOrchestrator_StuckResolvedFromStaleRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	h.connect(t, "")

	h.reg.setStatus(regdomain.StatusResult{Found: true, Status: regdomain.StatusRunning, IsStale: true})
	h.advance(h.cfg.StuckPollInterval)

	if h.o.Snapshot().Phase.Kind != session.KindIdle {
		t.Fatal("stale record should end streaming")
	}
	if c := completesFor(h.reg, "t1"); len(c) != 1 || c[0].success {
		t.Fatalf("stale task should be completed as failed once, got %+v", c)
	}
	if h.taskStatus(t, "t1") != task.StatusFailed {
		t.Fatal("task should be failed")
	}
}

func TestOrchestrator_StuckPollIgnoresMissingRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	h.connect(t, "")

	h.reg.setStatus(regdomain.StatusResult{Found: false})
	h.advance(2 * h.cfg.StuckPollInterval)

	if h.o.Snapshot().Phase.Kind != session.KindStreaming {
		t.Fatal("a missing record must not change the phase")
	}
}

func TestOrchestrator_LogBatchOrdering(t *testing.T) {
	h := newHarness(t, func(c *config.Session) { c.AutoStart = false })
	var flushed atomic.Int64
	h.o.SetOnLogsFlushed(func(n int) { flushed.Add(int64(n)) })

	if err := h.o.SubmitPrompt(context.Background(), "hi"); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	h.settle()
	conn := h.connect(t, "")
	for i := range 50 {
		conn.push(t, stream.TypeMessage, stream.Message{Type: "assistant", Content: "m-" + strconv.Itoa(i)})
	}
	conn.push(t, stream.TypeMessage, stream.Message{Type: "user", Content: "echo"})

	if got := len(h.o.Logs(0)); got != 0 {
		t.Fatalf("logs visible before the batch window: %d", got)
	}
	h.advance(h.cfg.LogBatchWindow)

	logs := h.o.Logs(0)
	if len(logs) != 52 {
		t.Fatalf("expected 52 entries, got %d", len(logs))
	}
	if logs[0].Type != logentry.TypeUser || logs[1].Type != logentry.TypeSystem {
		t.Fatalf("unexpected head %+v %+v", logs[0], logs[1])
	}
	for i := range 50 {
		if want := "m-" + strconv.Itoa(i); logs[i+2].Content != want {
			t.Fatalf("entry %d = %q, want %q", i+2, logs[i+2].Content, want)
		}
	}
	if tail := h.o.Logs(5); len(tail) != 5 || tail[4].Content != "m-49" {
		t.Fatalf("unexpected tail %+v", tail)
	}
	eventually(t, func() bool { return flushed.Load() == 52 })
	eventually(t, func() bool { return len(h.hub.ofType(ws.EventSessionLogs)) >= 1 })
}

func TestOrchestrator_LogBatchMaxSize(t *testing.T) {
	h := newHarness(t, func(c *config.Session) {
		c.AutoStart = false
		c.LogBatchMaxSize = 10
	})
	if err := h.o.SubmitPrompt(context.Background(), "hi"); err != nil {
		t.Fatalf("SubmitPrompt: %v", err)
	}
	h.settle()
	conn := h.connect(t, "")
	for i := range 28 {
		conn.push(t, stream.TypeMessage, stream.Message{Type: "assistant", Content: strconv.Itoa(i)})
	}
	if got := len(h.o.Logs(0)); got != 30 {
		t.Fatalf("expected 30 entries flushed by size, got %d", got)
	}
}

func TestOrchestrator_ToolResultTruncationAndDiagnostics(t *testing.T) {
	h := newHarness(t, func(c *config.Session) { c.ToolResultPreviewChars = 20 })
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")

	build := "main.go:12:5: undefined: spawnEnemy\nFAIL\tgame [build failed]"
	conn.push(t, stream.TypeToolResult, stream.ToolResult{ToolUseID: "u1", Content: build})
	conn.push(t, stream.TypeToolResult, stream.ToolResult{ToolUseID: "u2", Content: "hello"})
	h.advance(h.cfg.LogBatchWindow)

	var results []logentry.Entry
	for _, e := range h.o.Logs(0) {
		if e.Type == logentry.TypeToolResult {
			results = append(results, e)
		}
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 tool results, got %d", len(results))
	}
	if n := utf8.RuneCountInString(results[0].Content); n != 21 || !strings.HasSuffix(results[0].Content, "…") {
		t.Fatalf("preview not truncated: %q", results[0].Content)
	}
	if results[1].Content != "hello" {
		t.Fatalf("short result changed: %q", results[1].Content)
	}

	rep, err := h.o.Diagnostics(context.Background(), results[0].ID)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if rep.Errors != 1 || rep.Diagnostics[0].File != "main.go" || rep.Diagnostics[0].Line != 12 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, err := h.o.Diagnostics(context.Background(), results[1].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-build output, got %v", err)
	}
}

func TestOrchestrator_FileChangeDedup(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")

	edit := map[string]string{"file_path": "src/player.go"}
	conn.push(t, stream.TypeToolUse, map[string]any{"toolUseId": "u1", "toolName": "Edit", "toolInput": edit})
	conn.push(t, stream.TypeToolUse, map[string]any{"toolUseId": "u1", "toolName": "Edit", "toolInput": edit})
	conn.push(t, stream.TypeToolUse, map[string]any{"toolUseId": "u2", "toolName": "Write", "toolInput": map[string]string{"file_path": "src/enemy.go"}})
	conn.push(t, stream.TypeToolUse, map[string]any{"toolUseId": "u3", "toolName": "Read", "toolInput": map[string]string{"file_path": "src/level.go"}})

	changes := h.o.FileChanges()
	if len(changes) != 2 {
		t.Fatalf("expected 2 file changes, got %+v", changes)
	}
	if changes[0].FilePath != "src/player.go" || changes[1].FilePath != "src/enemy.go" {
		t.Fatalf("unexpected changes %+v", changes)
	}
}

func TestOrchestrator_Clear(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "remote-1")
	conn.push(t, stream.TypeToolUse, map[string]any{"toolUseId": "u1", "toolName": "Edit", "toolInput": map[string]string{"file_path": "a.go"}})
	conn.push(t, stream.TypeResult, stream.Result{SessionID: "remote-1", DurationMs: 1})
	h.advance(h.cfg.LogBatchWindow)

	if err := h.o.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	h.advance(h.cfg.LogBatchWindow)

	snap := h.o.Snapshot()
	if snap.Phase.Kind != session.KindIdle || snap.RemoteSessionID != "" || snap.StreamURL != "" {
		t.Fatalf("state not reset: %+v", snap)
	}
	if n := len(h.o.Logs(0)); n != 0 {
		t.Fatalf("logs survived clear: %d", n)
	}
	if n := len(h.o.FileChanges()); n != 0 {
		t.Fatalf("file changes survived clear: %d", n)
	}
	if c := h.reg.ops("clear"); len(c) != 1 || c[0].sessionID != "session-1" {
		t.Fatalf("registry clear calls %+v", c)
	}

	// Clear resets the dispatch guard.
	h.dispatch(pending("t1", "p"))
	if h.agent.count() != 2 {
		t.Fatalf("expected re-dispatch after clear, got %d starts", h.agent.count())
	}
	if got := h.agent.request(1).ResumeSessionID; got != "" {
		t.Fatalf("resume id survived clear: %q", got)
	}
}

func TestOrchestrator_ClearWhileStreamingDropsLateFrames(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")

	if err := h.o.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	conn.push(t, stream.TypeMessage, stream.Message{Type: "assistant", Content: "late"})
	h.advance(h.cfg.LogBatchWindow)

	if n := len(h.o.Logs(0)); n != 0 {
		t.Fatalf("late frame logged after clear: %d entries", n)
	}
	if h.taskStatus(t, "t1") != task.StatusFailed {
		t.Fatal("cleared task should be failed")
	}
}

func TestOrchestrator_QueueEmptyFiresOnce(t *testing.T) {
	h := newHarness(t, nil)
	var fired atomic.Int32
	h.o.SetOnQueueEmpty(func(context.Context) { fired.Add(1) })

	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")
	conn.push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	h.settle()
	eventually(t, func() bool { return fired.Load() == 1 })

	h.o.SetQueue(h.o.Tasks())
	h.advance(h.cfg.NextTaskDelay)
	if n := fired.Load(); n != 1 {
		t.Fatalf("queue-empty fired %d times", n)
	}
	ev := h.hub.ofType(ws.EventSessionQueueEmpty)
	if len(ev) != 1 || ev[0].payload.(ws.QueueEmptyEvent).Completed != 1 {
		t.Fatalf("unexpected queue-empty events %+v", ev)
	}
}

func TestOrchestrator_TaskOutputHook(t *testing.T) {
	h := newHarness(t, nil)
	var got atomic.Value
	h.o.SetOnTaskOutput(func(_ context.Context, taskID, output string) { got.Store(taskID + ":" + output) })

	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")
	conn.push(t, stream.TypeMessage, stream.Message{Type: "assistant", Content: "hello "})
	conn.push(t, stream.TypeMessage, stream.Message{Type: "assistant", Content: "world"})
	conn.push(t, stream.TypeResult, stream.Result{DurationMs: 1})

	eventually(t, func() bool { v, _ := got.Load().(string); return v == "t1:hello world" })
}

func TestOrchestrator_AgentStartFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.setErr(errors.New("agent unreachable"))

	h.dispatch(pending("t1", "first"), pending("t2", "second"))

	snap := h.o.Snapshot()
	if snap.Phase.Kind != session.KindError || !strings.Contains(snap.Phase.Message, "agent unreachable") {
		t.Fatalf("unexpected phase %+v", snap.Phase)
	}
	if c := completesFor(h.reg, "t1"); len(c) != 1 || c[0].success {
		t.Fatalf("failed start should complete t1 as failed, got %+v", c)
	}
	if h.taskStatus(t, "t1") != task.StatusFailed {
		t.Fatal("t1 should be failed")
	}

	h.agent.setErr(nil)
	h.advance(h.cfg.NextTaskDelay)
	if h.agent.count() != 2 || h.agent.request(1).Prompt != "second" {
		t.Fatal("queue should continue with t2")
	}
}

func TestOrchestrator_StreamOpenFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = errors.New("dial refused")

	h.dispatch(pending("t1", "p"))
	if h.o.Snapshot().Phase.Kind != session.KindError {
		t.Fatal("dial failure should fail the start")
	}
	if h.taskStatus(t, "t1") != task.StatusFailed {
		t.Fatal("t1 should be failed")
	}
}

func TestOrchestrator_StreamErrorFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")
	conn.push(t, stream.TypeError, stream.Error{Error: "rate limited"})
	h.settle()

	snap := h.o.Snapshot()
	if snap.Phase.Kind != session.KindError || snap.Phase.Message != "rate limited" || snap.HeartbeatActive {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if c := completesFor(h.reg, "t1"); len(c) != 1 || c[0].success {
		t.Fatalf("expected failed completion, got %+v", c)
	}
}

func TestOrchestrator_HiddenSessionDoesNotDispatch(t *testing.T) {
	h := newHarness(t, func(c *config.Session) { c.VisibilityFollowsViewers = true })
	h.dispatch(pending("t1", "p"))
	if h.agent.count() != 0 {
		t.Fatal("hidden session dispatched a task")
	}

	h.o.SetVisible(true)
	h.advance(h.cfg.NextTaskDelay)
	if h.agent.count() != 1 {
		t.Fatal("task should dispatch once visible")
	}
}

func TestOrchestrator_AutoStartToggle(t *testing.T) {
	h := newHarness(t, func(c *config.Session) { c.AutoStart = false })
	h.dispatch(pending("t1", "p"))
	if h.agent.count() != 0 {
		t.Fatal("dispatched with auto start off")
	}

	h.o.SetAutoStart(true)
	h.advance(h.cfg.NextTaskDelay)
	if h.agent.count() != 1 {
		t.Fatal("enabling auto start should dispatch")
	}
	h.connect(t, "")
	if !h.o.Snapshot().StuckPollActive {
		t.Fatal("stuck poll should run in autonomous mode")
	}
	h.o.SetAutoStart(false)
	snap := h.o.Snapshot()
	if snap.StuckPollActive || !snap.HeartbeatActive {
		t.Fatalf("disabling auto start should stop only the stuck poll: %+v", snap)
	}
}

func TestOrchestrator_PhaseEventsBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")
	conn.push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	h.settle()

	eventually(t, func() bool { return len(h.hub.ofType(ws.EventSessionPhase)) >= 3 })
	var kinds []string
	for _, e := range h.hub.ofType(ws.EventSessionPhase) {
		kinds = append(kinds, e.payload.(ws.PhaseEvent).Phase)
	}
	if strings.Join(kinds[:3], ",") != "connecting,streaming,complete" {
		t.Fatalf("unexpected phase sequence %v", kinds)
	}
}

func TestOrchestrator_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")

	h.o.Close()
	h.o.Close()
	if !conn.isClosed() {
		t.Fatal("close should close the stream")
	}
	if c := completesFor(h.reg, "t1"); len(c) != 0 {
		t.Fatalf("close must not notify the registry: %+v", c)
	}
	if err := h.o.SubmitPrompt(context.Background(), "x"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after close, got %v", err)
	}
}

func TestOrchestrator_SlowDiagnosticsStoreDoesNotBlockSession(t *testing.T) {
	store := newBlockingCache()
	h := newHarnessWithCache(t, nil, store)
	defer close(store.release)

	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")
	conn.push(t, stream.TypeToolResult, stream.ToolResult{ToolUseID: "u1", Content: "main.go:12:5: undefined: spawnEnemy"})

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("diagnostics were never written")
	}

	within := func(name string, fn func() error) {
		t.Helper()
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("%s blocked behind a pending diagnostics write", name)
		}
	}

	within("Abort", func() error { return h.o.Abort(context.Background()) })
	within("Clear", func() error { return h.o.Clear(context.Background()) })

	if k := h.o.Snapshot().Phase.Kind; k != session.KindIdle {
		t.Fatalf("expected idle, got %s", k)
	}
	if n := h.o.Snapshot().BuildReports; n != 0 {
		t.Fatalf("expected no build reports after clear, got %d", n)
	}
}

func TestOrchestrator_LogFilePathRetainedUntilClear(t *testing.T) {
	h := newHarness(t, nil)
	const firstPath = "/var/log/agent/exec-1.log"

	h.dispatch(pending("t1", "p1"), pending("t2", "p2"))
	h.connect(t, "").push(t, stream.TypeResult, stream.Result{DurationMs: 1})
	h.settle()
	if got := h.o.Snapshot().LogFilePath; got != firstPath {
		t.Fatalf("expected %q after first start, got %q", firstPath, got)
	}

	h.agent.setResp(agent.StartResponse{ExecutionID: "exec-2", StreamURL: testStreamURL})
	h.advance(h.cfg.NextTaskDelay)
	if h.agent.count() != 2 {
		t.Fatalf("expected second task dispatched, got %d starts", h.agent.count())
	}
	h.connect(t, "")
	if got := h.o.Snapshot().LogFilePath; got != firstPath {
		t.Fatalf("path lost when a start response omitted it: %q", got)
	}

	if err := h.o.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := h.o.Snapshot().LogFilePath; got != "" {
		t.Fatalf("path survived clear: %q", got)
	}
}

func TestOrchestrator_StreamEndsBeforeConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	if k := h.o.Snapshot().Phase.Kind; k != session.KindConnecting {
		t.Fatalf("expected connecting, got %s", k)
	}

	h.dialer.last().Close()
	eventually(t, func() bool { return h.o.Snapshot().Phase.Kind == session.KindError })
	h.settle()

	if h.taskStatus(t, "t1") != task.StatusFailed {
		t.Fatal("task should fail when its stream ends before connecting")
	}
	if c := completesFor(h.reg, "t1"); len(c) != 1 || c[0].success {
		t.Fatalf("expected one failed registry complete, got %+v", c)
	}
	if h.o.Snapshot().Connected {
		t.Fatal("dropped connection still reported")
	}
}

func TestOrchestrator_StreamEndAfterConnectedLeavesPhase(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")

	conn.Close()
	time.Sleep(20 * time.Millisecond)
	h.settle()

	if k := h.o.Snapshot().Phase.Kind; k != session.KindStreaming {
		t.Fatalf("a dropped stream is the reconciler's job, phase became %s", k)
	}
	if len(completesFor(h.reg, "t1")) != 0 {
		t.Fatal("registry completed a task that is still running remotely")
	}
}

func TestOrchestrator_SnapshotCounts(t *testing.T) {
	h := newHarness(t, nil)
	h.dispatch(pending("t1", "p"))
	conn := h.connect(t, "")

	if n := h.o.Snapshot().PendingLogs; n != 2 {
		t.Fatalf("expected prompt and connect entries buffered, got %d", n)
	}
	conn.push(t, stream.TypeToolResult, stream.ToolResult{ToolUseID: "u1", Content: "main.go:1:1: undefined: x"})
	h.advance(h.cfg.LogBatchWindow)

	snap := h.o.Snapshot()
	if snap.PendingLogs != 0 {
		t.Fatalf("expected empty batch after window, got %d", snap.PendingLogs)
	}
	if snap.BuildReports != 1 {
		t.Fatalf("expected one build report, got %d", snap.BuildReports)
	}
}
