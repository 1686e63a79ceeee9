package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/AgentDeck/internal/adapter/ws"
	"github.com/Strob0t/AgentDeck/internal/domain/logentry"
	"github.com/Strob0t/AgentDeck/internal/domain/session"
	"github.com/Strob0t/AgentDeck/internal/domain/stream"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
)

// frameHandler binds stream frames to the connection generation they were opened with.
func (o *Orchestrator) frameHandler(gen uint64) agent.FrameHandler {
	return func(ev stream.Event) {
		o.handleFrame(gen, ev)
	}
}

// handleFrame applies one stream event. Frames from a superseded connection are dropped.
func (o *Orchestrator) handleFrame(gen uint64, ev stream.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || gen != o.connGen {
		slog.Debug("dropping frame from superseded connection", "session_key", o.sessionKey, "type", ev.Type)
		return
	}

	var err error
	switch ev.Type {
	case stream.TypeConnected:
		err = o.onConnected(ev)
	case stream.TypeMessage:
		err = o.onMessage(ev)
	case stream.TypeToolUse:
		err = o.onToolUse(ev)
	case stream.TypeToolResult:
		err = o.onToolResult(ev)
	case stream.TypeResult:
		err = o.onResult(ev)
	case stream.TypeError:
		err = o.onStreamError(ev)
	default:
		slog.Debug("ignoring unknown stream event", "session_key", o.sessionKey, "type", ev.Type)
	}
	if err != nil {
		slog.Warn("malformed stream event", "session_key", o.sessionKey, "type", ev.Type, "error", err)
	}
}

func (o *Orchestrator) onConnected(ev stream.Event) error {
	p, err := stream.DecodeData[stream.Connected](ev)
	if err != nil {
		return err
	}

	info := session.ExecutionInfo{
		ExecutionID: o.executionID,
		StreamURL:   o.streamURL,
		LogFilePath: o.logFilePath,
		Model:       p.Model,
		Tools:       p.Tools,
	}
	next, ok := session.Transition(o.phase, session.StreamConnected{Info: info, SessionID: p.SessionID})
	if !ok {
		// A reconnect replays connected while already streaming.
		if o.phase.Kind == session.KindStreaming && p.SessionID != "" {
			o.remoteSessionID = p.SessionID
		}
		return nil
	}
	if p.SessionID != "" {
		o.remoteSessionID = p.SessionID
	}
	o.setPhase(next)

	msg := "Connected"
	if p.Model != "" {
		msg = "Connected to " + p.Model
	}
	o.appendLog(logentry.TypeSystem, msg, nil)
	return nil
}

func (o *Orchestrator) onMessage(ev stream.Event) error {
	p, err := stream.DecodeData[stream.Message](ev)
	if err != nil {
		return err
	}
	if p.Type != "assistant" {
		return nil
	}
	o.appendLog(logentry.TypeAssistant, p.Content, nil)
	o.output.WriteString(p.Content)
	return nil
}

func (o *Orchestrator) onToolUse(ev stream.Event) error {
	p, err := stream.DecodeData[stream.ToolUse](ev)
	if err != nil {
		return err
	}
	e := o.appendLog(logentry.TypeToolUse, p.ToolName, func(e *logentry.Entry) {
		e.ToolName = p.ToolName
		e.ToolInput = p.ToolInput
	})

	if !logentry.IsFileEditTool(p.ToolName) {
		return nil
	}
	path := logentry.FilePathFromInput(p.ToolInput)
	if path == "" {
		return nil
	}
	fc := logentry.FileChange{
		FilePath:  path,
		ToolUseID: p.ToolUseID,
		ToolName:  p.ToolName,
		Timestamp: e.Timestamp,
	}
	if _, dup := o.fileChangeKeys[fc.Key()]; dup {
		return nil
	}
	o.fileChangeKeys[fc.Key()] = struct{}{}
	o.fileChanges = append(o.fileChanges, fc)
	return nil
}

func (o *Orchestrator) onToolResult(ev stream.Event) error {
	p, err := stream.DecodeData[stream.ToolResult](ev)
	if err != nil {
		return err
	}
	e := o.appendLog(logentry.TypeToolResult, logentry.Truncate(p.Content, o.cfg.ToolResultPreviewChars), nil)

	report, relevant := o.parser.Parse(p.Content)
	if !relevant {
		return nil
	}
	id := e.ID
	evicted := o.builds.admit(id)
	o.goAsync(func(ctx context.Context) {
		if err := o.builds.write(ctx, id, report, evicted); err != nil {
			slog.Warn("store build diagnostics", "session_key", o.sessionKey, "log_id", id, "error", err)
		}
	})
	return nil
}

func (o *Orchestrator) onResult(ev stream.Event) error {
	p, err := stream.DecodeData[stream.Result](ev)
	if err != nil {
		return err
	}

	res := session.Result{
		SessionID: p.SessionID,
		Usage: session.Usage{
			InputTokens:  p.Usage.InputTokens,
			OutputTokens: p.Usage.OutputTokens,
		},
		DurationMs: p.DurationMs,
		IsError:    p.IsError,
	}
	taskID := o.phase.TaskID
	next, ok := session.Transition(o.phase, session.StreamResult{Result: res})
	if !ok {
		return nil
	}
	if p.SessionID != "" {
		o.remoteSessionID = p.SessionID
	}

	o.closeConn()
	o.streamURL = ""
	o.setPhase(next)

	success := !p.IsError
	if success {
		o.appendLog(logentry.TypeSystem, fmt.Sprintf("Completed in %.1fs", float64(p.DurationMs)/1000), nil)
	} else {
		o.appendLog(logentry.TypeSystem, fmt.Sprintf("Finished with errors after %.1fs", float64(p.DurationMs)/1000), nil)
	}

	if taskID != "" {
		o.registryComplete(taskID, success)
		o.finishTask(taskID, success, "result")
		o.deliverOutput(taskID, o.output.String(), success)
	}
	o.output.Reset()

	o.evaluateQueue()
	return nil
}

func (o *Orchestrator) onStreamError(ev stream.Event) error {
	p, err := stream.DecodeData[stream.Error](ev)
	if err != nil {
		return err
	}
	msg := p.Error
	if msg == "" {
		msg = "agent reported an error"
	}

	taskID := o.phase.TaskID
	next, ok := session.Transition(o.phase, session.StreamError{Err: msg})
	if !ok {
		return nil
	}

	o.closeConn()
	o.streamURL = ""
	o.setPhase(next)
	o.appendLog(logentry.TypeError, msg, nil)
	slog.Error("agent stream error", "session_key", o.sessionKey, "task_id", taskID, "error", msg)

	if taskID != "" {
		o.registryComplete(taskID, false)
		o.finishTask(taskID, false, msg)
	}
	o.output.Reset()

	o.evaluateQueue()
	return nil
}

// deliverOutput hands the accumulated assistant output of a finished task to
// observers and the output hook, once.
func (o *Orchestrator) deliverOutput(taskID, output string, success bool) {
	o.hookMu.RLock()
	fn := o.onTaskOutput
	o.hookMu.RUnlock()

	var hook func(context.Context)
	if fn != nil {
		hook = func(ctx context.Context) { fn(ctx, taskID, output) }
	}
	o.emit(ws.EventTaskOutput, ws.TaskOutputEvent{
		SessionKey: o.sessionKey,
		TaskID:     taskID,
		Output:     output,
		Success:    success,
	}, hook)
}
