package service

import (
	"context"
	"log/slog"

	"github.com/Strob0t/AgentDeck/internal/domain/session"
)

// SetVisible routes visibility changes to OnHide/OnShow. Repeating the
// current value is a no-op.
func (o *Orchestrator) SetVisible(visible bool) {
	if visible {
		o.OnShow()
	} else {
		o.OnHide()
	}
}

// OnHide suspends the session while nobody is watching: the stream is closed
// but its URL kept, both timers stop, a scheduled dispatch is cancelled and
// buffered logs are flushed. The registry is not told; the remote task keeps
// running unattended.
func (o *Orchestrator) OnHide() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.visible {
		return
	}

	o.visible = false
	o.closeConn()
	o.cancelPendingDispatch()
	o.syncTimers()
	o.batcher.Flush()

	slog.Info("session hidden", "session_key", o.sessionKey, "phase", o.phase.Kind, "stream_url", o.streamURL)
}

// OnShow resumes the session: a task still in flight gets exactly one new
// connection to the remembered stream URL, timers resume through
// syncTimers, and the queue is re-evaluated.
func (o *Orchestrator) OnShow() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.visible {
		return
	}

	o.visible = true
	if o.phase.IsStreaming() && o.streamURL != "" && o.conn == nil {
		o.reopenStream()
	}
	o.syncTimers()
	o.evaluateQueue()

	slog.Info("session visible", "session_key", o.sessionKey, "phase", o.phase.Kind)
}

// reopenStream supersedes any prior connection and dials the remembered URL
// in the background. A stream that never connected fails its dispatch on a
// dial error; an established one is left to the reconciler.
func (o *Orchestrator) reopenStream() {
	gen := o.closeConn()
	url := o.streamURL
	var seq uint64
	if o.phase.Kind == session.KindConnecting {
		seq = o.dispatchSeq
	}
	if o.metrics != nil {
		o.metrics.StreamReconnects.Add(o.ctx, 1)
	}
	slog.Info("reopening agent stream", "session_key", o.sessionKey, "task_id", o.phase.TaskID, "url", url)

	o.goAsync(func(ctx context.Context) {
		o.openStream(ctx, gen, url, seq)
	})
}
