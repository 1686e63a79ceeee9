package session

// Action is an input to Transition. The concrete types below are the only actions.
type Action interface {
	action()
}

type (
	// TaskStart begins dispatch of a queued task.
	TaskStart struct{ TaskID string }
	// SubmitStart begins dispatch of an ad-hoc prompt.
	SubmitStart struct{}
	// StreamConnected is raised by the stream's connected event.
	StreamConnected struct {
		Info      ExecutionInfo
		SessionID string
	}
	// StartFailed is raised when the start call (or its registry bookkeeping) fails.
	StartFailed struct{ Err string }
	// StreamResult is raised by the stream's result event.
	StreamResult struct{ Result Result }
	// StreamError is raised by the stream's error event.
	StreamError struct{ Err string }
	// Abort is a user cancellation.
	Abort struct{}
	// StuckResolved is forced by the reconciler when the registry disagrees with the stream.
	StuckResolved struct{}
	// Clear resets the session.
	Clear struct{}
)

func (TaskStart) action()       {}
func (SubmitStart) action()     {}
func (StreamConnected) action() {}
func (StartFailed) action()     {}
func (StreamResult) action()    {}
func (StreamError) action()     {}
func (Abort) action()           {}
func (StuckResolved) action()   {}
func (Clear) action()           {}

// Transition returns the phase that follows p under a. The second result is
// false when a is not legal in p; the phase is then returned unchanged, which
// makes late stream callbacks after an abort harmless.
func Transition(p Phase, a Action) (Phase, bool) {
	switch a := a.(type) {
	case TaskStart:
		if !p.acceptsStart() {
			return p, false
		}
		return Phase{Kind: KindConnecting, TaskID: a.TaskID}, true

	case SubmitStart:
		if !p.acceptsStart() {
			return p, false
		}
		return Phase{Kind: KindConnecting}, true

	case StreamConnected:
		if p.Kind != KindConnecting {
			return p, false
		}
		info := a.Info
		return Phase{Kind: KindStreaming, TaskID: p.TaskID, Execution: &info}, true

	case StartFailed:
		if p.Kind != KindConnecting {
			return p, false
		}
		return Phase{Kind: KindError, TaskID: p.TaskID, Message: a.Err}, true

	case StreamResult:
		if p.Kind != KindStreaming {
			return p, false
		}
		res := a.Result
		return Phase{Kind: KindComplete, TaskID: p.TaskID, Result: &res}, true

	case StreamError:
		if p.Kind != KindStreaming {
			return p, false
		}
		return Phase{Kind: KindError, TaskID: p.TaskID, Message: a.Err}, true

	case Abort:
		if p.Kind != KindStreaming {
			return p, false
		}
		return Idle(), true

	case StuckResolved, Clear:
		return Idle(), true
	}
	return p, false
}
