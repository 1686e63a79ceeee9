// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"errors"
)

// ErrPermanent marks a handler failure that redelivery cannot fix. Such
// messages go straight to the dead letter subject.
var ErrPermanent = errors.New("permanent message failure")

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Close shuts down the queue connection.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject prefix for every session event mirrored onto the queue.
const SubjectPrefix = "agentdeck"

// Subjects for session events. The event type is appended to SubjectPrefix,
// so "session.phase" is published on "agentdeck.session.phase".
const (
	SubjectSessionPhase      = SubjectPrefix + ".session.phase"
	SubjectSessionLogs       = SubjectPrefix + ".session.logs"
	SubjectSessionQueueEmpty = SubjectPrefix + ".session.queue_empty"
	SubjectTaskStatus        = SubjectPrefix + ".task.status"
	SubjectTaskOutput        = SubjectPrefix + ".task.output"
)

// SubjectTaskEnqueue carries tasks submitted by other services. It is
// consumed, not published, by the session.
const SubjectTaskEnqueue = SubjectPrefix + ".tasks.enqueue"

// SubjectFor maps an event type to its queue subject.
func SubjectFor(eventType string) string {
	return SubjectPrefix + "." + eventType
}
