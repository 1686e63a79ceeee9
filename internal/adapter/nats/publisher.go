package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
)

// Publisher mirrors session events onto the message queue. It implements
// broadcast.Broadcaster so it can sit next to the WebSocket hub.
type Publisher struct {
	queue messagequeue.Queue
}

// NewPublisher creates a Publisher over q.
func NewPublisher(q messagequeue.Queue) *Publisher {
	return &Publisher{queue: q}
}

// BroadcastEvent publishes payload on the subject for eventType. Failures are
// logged; observers on the queue are best effort.
func (p *Publisher) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	subject := messagequeue.SubjectFor(eventType)
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue event", "subject", subject, "error", err)
		return
	}
	if err := messagequeue.Validate(subject, data); err != nil {
		slog.Error("refusing to publish invalid event", "subject", subject, "error", err)
		return
	}
	if !p.queue.IsConnected() {
		slog.Debug("queue disconnected, dropping event", "subject", subject)
		return
	}
	if err := p.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish queue event", "subject", subject, "error", err)
	}
}
