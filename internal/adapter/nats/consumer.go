package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/task"
	"github.com/Strob0t/AgentDeck/internal/logger"
	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
)

// TaskEnqueuer accepts tasks submitted over the queue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, req task.CreateRequest) (task.Task, error)
}

// EnqueueHandler returns a handler for messagequeue.SubjectTaskEnqueue that
// appends each message to the session queue. Malformed or rejected tasks are
// permanent failures; anything else is retried.
func EnqueueHandler(s TaskEnqueuer) messagequeue.Handler {
	return func(ctx context.Context, subject string, data []byte) error {
		var p messagequeue.TaskEnqueuePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w: %w", subject, err, messagequeue.ErrPermanent)
		}

		t, err := s.Enqueue(ctx, task.CreateRequest{
			Prompt:   p.Prompt,
			Label:    p.Label,
			ModuleID: p.ModuleID,
		})
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				return fmt.Errorf("enqueue: %w: %w", err, messagequeue.ErrPermanent)
			}
			return fmt.Errorf("enqueue: %w", err)
		}

		slog.Info("task enqueued from queue",
			append([]any{"task_id", t.ID, "label", t.Label}, logger.Attrs(ctx)...)...)
		return nil
	}
}
