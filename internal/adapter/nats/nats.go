// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentDeck/internal/logger"
	"github.com/Strob0t/AgentDeck/internal/port/messagequeue"
)

const (
	streamName = "AGENTDECK"

	headerRequestID = "X-Request-ID"

	// maxDeliveries is how often a failing message is redelivered before it
	// moves to the dead letter subject.
	maxDeliveries = 3
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentdeck"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Session events are short-lived; observers that were offline only need
	// the recent past.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.SubjectPrefix + ".>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. The request ID in ctx, if
// any, travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. Payloads
// that fail validation, handler errors wrapping messagequeue.ErrPermanent and
// messages whose handler keeps failing are moved to "<subject>.dlq".
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    maxDeliveries + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	ctx := context.Background()
	if id := msg.Headers().Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.Warn("invalid message payload", "subject", msg.Subject(), "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
		slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
		if errors.Is(err, messagequeue.ErrPermanent) {
			q.moveToDLQ(ctx, msg)
			return
		}
		if meta, mErr := msg.Metadata(); mErr == nil && meta.NumDelivered >= maxDeliveries {
			q.moveToDLQ(ctx, msg)
			return
		}
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := msg.Subject() + ".dlq"
	if err := q.Publish(ctx, dlq, msg.Data()); err != nil {
		slog.Error("dead letter publish failed", "subject", dlq, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Term(); err != nil {
		slog.Error("nats term failed", "error", err)
	}
}

// KeyValue returns the named JetStream KV bucket, creating it when missing.
// ttl <= 0 keeps entries until deleted.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    max(ttl, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// Close drains the NATS connection.
func (q *Queue) Close() error {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
