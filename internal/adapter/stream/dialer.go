// Package stream consumes the agent's execution event stream over
// Server-Sent Events or WebSocket and forwards each decoded frame.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	cfotel "github.com/Strob0t/AgentDeck/internal/adapter/otel"
	streamdomain "github.com/Strob0t/AgentDeck/internal/domain/stream"
	"github.com/Strob0t/AgentDeck/internal/port/agent"
)

// maxFrameBytes bounds a single SSE event or WebSocket message.
const maxFrameBytes = 4 << 20

// ErrUnsupportedScheme is returned for stream URLs that are neither http(s) nor ws(s).
var ErrUnsupportedScheme = errors.New("unsupported stream url scheme")

// Dialer opens agent event streams. The transport is chosen by URL scheme.
type Dialer struct {
	token      string
	httpClient *http.Client
}

// NewDialer creates a Dialer that authenticates with token when it is non-empty.
func NewDialer(token string) *Dialer {
	return &Dialer{
		token: token,
		// No client timeout: streams stay open for the whole execution.
		httpClient: &http.Client{Transport: cfotel.Transport(nil)},
	}
}

// Open connects to rawURL and forwards frames to handler in arrival order
// until a terminal event, a transport failure, or Close.
func (d *Dialer) Open(ctx context.Context, rawURL string, handler agent.FrameHandler) (agent.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &conn{url: rawURL, cancel: cancel, done: make(chan struct{}), handler: handler}

	switch u.Scheme {
	case "http", "https":
		err = d.openSSE(ctx, connCtx, c)
	case "ws", "wss":
		err = d.openWS(ctx, connCtx, c)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (d *Dialer) header() http.Header {
	h := http.Header{}
	if d.token != "" {
		h.Set("Authorization", "Bearer "+d.token)
	}
	return h
}

// conn is one live stream. The reader goroutine owns delivery; Close only
// cancels it.
type conn struct {
	url     string
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
	handler agent.FrameHandler
}

// Close stops delivery. It does not wait for the reader to exit.
func (c *conn) Close() {
	c.once.Do(c.cancel)
}

// Done is closed once the reader goroutine has exited.
func (c *conn) Done() <-chan struct{} { return c.done }

// deliver decodes one frame and forwards it. It reports false once the
// stream must stop: the connection was closed or the frame was terminal.
func (c *conn) deliver(ctx context.Context, eventName string, data []byte) bool {
	if ctx.Err() != nil {
		return false
	}
	ev, err := decodeFrame(eventName, data)
	if err != nil {
		slog.Warn("skipping malformed stream frame", "url", c.url, "error", err)
		return true
	}
	c.handler(ev)
	if ev.IsTerminal() {
		c.Close()
		return false
	}
	return true
}

// decodeFrame parses a frame envelope. An SSE event name stands in for a
// missing type field.
func decodeFrame(eventName string, data []byte) (streamdomain.Event, error) {
	ev, err := streamdomain.Decode(data)
	if errors.Is(err, streamdomain.ErrMissingType) && eventName != "" && eventName != "message" {
		ev.Type = streamdomain.Type(eventName)
		return ev, nil
	}
	return ev, err
}
