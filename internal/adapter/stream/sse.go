package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

func (d *Dialer) openSSE(dialCtx, connCtx context.Context, c *conn) error {
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header = d.header()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The dial honours dialCtx; the body lives as long as the connection.
	stop := context.AfterFunc(dialCtx, c.Close)
	resp, err := d.httpClient.Do(req)
	stop()
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return fmt.Errorf("open event stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	go func() {
		defer close(c.done)
		defer func() { _ = resp.Body.Close() }()
		err := readSSE(resp.Body, func(name string, data []byte) bool {
			return c.deliver(connCtx, name, data)
		})
		if err != nil && connCtx.Err() == nil {
			slog.Warn("event stream read failed", "url", c.url, "error", err)
		}
		c.Close()
	}()
	return nil
}

// readSSE parses a text/event-stream body. Consecutive data lines are joined
// with newlines and a blank line dispatches the event. emit returning false
// stops the read.
func readSSE(r io.Reader, emit func(eventName string, data []byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var (
		data    bytes.Buffer
		name    string
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if hasData && !emit(name, data.Bytes()) {
				return nil
			}
			data.Reset()
			name, hasData = "", false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			name = value
		}
	}
	return sc.Err()
}
