package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"
)

func (d *Dialer) openWS(dialCtx, connCtx context.Context, c *conn) error {
	ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: d.header(),
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	ws.SetReadLimit(maxFrameBytes)

	go func() {
		defer close(c.done)
		defer func() { _ = ws.CloseNow() }()
		for {
			typ, data, err := ws.Read(connCtx)
			if err != nil {
				if connCtx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
					slog.Warn("event stream read failed", "url", c.url, "error", err)
				}
				c.Close()
				return
			}
			if typ != websocket.MessageText && typ != websocket.MessageBinary {
				continue
			}
			if !c.deliver(connCtx, "", data) {
				_ = ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()
	return nil
}
