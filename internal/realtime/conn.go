package realtime

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Conn is the subset of *websocket.Conn the channel uses. Tests substitute
// in-memory fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection to an already-authenticated URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebsocketDialer dials real websocket connections with a frame size limit.
func WebsocketDialer(readLimit int64) Dialer {
	return DialFunc(func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}
		return conn, nil
	})
}
