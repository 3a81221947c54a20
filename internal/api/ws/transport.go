package ws

import (
	"time"

	"github.com/gofiber/contrib/websocket"
)

// socketTransport adapts a WebSocket to registry.Transport. Only the
// connection's writer goroutine calls it.
type socketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *socketTransport) deadline() time.Time {
	return time.Now().Add(t.writeTimeout)
}

func (t *socketTransport) WriteJSON(v any) error {
	if err := t.conn.SetWriteDeadline(t.deadline()); err != nil {
		return err
	}
	return t.conn.WriteJSON(v)
}

func (t *socketTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, t.deadline())
}

func (t *socketTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), t.deadline())
	return t.conn.Close()
}
