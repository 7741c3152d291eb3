package terminal

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketClient adapts a server-side websocket to ClientConn. Valid UTF-8
// output is sent as text frames, anything else as binary.
type WebSocketClient struct {
	conn *websocket.Conn

	mu sync.Mutex
}

// NewWebSocketClient wraps conn.
func NewWebSocketClient(conn *websocket.Conn) *WebSocketClient {
	return &WebSocketClient{conn: conn}
}

func (c *WebSocketClient) ReadMessage() ([]byte, error) {
	_, p, err := c.conn.ReadMessage()
	return p, err
}

func (c *WebSocketClient) WriteMessage(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := websocket.TextMessage
	if !utf8.Valid(p) {
		kind = websocket.BinaryMessage
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, p)
}

func (c *WebSocketClient) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
