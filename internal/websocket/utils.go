package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait bounds client silence; clients ping well inside it.
	readWait = 5 * time.Minute
)

// Writer serialises frames onto one connection. gorilla/websocket allows a
// single concurrent writer only.
type Writer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWriter wraps conn.
func NewWriter(conn *websocket.Conn) *Writer {
	return &Writer{conn: conn}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (w *Writer) WriteTyped(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (w *Writer) WriteError(ref, errMsg string) error {
	return w.WriteTyped(ErrorResponse{
		Event: EventError,
		Ref:   ref,
		Error: errMsg,
	})
}

// Close sends a close frame with code and reason.
func (w *Writer) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// ReadMessage reads one text frame with a read deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	return data, err
}
