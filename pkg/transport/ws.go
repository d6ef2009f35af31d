package transport

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsRW adapts a *websocket.Conn, which is message-oriented, to the
// io.ReadWriteCloser byte-stream contract NewConn expects. Every Write call
// becomes one binary WebSocket message; Read drains the current inbound
// message before asking gorilla for the next one, so the mux decoder sees
// an ordinary (if chunked-by-message) byte stream.
type wsRW struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	readMu  sync.Mutex
	pending io.Reader
}

// NewWebSocketConn wraps an established WebSocket connection as a
// multiplexed transport. initiator selects stream-id parity per §6.2; it
// is true for the side that dialed the WebSocket.
func NewWebSocketConn(conn *websocket.Conn, initiator bool, maxLength int) *Conn {
	return NewConn(&wsRW{conn: conn}, initiator, maxLength)
}

func (w *wsRW) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsRW) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if w.pending != nil {
			n, err := w.pending.Read(p)
			if n > 0 {
				return n, nil
			}
			if err != nil && err != io.EOF {
				return 0, err
			}
			w.pending = nil
		}

		kind, r, err := w.conn.NextReader()
		if err != nil {
			return 0, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		w.pending = r
	}
}

func (w *wsRW) Close() error {
	return w.conn.Close()
}
