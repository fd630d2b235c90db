package rop

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// WebSocketTransport is the canonical Transport: a gorilla/websocket
// connection carrying one text frame per ROP message. Reads happen on
// a dedicated goroutine pumping into the Agent's run loop via
// onMessage; writes are serialized with writeMu since gorilla requires
// a single writer at a time.
type WebSocketTransport struct {
	conn    *websocket.Conn
	state   atomic.Int32
	writeMu sync.Mutex

	onMessage func([]byte)
	onError   func(error)
}

// NewWebSocketTransport wraps an already-established connection. The
// transport starts CONNECTING and moves to OPEN as soon as SetHandlers
// is called (the upgrade itself, performed by the caller, is what the
// spec treats as the out-of-scope HTTP/WebSocket server collaborator).
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn}
	t.state.Store(int32(StateConnecting))
	return t
}

// State implements Transport.
func (t *WebSocketTransport) State() TransportState {
	return TransportState(t.state.Load())
}

// SetHandlers implements Transport.
func (t *WebSocketTransport) SetHandlers(onOpen func(), onMessage func([]byte), onError func(error)) {
	t.onMessage = onMessage
	t.onError = onError
	t.state.Store(int32(StateOpen))
	if onOpen != nil {
		onOpen()
	}
	go t.readPump()
}

func (t *WebSocketTransport) readPump() {
	defer func() {
		t.state.Store(int32(StateClosed))
		t.conn.Close()
	}()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.onError != nil {
				t.onError(err)
			}
			return
		}
		if t.onMessage != nil {
			t.onMessage(data)
		}
	}
}

// Send implements Transport.
func (t *WebSocketTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
