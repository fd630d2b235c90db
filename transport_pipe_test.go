package rop

import (
	"fmt"
	"sync"
)

// pipeTransport is an in-memory Transport used by tests in place of
// WebSocketTransport: two instances share a pair of channels and deliver
// frames to each other in order, with no real network involved.
type pipeTransport struct {
	mu    sync.Mutex
	state TransportState

	out chan []byte
	in  chan []byte

	onMessage func([]byte)
	closeOnce sync.Once
}

// newPipePair returns two connected transports. Each starts CONNECTING
// and becomes OPEN when SetHandlers is called on it.
func newPipePair() (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &pipeTransport{out: ab, in: ba, state: StateConnecting}
	b := &pipeTransport{out: ba, in: ab, state: StateConnecting}
	return a, b
}

func (t *pipeTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *pipeTransport) SetHandlers(onOpen func(), onMessage func([]byte), onError func(error)) {
	t.mu.Lock()
	t.onMessage = onMessage
	t.state = StateOpen
	t.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
	go t.readLoop()
}

func (t *pipeTransport) readLoop() {
	for data := range t.in {
		t.mu.Lock()
		handler := t.onMessage
		t.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (t *pipeTransport) Send(data []byte) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != StateOpen {
		return fmt.Errorf("pipe transport is %s, not OPEN", state)
	}
	select {
	case t.out <- data:
		return nil
	default:
		return fmt.Errorf("pipe transport buffer full")
	}
}

// closePipe marks the transport closed and stops its read loop. Tests
// call this on both ends during cleanup.
func (t *pipeTransport) closePipe() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		close(t.out)
	})
}
