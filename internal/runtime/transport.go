package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/relay"
)

// Transport abstracts how framed events reach one client, so the same
// session logic runs over a persistent websocket or over the HTTP fallback
// outbox.
type Transport interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// wsTransport delivers frames over a persistent websocket through a buffered
// send channel drained by a write pump.
type wsTransport struct {
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		conn:   conn,
		sendCh: make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	go t.writePump()
	return t
}

func (t *wsTransport) Send(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return relay.ErrConnectionClosed()
	}
	t.mu.Unlock()

	select {
	case t.sendCh <- frame:
		return nil
	case <-t.ctx.Done():
		return relay.ErrConnectionClosed()
	}
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return t.conn.Close()
}

// writePump pumps frames from the send channel to the websocket connection
// and keeps the connection alive with periodic pings.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case frame := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-t.ctx.Done():
			return
		}
	}
}

// outboxTransport buffers frames for clients on the HTTP fallback, which
// drain them with poll requests instead of receiving pushes.
type outboxTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newOutboxTransport() *outboxTransport {
	return &outboxTransport{}
}

func (t *outboxTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return relay.ErrConnectionClosed()
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *outboxTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.frames = nil
	return nil
}

// Drain returns and clears all buffered frames.
func (t *outboxTransport) Drain() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := t.frames
	t.frames = nil
	return frames
}
