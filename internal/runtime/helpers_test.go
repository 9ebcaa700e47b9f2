package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/internal/wire"
)

// fakeTransport records frames instead of delivering them.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return relay.ErrConnectionClosed()
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

// envelopes decodes every recorded frame.
func (t *fakeTransport) envelopes(tb testing.TB) []wire.Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]wire.Envelope, 0, len(t.frames))
	for _, frame := range t.frames {
		env, err := wire.Unmarshal(frame)
		if err != nil {
			tb.Fatalf("recorded frame does not decode: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// find returns the envelopes recorded for a given event name.
func (t *fakeTransport) find(tb testing.TB, event string) []wire.Envelope {
	tb.Helper()
	var out []wire.Envelope
	for _, env := range t.envelopes(tb) {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// fakeRelay records cross-instance coordination events.
type fakeRelay struct {
	mu        sync.Mutex
	published []string
	revoked   []string
}

func (r *fakeRelay) PublishToTopic(ctx context.Context, topic string, message any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, topic)
	return nil
}

func (r *fakeRelay) RevokeSubscriptionsForUser(ctx context.Context, userID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, userID+"/"+topic)
	return nil
}

func newTestServer(cfg Config) *Server {
	return NewServer(cfg)
}

// newTestConnection builds a connection backed by a fake transport and adds
// it to the server's connection table.
func newTestConnection(tb testing.TB, s *Server) (*Connection, *fakeTransport) {
	tb.Helper()
	transport := &fakeTransport{}
	c := newConnection(s, transport, "example.test", "127.0.0.1:40000", nil)
	if err := s.accept(c); err != nil {
		tb.Fatalf("accept() error = %v", err)
	}
	return c, transport
}

func setAuth(c *Connection, auth *relay.Auth) {
	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()
}

// frame builds an inbound wire frame.
func frame(tb testing.TB, event string, data any) []byte {
	tb.Helper()
	raw, err := wire.Marshal(event, data)
	if err != nil {
		tb.Fatalf("Marshal() error = %v", err)
	}
	return raw
}

func errorKind(tb testing.TB, data any) string {
	tb.Helper()
	m, ok := data.(map[string]any)
	if !ok {
		tb.Fatalf("payload %#v is not an object", data)
	}
	kind, _ := m["error"].(string)
	return kind
}

// nestedErrorKind digs the error kind out of a {error: {...}} payload.
func nestedErrorKind(tb testing.TB, data any) string {
	tb.Helper()
	m, ok := data.(map[string]any)
	if !ok {
		tb.Fatalf("payload %#v is not an object", data)
	}
	inner, ok := m["error"].(map[string]any)
	if !ok {
		tb.Fatalf("payload %#v has no error object", data)
	}
	kind, _ := inner["error"].(string)
	return kind
}
