package runtime

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/internal/ratelimit"
	"github.com/relaykit/relay/internal/wire"
)

// Close code sent when the liveness window elapses without any frame.
const closeCodePingTimeout = 3999

// Connection is one client session. It owns the transport handle, the
// authentication state, the per-endpoint rate limiters and the set of
// subscription handles, and dispatches inbound frames by event type.
//
// The session moves from open-unauthenticated to open-authenticated on a
// successful login and to closed (terminal) on disconnect, forced close or
// liveness timeout. Re-authentication is permitted and replaces the auth
// state.
type Connection struct {
	id       string
	ip       string
	hostname string

	server    *Server
	transport Transport
	// publicKey is set only for HTTP-fallback connections; inbound payloads
	// are verified against it before dispatch.
	publicKey *ecdsa.PublicKey

	mu            sync.Mutex
	auth          *relay.Auth
	closed        bool
	limiters      map[string]*ratelimit.Limiter
	subscriptions map[string]string // subscription id -> topic name, non-owning
	idle          *time.Timer
	disconnectFns []func()

	disconnectOnce sync.Once
}

func newConnection(server *Server, transport Transport, hostname, ip string, publicKey *ecdsa.PublicKey) *Connection {
	c := &Connection{
		id:            uuid.NewString(),
		ip:            ip,
		hostname:      hostname,
		server:        server,
		transport:     transport,
		publicKey:     publicKey,
		limiters:      make(map[string]*ratelimit.Limiter),
		subscriptions: make(map[string]string),
	}
	c.idle = time.AfterFunc(server.cfg.LivenessTimeout, c.onLivenessTimeout)
	return c
}

// ID returns the connection's identifier, unique within the server's
// connection table.
func (c *Connection) ID() string { return c.id }

// IP returns the client's remote address as determined at accept time.
func (c *Connection) IP() string { return c.ip }

// Hostname returns the Host header the client connected with.
func (c *Connection) Hostname() string { return c.hostname }

// Auth returns the connection's authentication state, nil when
// unauthenticated.
func (c *Connection) Auth() *relay.Auth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// Closed reports whether the connection has reached its terminal state.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnDisconnect registers fn to run exactly once when the connection closes.
func (c *Connection) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectFns = append(c.disconnectFns, fn)
}

// limiter lazily creates the connection-scoped rate limiter for method.
func (c *Connection) limiter(method string, policy ratelimit.Policy) *ratelimit.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[method]
	if !ok {
		l = ratelimit.New(policy)
		c.limiters[method] = l
	}
	return l
}

func (c *Connection) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.idle.Reset(c.server.cfg.LivenessTimeout)
	}
}

// HandleMessage dispatches one inbound frame. It returns an error only for
// protocol violations (undecodable frame, frame on a closed connection);
// per-call and per-event failures are reported to the client in-band and do
// not terminate the connection. Unknown events are ignored.
func (c *Connection) HandleMessage(ctx context.Context, raw []byte) error {
	if c.Closed() {
		return relay.ErrConnectionClosed()
	}
	c.touch()

	// Peek the event name before paying for a full decode.
	event := gjson.GetBytes(raw, "event").String()
	if event == "" {
		return relay.ErrInvalidRequest()
	}

	switch event {
	case relay.EventAuthLogin, relay.EventPing, relay.EventSubscribeToTopic,
		relay.EventPublishToTopic, relay.EventCall:
	default:
		return nil
	}

	env, err := wire.Unmarshal(raw)
	if err != nil {
		return relay.ErrInvalidRequest()
	}

	switch env.Event {
	case relay.EventAuthLogin:
		c.handleAuthLogin(ctx, env.Data)
	case relay.EventPing:
		c.handlePing()
	case relay.EventSubscribeToTopic:
		c.handleSubscribe(ctx, env.Data)
	case relay.EventPublishToTopic:
		c.handlePublish(ctx, env.Data)
	case relay.EventCall:
		c.handleCall(ctx, env.Data)
	}
	return nil
}

// handleAuthLogin delegates to the application's auth handler and stores the
// returned state. Only the public portion is echoed to the client.
func (c *Connection) handleAuthLogin(ctx context.Context, credentials any) {
	if c.server.cfg.AuthHandler == nil {
		c.send(relay.EventAuthError, relay.ErrUnsupported())
		return
	}

	auth, err := c.server.cfg.AuthHandler(ctx, credentials, c)
	if err != nil {
		if !relay.IsError(err) {
			c.server.log.Error("auth handler failed",
				zap.String("connection_id", c.id),
				zap.String("ip", c.ip),
				zap.Error(err))
		}
		c.send(relay.EventAuthError, relay.SafeError(err))
		return
	}

	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()

	var public any
	if auth != nil {
		public = auth.Public
	}
	c.send(relay.EventAuthSuccess, public)
	c.server.hooks.emit(Event{Kind: AuthUpdated, Conn: c})
}

func (c *Connection) handlePing() {
	c.send(relay.EventPong, map[string]any{"connectionId": c.id})
}

func (c *Connection) handleSubscribe(ctx context.Context, data any) {
	req, err := parseSubscribeRequest(data)
	if err != nil {
		c.server.log.Debug("malformed subscribe request", zap.String("connection_id", c.id), zap.Error(err))
		return
	}

	if err := c.server.Topics.Subscribe(ctx, c, req); err != nil {
		if !relay.IsError(err) {
			c.server.log.Error("subscribe handler failed",
				zap.String("topic", req.Topic), zap.Error(err))
		}
		c.send(relay.SubscriptionResultEvent(req.Topic), map[string]any{"error": relay.SafeError(err)})
		return
	}
	c.send(relay.SubscriptionResultEvent(req.Topic), true)
}

func (c *Connection) handlePublish(ctx context.Context, data any) {
	req, err := parsePublishRequest(data)
	if err != nil {
		c.server.log.Debug("malformed publish request", zap.String("connection_id", c.id), zap.Error(err))
		return
	}

	if !c.server.Topics.IsRegistered(req.TopicID) {
		c.send(relay.PublicationErrorEvent(req.Topic), map[string]any{"error": relay.ErrTopicNotFound(req.TopicID)})
		return
	}

	if err := c.server.Topics.ValidatePublishAuth(ctx, c, req); err != nil {
		if !relay.IsError(err) {
			c.server.log.Error("publish auth handler failed",
				zap.String("topic", req.Topic), zap.Error(err))
		}
		c.send(relay.PublicationErrorEvent(req.Topic), map[string]any{"error": relay.SafeError(err)})
		return
	}

	c.server.Topics.Publish(ctx, req.Topic, req.Data, false)
}

// handleCall runs the primary call, then its side effects sequentially in
// array order, assembles the response, and attaches any streams the handler
// returned.
func (c *Connection) handleCall(ctx context.Context, data any) {
	call, err := parseCall(data)
	if err != nil {
		c.server.log.Debug("malformed call", zap.String("connection_id", c.id), zap.Error(err))
		return
	}

	result, err := c.server.Endpoints.HandleCall(ctx, call, c)
	if err != nil {
		c.send(relay.ResponseEvent(call.CallID), relay.SafeError(err))
		return
	}

	sideEffectResults := make([]relay.SideEffectResult, 0, len(call.SideEffects))
	for _, se := range call.SideEffects {
		seCall := &relay.Call{
			CallID: "se" + se.SideEffectID,
			Method: se.Method,
			Params: se.Params,
		}
		seResult, seErr := c.server.Endpoints.HandleCall(ctx, seCall, c)
		if seErr != nil {
			seResult = relay.SafeError(seErr)
		}
		sideEffectResults = append(sideEffectResults, relay.SideEffectResult{
			SideEffectID: se.SideEffectID,
			Result:       seResult,
		})
	}

	payload, streams := c.resolveResult(call.Method, result)

	c.send(relay.ResponseEvent(call.CallID), relay.CallResponse{
		MutationResult:    payload,
		SideEffectResults: sideEffectResults,
	})

	for _, s := range streams {
		stream := s
		c.sendStreamFrame(call.CallID, stream)
		stream.OnChange(func() {
			c.sendStreamFrame(call.CallID, stream)
		})
	}
}

// resolveResult unwraps a handler's Result envelope: the payload becomes the
// mutation result with each named stream handle merged in, and the streams
// are returned for attachment.
func (c *Connection) resolveResult(method string, result any) (any, map[string]*relay.Stream) {
	r, ok := result.(*relay.Result)
	if !ok {
		return result, nil
	}
	if len(r.Streams) == 0 {
		return r.Payload, nil
	}

	merged := make(map[string]any, len(r.Streams)+4)
	if r.Payload != nil {
		enc, err := wire.Encode(r.Payload)
		if err == nil {
			if m, ok := enc.(map[string]any); ok {
				merged = m
			} else {
				c.server.log.Error("result payload with streams is not an object; dropping streams",
					zap.String("method", method))
				return r.Payload, nil
			}
		}
	}
	for name, s := range r.Streams {
		merged[name] = s
	}
	return merged, r.Streams
}

func (c *Connection) sendStreamFrame(callID string, s *relay.Stream) {
	backlog, ended := s.Read()
	c.send(relay.StreamEvent(callID, s.ID()), map[string]any{
		"backlog": backlog,
		"ended":   ended,
	})
}

// Send serializes an {event, data} envelope and writes it to the transport.
// It fails when the connection is closed or the frame cannot be encoded.
func (c *Connection) Send(event string, data any) error {
	raw, err := wire.Marshal(event, data)
	if err != nil {
		return fmt.Errorf("encode %q: %w", event, err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return relay.ErrConnectionClosed()
	}

	return c.transport.Send(raw)
}

// send reports failures to the error sink and otherwise swallows them; a
// send failure never propagates back into the caller that triggered it.
func (c *Connection) send(event string, data any) {
	if err := c.Send(event, data); err != nil {
		c.server.log.Error("failed to send",
			zap.String("event", event),
			zap.String("connection_id", c.id),
			zap.Error(err))
	}
}

func (c *Connection) addSubscriptionHandle(subID, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[subID] = topic
}

func (c *Connection) dropSubscriptionHandle(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, subID)
}

// handleDisconnect is the single, idempotent close path: it marks the
// connection closed, drops every still-owned subscription from the topic
// registry, and notifies observers exactly once.
func (c *Connection) handleDisconnect() {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.idle.Stop()
		handles := make(map[string]string, len(c.subscriptions))
		for id, topic := range c.subscriptions {
			handles[id] = topic
		}
		c.subscriptions = make(map[string]string)
		fns := c.disconnectFns
		c.disconnectFns = nil
		c.mu.Unlock()

		for id, topic := range handles {
			c.server.Topics.unsubscribeHandle(topic, id)
		}

		for _, fn := range fns {
			fn()
		}

		c.server.removeConnection(c.id)
		c.server.hooks.emit(Event{Kind: ConnectionClosed, Conn: c})

		var public any
		if auth := c.Auth(); auth != nil {
			public = auth.Public
		}
		c.server.log.Debug("connection closed",
			zap.String("connection_id", c.id),
			zap.String("ip", c.ip),
			zap.Any("auth_public", public))
	})
}

// ForceDisconnect closes the connection from the server side.
func (c *Connection) ForceDisconnect(code int, reason string) {
	c.handleDisconnect()
	_ = c.transport.Close(code, reason)
}

func (c *Connection) onLivenessTimeout() {
	c.server.log.Warn("liveness timeout, closing connection",
		zap.String("connection_id", c.id),
		zap.String("ip", c.ip))

	c.send(relay.EventConnectionClosed, map[string]any{"reason": "ping-timeout"})
	c.ForceDisconnect(closeCodePingTimeout, "ping-timeout")
}
