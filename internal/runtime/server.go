package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaykit/relay"
)

const (
	defaultWSPath          = "/relay_ws"
	defaultLivenessTimeout = 30 * time.Second

	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 10 * time.Second
)

// HTTP fallback and status paths.
const (
	PathEstablish = "/relay/http/establish"
	PathMessage   = "/relay/http/message"
	PathPoll      = "/relay/http/poll"
	PathStatus    = "/api/status"
)

// AuthHandler validates client credentials and returns the connection's
// authentication state. Errors of a recognized kind reach the client
// verbatim; anything else is logged and replaced by an opaque error.
type AuthHandler func(ctx context.Context, credentials any, conn *Connection) (*relay.Auth, error)

// TransportRateConfig bounds how many frames a single connection may push
// through the transport per second, independent of per-endpoint limits.
type TransportRateConfig struct {
	MessagesPerSecond rate.Limit
	Burst             int
	Enabled           bool
}

// DefaultTransportRate allows 100 messages per second with burst of 200.
func DefaultTransportRate() *TransportRateConfig {
	return &TransportRateConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoTransportRate disables the transport-level frame budget.
func NoTransportRate() *TransportRateConfig {
	return &TransportRateConfig{Enabled: false}
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// WSPath is the websocket upgrade path. Defaults to "/relay_ws".
	WSPath string
	// CheckOrigin validates upgrade request origins. Nil falls back to the
	// websocket library's same-origin policy.
	CheckOrigin func(r *http.Request) bool
	// AuthHandler handles auth_login events. Nil makes login unsupported.
	AuthHandler AuthHandler
	// ReauthorizeOnPublish re-runs subscribe authorization for every
	// subscriber on every push, revoking subscribers that lost access.
	ReauthorizeOnPublish bool
	// LivenessTimeout forcibly disconnects a connection after this long
	// without any inbound frame. Defaults to 30s.
	LivenessTimeout time.Duration
	// TransportRate bounds inbound frames per connection. Nil uses
	// DefaultTransportRate.
	TransportRate *TransportRateConfig
	// FrontendDir optionally serves a bundled single-page frontend.
	FrontendDir string
	// Logger receives structured logs. Nil discards them.
	Logger *zap.Logger
}

// Server accepts transport-level connections, constructs Connections, owns
// the connection table and the endpoint and topic registries, and bridges
// cross-instance coordination events.
type Server struct {
	cfg   Config
	id    string
	log   *zap.Logger
	hooks *Hooks

	Endpoints *EndpointRegistry
	Topics    *TopicRegistry

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu          sync.RWMutex
	running     bool
	relay       Relay
	connections map[string]*Connection
}

// NewServer creates a server from cfg, applying defaults for unset fields.
func NewServer(cfg Config) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = defaultWSPath
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	if cfg.TransportRate == nil {
		cfg.TransportRate = DefaultTransportRate()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:         cfg,
		id:          uuid.NewString(),
		log:         log,
		hooks:       newHooks(),
		connections: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	s.Endpoints = newEndpointRegistry(log)
	s.Topics = newTopicRegistry(s, log)
	return s
}

// ID returns this server instance's identifier, used by coordinators to
// distinguish their own events from peers'.
func (s *Server) ID() string { return s.id }

// Hooks returns the server's lifecycle notification bus.
func (s *Server) Hooks() *Hooks { return s.hooks }

// SetRelay installs the cross-instance coordinator. Must be called before
// Start.
func (s *Server) SetRelay(r Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = r
}

func (s *Server) relayRef() Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relay
}

// Handler returns the full HTTP handler: websocket upgrade path, HTTP
// fallback surface, status probe and optional frontend bundle.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.handleWebSocket)
	mux.HandleFunc(PathStatus, s.handleStatus)
	mux.HandleFunc(PathEstablish, s.withCORS(s.handleEstablish))
	mux.HandleFunc(PathMessage, s.withCORS(s.handleMessage))
	mux.HandleFunc(PathPoll, s.withCORS(s.handlePoll))
	if s.cfg.FrontendDir != "" {
		mux.Handle("/", s.frontendHandler())
	}
	return mux
}

// Start begins listening. It returns an error if the server is already
// running or the address cannot be bound; otherwise the server keeps running
// until Stop is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the server, closing every connection first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ForceDisconnect(websocket.CloseGoingAway, "server shutting down")
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Connection returns the connection with the given id.
func (s *Server) Connection(id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	return c, ok
}

// Connections returns a snapshot of the connection table.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

func (s *Server) addConnection(c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.connections[c.ID()]; exists {
		return fmt.Errorf("duplicate connection id %s", c.ID())
	}
	s.connections[c.ID()] = c
	return nil
}

func (s *Server) removeConnection(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// accept registers a freshly constructed connection and announces it.
func (s *Server) accept(c *Connection) error {
	if err := s.addConnection(c); err != nil {
		return err
	}
	s.hooks.emit(Event{Kind: ConnectionOpened, Conn: c})
	s.log.Debug("connection opened",
		zap.String("connection_id", c.ID()),
		zap.String("ip", c.IP()),
		zap.String("hostname", c.Hostname()))
	return nil
}

// handleWebSocket upgrades an HTTP request into a persistent connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Host == "" {
		http.Error(w, "unable to determine hostname", http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	transport := newWSTransport(wsConn)
	c := newConnection(s, transport, r.Host, clientIP(r), nil)
	if err := s.accept(c); err != nil {
		s.log.Error("failed to accept connection", zap.Error(err))
		_ = transport.Close(websocket.CloseInternalServerErr, "accept failed")
		return
	}

	go s.readLoop(c, wsConn)
}

// readLoop reads frames off the websocket and feeds them to the connection.
// It runs one goroutine per connection, so a connection's events are
// processed in wire-arrival order.
func (s *Server) readLoop(c *Connection, wsConn *websocket.Conn) {
	defer c.ForceDisconnect(websocket.CloseNormalClosure, "")

	var limiter *rate.Limiter
	if s.cfg.TransportRate.Enabled {
		limiter = rate.NewLimiter(s.cfg.TransportRate.MessagesPerSecond, s.cfg.TransportRate.Burst)
	}

	wsConn.SetReadDeadline(time.Now().Add(readTimeout))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	wsConn.SetPingHandler(func(appData string) error {
		wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		return wsConn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn("unexpected websocket close",
					zap.String("connection_id", c.ID()),
					zap.Error(err))
			}
			return
		}

		wsConn.SetReadDeadline(time.Now().Add(readTimeout))

		if limiter != nil && !limiter.Allow() {
			s.log.Warn("transport rate limit exceeded",
				zap.String("connection_id", c.ID()),
				zap.String("ip", c.IP()))
			c.ForceDisconnect(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if err := c.HandleMessage(context.Background(), data); err != nil {
			c.ForceDisconnect(websocket.CloseProtocolError, relay.SafeError(err).Message)
			return
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// frontendHandler serves a bundled single-page frontend: existing files are
// served as-is, missing .js files answer with a forced reload so stale
// clients pick up a new bundle, and everything else falls back to index.html.
func (s *Server) frontendHandler() http.Handler {
	fileServer := http.FileServer(http.Dir(s.cfg.FrontendDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := filepath.Join(s.cfg.FrontendDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(requested); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}

		if strings.HasSuffix(r.URL.Path, ".js") {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("window.location.reload();"))
			return
		}

		http.ServeFile(w, r, filepath.Join(s.cfg.FrontendDir, "index.html"))
	})
}

// ApplyRemotePublish delivers a publish event received from a peer instance
// to local subscribers without re-emitting it to the relay.
func (s *Server) ApplyRemotePublish(ctx context.Context, topic string, message any) {
	s.Topics.Publish(ctx, topic, message, true)
}

// ApplyRemoteRevoke applies a revocation event received from a peer instance
// to local subscribers without re-emitting it to the relay.
func (s *Server) ApplyRemoteRevoke(ctx context.Context, userID, topic string) {
	s.Topics.revokeLocal(userID, topic)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			return strings.TrimSpace(forwarded[:i])
		}
		return forwarded
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
