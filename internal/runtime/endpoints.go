package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/internal/ratelimit"
)

// Req carries per-call extras handed to endpoint handlers.
type Req struct {
	Connection *Connection
}

// Handler is the application function behind an endpoint. For endpoints
// registered with Register, auth is never nil; for RegisterPublic it is nil
// until the connection authenticates.
type Handler func(ctx context.Context, params any, auth *relay.Auth, req *Req) (any, error)

// EndpointSpec describes a remote procedure at registration time.
// ParamsSchema is a JSON schema document and is mandatory; RateLimit is
// optional.
type EndpointSpec struct {
	Name         string
	ParamsSchema string
	RateLimit    *ratelimit.Policy
}

type endpoint struct {
	name         string
	handler      Handler
	requireLogin bool
	rateLimit    *ratelimit.Policy
	schema       *jsonschema.Schema
}

// EndpointRegistry maps method names to handlers and wraps every call in the
// dispatch pipeline: auth gate, rate limit, schema validation, handler,
// error normalization.
type EndpointRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	log       *zap.Logger
}

func newEndpointRegistry(log *zap.Logger) *EndpointRegistry {
	return &EndpointRegistry{
		endpoints: make(map[string]*endpoint),
		log:       log,
	}
}

// Register registers an endpoint that requires an authenticated connection.
// Registration fails on a duplicate name, a missing schema, or a schema that
// does not compile; these are configuration errors raised at startup, never
// per-call.
func (r *EndpointRegistry) Register(spec EndpointSpec, handler Handler) error {
	return r.register(spec, handler, true)
}

// RegisterPublic registers an endpoint callable without authentication.
func (r *EndpointRegistry) RegisterPublic(spec EndpointSpec, handler Handler) error {
	return r.register(spec, handler, false)
}

func (r *EndpointRegistry) register(spec EndpointSpec, handler Handler, requireLogin bool) error {
	if spec.Name == "" {
		return fmt.Errorf("endpoint name is empty")
	}
	if handler == nil {
		return fmt.Errorf("no handler for endpoint %q", spec.Name)
	}
	if spec.ParamsSchema == "" {
		return fmt.Errorf("schema missing for %q; a params schema is mandatory", spec.Name)
	}

	schema, err := compileSchema(spec.Name, spec.ParamsSchema)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[spec.Name]; exists {
		return fmt.Errorf("duplicate endpoint %q registered", spec.Name)
	}
	r.endpoints[spec.Name] = &endpoint{
		name:         spec.Name,
		handler:      handler,
		requireLogin: requireLogin,
		rateLimit:    spec.RateLimit,
		schema:       schema,
	}
	return nil
}

// compileSchema compiles eagerly so malformed schemas fail at startup.
func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

func (r *EndpointRegistry) lookup(method string) (*endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[method]
	return ep, ok
}

// HandleCall runs the dispatch pipeline for one call: endpoint lookup, login
// gate, per-connection rate limit, schema validation, handler invocation and
// error normalization. Handler errors of a recognized kind pass through
// verbatim; anything else is logged and replaced with an opaque
// internal-server-error.
func (r *EndpointRegistry) HandleCall(ctx context.Context, call *relay.Call, conn *Connection) (any, error) {
	ep, ok := r.lookup(call.Method)
	if !ok {
		return nil, relay.ErrEndpointNotFound(call.Method)
	}

	auth := conn.Auth()
	if ep.requireLogin && auth == nil {
		return nil, relay.ErrNotAuthenticated()
	}

	if ep.rateLimit != nil {
		if !conn.limiter(call.Method, *ep.rateLimit).Allow() {
			return nil, relay.ErrTooManyRequests()
		}
	}

	if err := ep.schema.Validate(call.Params); err != nil {
		r.log.Debug("params rejected by schema",
			zap.String("method", call.Method),
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
		return nil, relay.ErrInvalidRequest()
	}

	result, err := ep.handler(ctx, call.Params, auth, &Req{Connection: conn})
	if err != nil {
		if relay.IsError(err) {
			return nil, err
		}
		r.log.Error("internal server error calling endpoint",
			zap.String("method", call.Method),
			zap.Error(err))
		return nil, relay.ErrInternalServer()
	}
	return result, nil
}
