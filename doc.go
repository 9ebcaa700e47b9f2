// Package relay provides a connection-oriented RPC and publish/subscribe
// server runtime. Clients open a persistent WebSocket (or fall back to a
// signed HTTP request/poll cycle), authenticate, call registered endpoints,
// and subscribe to named topics that the server pushes messages into.
//
// # Architecture
//
// Each client connection runs a session state machine that multiplexes four
// concern types over one wire channel: authentication, RPC call/response,
// pub-sub subscription, and liveness. Endpoints are registered once at
// startup with a JSON schema and dispatched through a uniform pipeline
// (auth gate, rate limit, schema validation, handler, error normalization).
// Topics are registered with independent subscribe and publish authorization
// callbacks, and the topic registry owns the live subscription fan-out table.
//
// # Quick Start
//
//	import (
//	    "github.com/relaykit/relay"
//	    "github.com/relaykit/relay/server"
//	)
//
//	srv := server.New(server.Config{
//	    Addr:        ":8080",
//	    CheckOrigin: server.AllOrigins(),
//	    AuthHandler: myAuthHandler,
//	})
//
//	srv.Endpoints.RegisterPublic(server.EndpointSpec{
//	    Name:         "echo",
//	    ParamsSchema: `{"type":"object"}`,
//	}, func(ctx context.Context, params any, auth *relay.Auth, req *server.Req) (any, error) {
//	    return params, nil
//	})
//
//	srv.Topics.Register("room",
//	    func(ctx context.Context, topic string, auth *relay.Auth, conn *server.Connection) (bool, error) {
//	        return auth != nil, nil
//	    },
//	    func(ctx context.Context, topic string, auth *relay.Auth) (bool, error) {
//	        return auth != nil, nil
//	    },
//	)
//
//	srv.Start(ctx)
//
// # Wire Format
//
// Every frame in both directions is a JSON envelope:
//
//	{"event": string, "data": any}
//
// The encoding is extended so that native date and binary values round-trip:
// dates travel as {"$date": epoch-millis} and binary data as
// {"$binary": base64}. Stream handles travel as {"$stream": id}.
//
// # Errors
//
// Errors that reach clients are always one of the recognized kinds
// (forbidden, invalid-request, not-authenticated, ...). Any other error
// raised by application handlers is logged server-side and replaced by an
// opaque internal-server-error, so clients never observe raw error text
// from application code.
//
// # Deferred Responses
//
// A handler may return a Result carrying named Stream handles. The initial
// response is sent as usual, and every subsequent write to a stream is
// delivered to the caller as an additional response.<callId>.<streamId>
// frame until the stream ends or its inactivity timeout fires.
package relay
