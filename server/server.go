// Package server is the public entry point for running a relay server. It
// re-exports the runtime types and provides configuration helpers.
package server

import (
	"net/http"

	"github.com/relaykit/relay/internal/ratelimit"
	"github.com/relaykit/relay/internal/runtime"
)

type Config = runtime.Config
type Server = runtime.Server
type Connection = runtime.Connection

type EndpointRegistry = runtime.EndpointRegistry
type TopicRegistry = runtime.TopicRegistry

type AuthHandler = runtime.AuthHandler
type Handler = runtime.Handler
type Req = runtime.Req
type EndpointSpec = runtime.EndpointSpec
type RateLimitPolicy = ratelimit.Policy

type SubscribeAuthHandler = runtime.SubscribeAuthHandler
type PublishAuthHandler = runtime.PublishAuthHandler
type SubscribeRequest = runtime.SubscribeRequest
type Subscription = runtime.Subscription
type PublishEvent = runtime.PublishEvent

type Relay = runtime.Relay
type Event = runtime.Event
type EventKind = runtime.EventKind
type Hooks = runtime.Hooks
type TransportRateConfig = runtime.TransportRateConfig

// Lifecycle event kinds observable through Server.Hooks().
const (
	ConnectionOpened    = runtime.ConnectionOpened
	ConnectionClosed    = runtime.ConnectionClosed
	AuthUpdated         = runtime.AuthUpdated
	SubscriptionCreated = runtime.SubscriptionCreated
	SubscriptionDeleted = runtime.SubscriptionDeleted
)

// New creates a relay server.
//
// Example:
//
//	srv := server.New(server.Config{
//	    Addr:        ":8080",
//	    CheckOrigin: server.AllOrigins(),
//	    AuthHandler: myAuthHandler,
//	})
func New(cfg Config) *Server {
	return runtime.NewServer(cfg)
}

// AllOrigins returns a CheckOrigin function that allows every origin.
// Configure a real origin check in production.
func AllOrigins() func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultTransportRate allows 100 inbound frames per second with burst 200.
func DefaultTransportRate() *TransportRateConfig {
	return runtime.DefaultTransportRate()
}

// NoTransportRate disables the transport-level frame budget.
func NoTransportRate() *TransportRateConfig {
	return runtime.NoTransportRate()
}
