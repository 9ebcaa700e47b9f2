package runtime

import (
	"context"
	"sync"
)

// EventKind enumerates the cross-cutting lifecycle notifications the server
// emits.
type EventKind int

const (
	ConnectionOpened EventKind = iota
	ConnectionClosed
	AuthUpdated
	SubscriptionCreated
	SubscriptionDeleted
)

// Event is the typed payload of a lifecycle notification. Conn is always
// set; Sub is set for subscription events.
type Event struct {
	Kind EventKind
	Conn *Connection
	Sub  *Subscription
}

// Hooks is a typed in-process bus for lifecycle notifications, used by
// application code and coordination packages to observe connections and
// subscriptions.
type Hooks struct {
	mu        sync.RWMutex
	observers map[EventKind][]func(Event)
}

func newHooks() *Hooks {
	return &Hooks{observers: make(map[EventKind][]func(Event))}
}

// On registers fn for every event of the given kind. Observers run
// synchronously on the emitting goroutine and must not block.
func (h *Hooks) On(kind EventKind, fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers[kind] = append(h.observers[kind], fn)
}

func (h *Hooks) emit(e Event) {
	h.mu.RLock()
	observers := h.observers[e.Kind]
	h.mu.RUnlock()

	for _, fn := range observers {
		fn(e)
	}
}

// Relay propagates publish and revocation events to peer server instances.
// The registries emit through it; a coordinator feeds remote events back in
// via Server.ApplyRemotePublish and Server.ApplyRemoteRevoke.
type Relay interface {
	PublishToTopic(ctx context.Context, topic string, message any) error
	RevokeSubscriptionsForUser(ctx context.Context, userID, topic string) error
}
