package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
)

// SubscribeAuthHandler authorizes a subscription (and, when the server is
// configured to re-authorize on each push, every delivery). Returning false
// rejects with forbidden; an error propagates with the usual normalization.
type SubscribeAuthHandler func(ctx context.Context, topic string, auth *relay.Auth, conn *Connection) (bool, error)

// PublishAuthHandler authorizes a client-initiated publish.
type PublishAuthHandler func(ctx context.Context, topic string, auth *relay.Auth) (bool, error)

type topicRegistration struct {
	id            string
	subscribeAuth SubscribeAuthHandler
	publishAuth   PublishAuthHandler
}

// Subscription is a live (connection, topic) binding. The registry is its
// sole owner; the connection keeps only the subscription id, used to request
// removal on disconnect.
type Subscription struct {
	ID        string
	Topic     string
	TopicID   string
	Conn      *Connection
	Params    any
	CreatedAt time.Time
}

// TopicRegistry maps topic identifiers to their authorization handlers and
// maintains the live subscription fan-out table, keyed by topic name.
type TopicRegistry struct {
	server *Server
	log    *zap.Logger

	mu          sync.RWMutex
	topics      map[string]*topicRegistration
	subscribers map[string][]*Subscription
}

func newTopicRegistry(server *Server, log *zap.Logger) *TopicRegistry {
	return &TopicRegistry{
		server:      server,
		log:         log,
		topics:      make(map[string]*topicRegistration),
		subscribers: make(map[string][]*Subscription),
	}
}

// Register registers a topic with its subscribe and publish authorization
// handlers. Duplicate registration is a configuration error.
func (t *TopicRegistry) Register(topicID string, subscribeAuth SubscribeAuthHandler, publishAuth PublishAuthHandler) error {
	if topicID == "" {
		return fmt.Errorf("topic id is empty")
	}
	if subscribeAuth == nil || publishAuth == nil {
		return fmt.Errorf("topic %q needs both a subscribe and a publish authorization handler", topicID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.topics[topicID]; exists {
		return fmt.Errorf("duplicate topic %q registered", topicID)
	}
	t.topics[topicID] = &topicRegistration{
		id:            topicID,
		subscribeAuth: subscribeAuth,
		publishAuth:   publishAuth,
	}
	return nil
}

// IsRegistered reports whether topicID has been registered.
func (t *TopicRegistry) IsRegistered(topicID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.topics[topicID]
	return ok
}

func (t *TopicRegistry) registration(topicID string) (*topicRegistration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.topics[topicID]
	return reg, ok
}

// Subscribe authorizes and records a subscription. Subscribing to a topic
// the connection already holds a live subscription for is a no-op.
func (t *TopicRegistry) Subscribe(ctx context.Context, conn *Connection, req SubscribeRequest) error {
	reg, ok := t.registration(req.TopicID)
	if !ok {
		return relay.ErrTopicNotFound(req.TopicID)
	}

	authorized, err := reg.subscribeAuth(ctx, req.Topic, conn.Auth(), conn)
	if err != nil {
		return err
	}
	if !authorized {
		return relay.ErrForbidden()
	}

	t.mu.Lock()
	for _, sub := range t.subscribers[req.Topic] {
		if sub.Conn == conn {
			t.mu.Unlock()
			return nil
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	sub := &Subscription{
		ID:        id,
		Topic:     req.Topic,
		TopicID:   req.TopicID,
		Conn:      conn,
		Params:    req.Params,
		CreatedAt: time.Now(),
	}
	t.subscribers[req.Topic] = append(t.subscribers[req.Topic], sub)
	t.mu.Unlock()

	conn.addSubscriptionHandle(sub.ID, sub.Topic)
	t.server.hooks.emit(Event{Kind: SubscriptionCreated, Conn: conn, Sub: sub})

	var public any
	if auth := conn.Auth(); auth != nil {
		public = auth.Public
	}
	t.log.Debug("subscription created",
		zap.String("topic", req.Topic),
		zap.String("subscription_id", sub.ID),
		zap.String("ip", conn.IP()),
		zap.Any("auth_public", public))
	return nil
}

// Publish delivers message to every live subscriber of topic, in
// subscriber-list order. When the server is configured to re-authorize on
// each push, subscribers that fail re-authorization are unsubscribed and
// skipped without affecting the rest. Unless skipRelay is set, the message
// is also handed to the cross-instance relay.
func (t *TopicRegistry) Publish(ctx context.Context, topic string, message any, skipRelay bool) {
	t.mu.RLock()
	subs := make([]*Subscription, len(t.subscribers[topic]))
	copy(subs, t.subscribers[topic])
	t.mu.RUnlock()

	for _, sub := range subs {
		if t.server.cfg.ReauthorizeOnPublish {
			reg, ok := t.registration(sub.TopicID)
			if !ok {
				continue
			}
			authorized, err := reg.subscribeAuth(ctx, sub.Topic, sub.Conn.Auth(), sub.Conn)
			if err != nil || !authorized {
				if err != nil {
					t.log.Error("re-authorization failed, revoking subscription",
						zap.String("topic", sub.Topic),
						zap.String("subscription_id", sub.ID),
						zap.Error(err))
				}
				t.Unsubscribe(sub)
				continue
			}
		}

		sub.deliver(message)
	}

	if !skipRelay {
		t.emitRelayPublish(ctx, topic, message)
	}
}

func (t *TopicRegistry) emitRelayPublish(ctx context.Context, topic string, message any) {
	r := t.server.relayRef()
	if r == nil {
		return
	}
	if err := r.PublishToTopic(ctx, topic, message); err != nil {
		t.log.Error("failed to relay publish", zap.String("topic", topic), zap.Error(err))
	}
}

// PublishMultiple publishes a batch of messages in order.
func (t *TopicRegistry) PublishMultiple(ctx context.Context, events []PublishEvent) {
	for _, e := range events {
		t.Publish(ctx, e.Topic, e.Message, false)
	}
}

// PublishEvent is one entry of a PublishMultiple batch.
type PublishEvent struct {
	Topic   string
	Message any
}

// Unsubscribe removes sub from its topic's subscriber list. Removing a
// subscription that is already gone is a no-op.
func (t *TopicRegistry) Unsubscribe(sub *Subscription) {
	t.mu.Lock()
	list := t.subscribers[sub.Topic]
	index := -1
	for i, s := range list {
		if s == sub {
			index = i
			break
		}
	}
	if index == -1 {
		t.mu.Unlock()
		return
	}
	t.subscribers[sub.Topic] = append(list[:index], list[index+1:]...)
	t.mu.Unlock()

	sub.Conn.dropSubscriptionHandle(sub.ID)
	t.server.hooks.emit(Event{Kind: SubscriptionDeleted, Conn: sub.Conn, Sub: sub})
}

// unsubscribeHandle resolves a (topic, subscription id) handle held by a
// connection and removes the subscription it names.
func (t *TopicRegistry) unsubscribeHandle(topic, subID string) {
	t.mu.RLock()
	var target *Subscription
	for _, sub := range t.subscribers[topic] {
		if sub.ID == subID {
			target = sub
			break
		}
	}
	t.mu.RUnlock()

	if target != nil {
		t.Unsubscribe(target)
	}
}

// RevokeSubscriptionsForUser unsubscribes every local subscriber of topic
// whose authenticated user id matches userID, then emits a cross-instance
// revoke event so peer instances do the same.
//
// Connections whose auth state has no user id are silently skipped; the auth
// handler must populate Auth.UserID for revocation to reach them.
func (t *TopicRegistry) RevokeSubscriptionsForUser(ctx context.Context, userID, topic string) {
	t.revokeLocal(userID, topic)

	r := t.server.relayRef()
	if r == nil {
		return
	}
	if err := r.RevokeSubscriptionsForUser(ctx, userID, topic); err != nil {
		t.log.Error("failed to relay revocation",
			zap.String("topic", topic),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (t *TopicRegistry) revokeLocal(userID, topic string) {
	t.mu.RLock()
	subs := make([]*Subscription, len(t.subscribers[topic]))
	copy(subs, t.subscribers[topic])
	t.mu.RUnlock()

	for _, sub := range subs {
		auth := sub.Conn.Auth()
		if auth != nil && auth.UserID != "" && auth.UserID == userID {
			t.Unsubscribe(sub)
		}
	}
}

// ValidatePublishAuth checks a client's publish request against the topic's
// publish authorization handler.
func (t *TopicRegistry) ValidatePublishAuth(ctx context.Context, conn *Connection, req PublishRequest) error {
	reg, ok := t.registration(req.TopicID)
	if !ok {
		return relay.ErrTopicNotFound(req.TopicID)
	}

	authorized, err := reg.publishAuth(ctx, req.Topic, conn.Auth())
	if err != nil {
		return err
	}
	if !authorized {
		return relay.ErrForbidden()
	}
	return nil
}

// Subscribers returns a snapshot of the live subscriptions for topic.
func (t *TopicRegistry) Subscribers(topic string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subs := make([]*Subscription, len(t.subscribers[topic]))
	copy(subs, t.subscribers[topic])
	return subs
}

func (s *Subscription) deliver(message any) {
	if err := s.Conn.Send(relay.PublicationEvent(s.Topic), message); err != nil {
		s.Conn.server.log.Error("failed to deliver publication",
			zap.String("topic", s.Topic),
			zap.String("connection_id", s.Conn.ID()),
			zap.Error(err))
	}
}
