// Package coordinator relays publish and subscription-revocation events
// between relay server instances over redis pub/sub, so subscribers held by
// peer instances stay consistent with local ones.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaykit/relay/internal/wire"
	"github.com/relaykit/relay/server"
)

// DefaultChannel is the redis channel coordination events travel on.
const DefaultChannel = "relay:coordination"

const (
	kindPublish = "publish-to-topic"
	kindRevoke  = "revoke-subscriptions-for-user"
)

// event is the wire form of one coordination message. Origin identifies the
// emitting instance so it can ignore its own events.
type event struct {
	Origin  string          `json:"origin"`
	Kind    string          `json:"kind"`
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message,omitempty"`
	UserID  string          `json:"userId,omitempty"`
}

// Redis is a cross-instance relay backed by redis pub/sub. Install it with
// Server.SetRelay and run its subscriber loop with Run.
type Redis struct {
	client  redis.UniversalClient
	channel string
	srv     *server.Server
	log     *zap.Logger
}

// New creates a redis coordinator for srv. An empty channel uses
// DefaultChannel; a nil logger discards logs.
func New(srv *server.Server, client redis.UniversalClient, channel string, log *zap.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client:  client,
		channel: channel,
		srv:     srv,
		log:     log,
	}
}

// PublishToTopic relays a local publish to peer instances.
func (r *Redis) PublishToTopic(ctx context.Context, topic string, message any) error {
	encoded, err := wire.Encode(message)
	if err != nil {
		return fmt.Errorf("encode message for %q: %w", topic, err)
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshal message for %q: %w", topic, err)
	}
	return r.emit(ctx, event{
		Origin:  r.srv.ID(),
		Kind:    kindPublish,
		Topic:   topic,
		Message: raw,
	})
}

// RevokeSubscriptionsForUser relays a local revocation to peer instances.
func (r *Redis) RevokeSubscriptionsForUser(ctx context.Context, userID, topic string) error {
	return r.emit(ctx, event{
		Origin: r.srv.ID(),
		Kind:   kindRevoke,
		Topic:  topic,
		UserID: userID,
	})
}

func (r *Redis) emit(ctx context.Context, e event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, raw).Err()
}

// Run subscribes to the coordination channel and applies peer events to the
// local server until ctx is cancelled.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.apply(ctx, []byte(msg.Payload))
		}
	}
}

func (r *Redis) apply(ctx context.Context, raw []byte) {
	var e event
	if err := json.Unmarshal(raw, &e); err != nil {
		r.log.Error("undecodable coordination event", zap.Error(err))
		return
	}

	// Events this instance emitted already ran locally.
	if e.Origin == r.srv.ID() {
		return
	}

	switch e.Kind {
	case kindPublish:
		var message any
		if len(e.Message) > 0 {
			if err := json.Unmarshal(e.Message, &message); err != nil {
				r.log.Error("undecodable coordination message",
					zap.String("topic", e.Topic), zap.Error(err))
				return
			}
			message = wire.Decode(message)
		}
		r.srv.ApplyRemotePublish(ctx, e.Topic, message)
	case kindRevoke:
		r.srv.ApplyRemoteRevoke(ctx, e.UserID, e.Topic)
	default:
		r.log.Warn("unknown coordination event kind", zap.String("kind", e.Kind))
	}
}
