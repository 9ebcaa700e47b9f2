package runtime

import (
	"errors"
	"fmt"

	"github.com/relaykit/relay"
)

// SubscribeRequest is the payload of a subscribe_to_topic frame. Topic is
// the concrete topic name, TopicID the registered topic identifier; ID is an
// optional client-supplied subscription id.
type SubscribeRequest struct {
	Topic   string
	TopicID string
	ID      string
	Params  any
}

// PublishRequest is the payload of a publish_to_topic frame.
type PublishRequest struct {
	Topic   string
	TopicID string
	Data    any
}

func asObject(data any) (map[string]any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, errors.New("payload is not an object")
	}
	return m, nil
}

func stringField(m map[string]any, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q is not a string", key)
	}
	return s, nil
}

func parseSubscribeRequest(data any) (SubscribeRequest, error) {
	m, err := asObject(data)
	if err != nil {
		return SubscribeRequest{}, err
	}
	topic, err := stringField(m, "topic", true)
	if err != nil {
		return SubscribeRequest{}, err
	}
	topicID, err := stringField(m, "topicId", true)
	if err != nil {
		return SubscribeRequest{}, err
	}
	id, err := stringField(m, "id", false)
	if err != nil {
		return SubscribeRequest{}, err
	}
	return SubscribeRequest{
		Topic:   topic,
		TopicID: topicID,
		ID:      id,
		Params:  m["params"],
	}, nil
}

func parsePublishRequest(data any) (PublishRequest, error) {
	m, err := asObject(data)
	if err != nil {
		return PublishRequest{}, err
	}
	topic, err := stringField(m, "topic", true)
	if err != nil {
		return PublishRequest{}, err
	}
	topicID, err := stringField(m, "topicId", true)
	if err != nil {
		return PublishRequest{}, err
	}
	return PublishRequest{
		Topic:   topic,
		TopicID: topicID,
		Data:    m["data"],
	}, nil
}

func parseCall(data any) (*relay.Call, error) {
	m, err := asObject(data)
	if err != nil {
		return nil, err
	}
	callID, err := stringField(m, "callId", true)
	if err != nil {
		return nil, err
	}
	method, err := stringField(m, "method", true)
	if err != nil {
		return nil, err
	}

	call := &relay.Call{
		CallID: callID,
		Method: method,
		Params: m["params"],
	}

	if raw, ok := m["sideEffects"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, errors.New("sideEffects is not an array")
		}
		for i, entry := range list {
			se, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("sideEffects[%d] is not an object", i)
			}
			seMethod, err := stringField(se, "method", true)
			if err != nil {
				return nil, fmt.Errorf("sideEffects[%d]: %w", i, err)
			}
			id, ok := se["sideEffectId"]
			if !ok || id == nil {
				return nil, fmt.Errorf("sideEffects[%d]: missing sideEffectId", i)
			}
			call.SideEffects = append(call.SideEffects, relay.SideEffect{
				SideEffectID: sideEffectIDString(id),
				Method:       seMethod,
				Params:       se["params"],
			})
		}
	}
	return call, nil
}

// sideEffectIDString normalizes client-supplied side effect ids, which may
// arrive as strings or numbers.
func sideEffectIDString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
