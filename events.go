package relay

// Client to server event names.
const (
	EventAuthLogin        = "auth_login"
	EventPing             = "ping"
	EventSubscribeToTopic = "subscribe_to_topic"
	EventPublishToTopic   = "publish_to_topic"
	EventCall             = "call"
)

// Server to client event names.
const (
	EventAuthSuccess      = "auth_success"
	EventAuthError        = "auth_error"
	EventPong             = "pong"
	EventConnectionClosed = "connection-closed"
)

// SubscriptionResultEvent names the frame carrying the outcome of a
// subscribe request for topic.
func SubscriptionResultEvent(topic string) string {
	return "subscription-result." + topic
}

// PublicationErrorEvent names the frame carrying a failed client publish.
func PublicationErrorEvent(topic string) string {
	return "publication-error." + topic
}

// PublicationEvent names the frame carrying a message pushed to topic
// subscribers.
func PublicationEvent(topic string) string {
	return "publication." + topic
}

// ResponseEvent names the frame carrying the response to a call.
func ResponseEvent(callID string) string {
	return "response." + callID
}

// StreamEvent names the frames carrying deferred stream data for a call.
func StreamEvent(callID, streamID string) string {
	return "response." + callID + "." + streamID
}
