// Package pubsub provides an interface-driven pub/sub system used to bridge relay instances.
// A single instance uses the in-memory implementation; Redis and NATS backends let
// several instances share presence and deliveries.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message represents a pub/sub message with typed payload
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Origin  string          `json:"origin,omitempty"` // publishing instance ID
	Payload json.RawMessage `json:"payload"`
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	// Returns error if the message could not be published.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// The handler is called for each message published to the topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// TopicBuilder helps construct consistent topic names
type TopicBuilder struct{}

// Relay returns the topic carrying relayed direct messages between instances
func (t TopicBuilder) Relay() string {
	return "relay"
}

// Presence returns the topic for presence updates
func (t TopicBuilder) Presence() string {
	return "presence"
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
