// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"context"
	"time"
)

// Destination addresses a publish: the exchange and the routing key
// the broker uses to pick bound queues.
type Destination struct {
	Exchange   string
	RoutingKey string
}

// OutboundMessage is a single publish attempt handed to a Confirmer.
// It lives only until the publish reaches a terminal outcome.
type OutboundMessage struct {
	Destination
	// Body is the encoded payload.
	Body []byte
	// ContentType is the detected MIME type of Body.
	ContentType string
	// MessageID uniquely identifies the message across attempts.
	MessageID string
	// AppID identifies the producing application.
	AppID string
	// Persistent asks the broker to store the message on disk.
	Persistent bool
	// Attempt is the 1-based attempt counter.
	Attempt int
}

// Returned describes a message the broker could not route to any queue.
type Returned struct {
	Destination
	ReplyCode uint16
	ReplyText string
	MessageID string
	Body      []byte
}

// Binding attaches a queue to an exchange under a routing key.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// QueueBinding is the static declaration of a consumed queue.
// When DeadLetterExchange is set, rejected messages are re-routed by the
// broker to DeadLetterExchange with DeadLetterRoutingKey.
type QueueBinding struct {
	Queue    string
	Durable  bool
	Bindings []Binding
	// DeadLetterExchange receives messages rejected from Queue.
	DeadLetterExchange string
	// DeadLetterRoutingKey overrides the routing key of dead-lettered messages.
	// Defaults to the queue name.
	DeadLetterRoutingKey string
	// DeadLetterQueue is the queue bound to DeadLetterExchange.
	// Defaults to Queue + ".dlq".
	DeadLetterQueue string
}

// ExchangeConfig is the declaration of a single exchange.
type ExchangeConfig struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// PublisherConfig configures a Publisher for one exchange.
type PublisherConfig struct {
	Exchange     string
	ExchangeType string
	Durable      bool
	AutoDelete   bool
	// ConfirmMode enables publisher confirms on the underlying channel.
	ConfirmMode bool
	// MaxAttempts is the attempt budget per Send, at least 1.
	MaxAttempts int
	// ConfirmTimeout bounds a single attempt including its confirmation.
	ConfirmTimeout time.Duration
	AppID          string
	Persistent     bool
}

// ConsumerConfig is what the collaborator needs to open a delivery stream.
type ConsumerConfig struct {
	Queue    string
	Tag      string
	Prefetch int
	// OnError receives channel and connection level errors of the stream.
	OnError func(error)
}

// QueueInfo is the broker-side view of a declared queue.
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// LifecycleListener observes broker connection lifecycle events.
type LifecycleListener interface {
	OnConnected()
	OnError(err error)
	OnClosed()
}

// Connection is the broker collaborator the core is layered on.
type Connection interface {
	// DeclareExchange declares an exchange, idempotently.
	DeclareExchange(cfg ExchangeConfig) error
	// DeclareQueue declares a queue with optional args and binds it.
	DeclareQueue(name string, durable bool, args map[string]interface{}, bindings []Binding) (QueueInfo, error)
	// CreatePublisher opens a publishing channel. onReturn receives unroutable messages.
	CreatePublisher(cfg PublisherConfig, onReturn func(Returned)) (Confirmer, error)
	// CreateConsumer opens a delivery stream on a declared queue.
	CreateConsumer(cfg ConsumerConfig) (Source, error)
	// Close closes the connection and everything opened on it.
	Close() error
}

// Dialer opens a Connection and reports its lifecycle to listener.
type Dialer func(ctx context.Context, url string, listener LifecycleListener) (Connection, error)

// Confirmer is a single-attempt publish primitive.
type Confirmer interface {
	// Publish sends msg and reports whether the broker confirmed it.
	Publish(ctx context.Context, msg *OutboundMessage) (bool, error)
	// Close releases the publishing channel.
	Close() error
}

// Source streams deliveries of one queue.
type Source interface {
	// Consume returns the next message or ConsumerClosedError once closed.
	// The returned Message must be acknowledged or rejected by the caller.
	Consume() (Message, error)
	// Stats reports the broker-side state of the queue.
	Stats() (QueueInfo, error)
	// Close stops the stream.
	Close() error
}

// Message represents a single broker-delivered message, allowing inspection and acknowledgment.
// Ack, Nack and Reject are effective only on the first call.
type Message interface {
	// Queue returns the queue the message was consumed from.
	Queue() string

	// MessageID returns the producer-assigned message id.
	MessageID() string

	// Headers returns the message metadata headers.
	Headers() map[string]interface{}

	// ContentType returns the MIME type of the message payload.
	ContentType() string

	// IsRedelivered signals if this delivery is a redelivery of a previous message.
	IsRedelivered() bool

	// Body returns the raw payload bytes.
	Body() []byte

	// RoutingKey returns the routing key the message was published with.
	RoutingKey() string

	// Ack acknowledges successful processing of the message.
	Ack() error

	// Nack negatively acknowledges the message, requeuing it.
	Nack() error

	// Reject rejects the message without requeue, so the broker dead-letters it.
	Reject() error
}
