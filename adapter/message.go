// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
)

// Message wraps an AMQP delivery and tracks acknowledgment state.
// The first of Ack, Nack or Reject settles it; later calls are no-ops.
type Message struct {
	deliver   amqp091.Delivery
	queue     string
	completed atomic.Bool
	// wg tracks the number of unsettled messages for graceful shutdown.
	wg *sync.WaitGroup
}

// Queue returns the queue the message was consumed from.
func (m *Message) Queue() string {
	return m.queue
}

// MessageID returns the publisher assigned message id.
func (m *Message) MessageID() string {
	return m.deliver.MessageId
}

// RoutingKey returns the message routing key set on the AMQP delivery.
func (m *Message) RoutingKey() string {
	return m.deliver.RoutingKey
}

// Headers returns the delivery headers with nested tables converted to
// plain maps, so x-death entries read as map[string]interface{}.
func (m *Message) Headers() map[string]interface{} {
	if m.deliver.Headers == nil {
		return nil
	}

	headers, _ := plain(m.deliver.Headers).(map[string]interface{})

	return headers
}

func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case amqp091.Table:
		return plainMap(t)
	case map[string]interface{}:
		return plainMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}

		return out
	default:
		return v
	}
}

func plainMap(t map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(t))
	for k, e := range t {
		out[k] = plain(e)
	}

	return out
}

// ContentType returns the MIME content type of the message payload.
func (m *Message) ContentType() string {
	return m.deliver.ContentType
}

// IsRedelivered indicates if the delivery is a redelivery of a previous message.
func (m *Message) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the raw message payload.
func (m *Message) Body() []byte {
	return m.deliver.Body
}

// Ack acknowledges successful processing exactly once.
func (m *Message) Ack() error {
	return m.settle(func() error { return m.deliver.Ack(false) })
}

// Nack negatively acknowledges the message exactly once, with requeue.
func (m *Message) Nack() error {
	return m.settle(func() error { return m.deliver.Nack(false, true) })
}

// Reject rejects the message exactly once without requeue, so the broker
// dead-letters it when the queue has a dead-letter exchange.
func (m *Message) Reject() error {
	return m.settle(func() error { return m.deliver.Reject(false) })
}

func (m *Message) settle(fn func() error) error {
	if !m.completed.CompareAndSwap(false, true) {
		return nil
	}

	defer m.wg.Done()

	return fn()
}
