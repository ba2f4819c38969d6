// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"testing"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestReconnectMask(t *testing.T) {
	tests := []struct {
		name  string
		limit time.Duration
		want  time.Duration
	}{
		{name: "default", limit: 0, want: stdMaxTime},
		{name: "negative", limit: -time.Second, want: stdMaxTime},
		{name: "32s rounds up", limit: 32 * time.Second, want: 1<<35 - 1},
		{name: "60s rounds up", limit: 60 * time.Second, want: 1<<36 - 1},
		{name: "3s rounds down", limit: 3 * time.Second, want: 1<<31 - 1},
		{name: "power of two rounds down", limit: 1 << 30, want: 1<<30 - 1},
		{name: "already a mask", limit: 1<<20 - 1, want: 1<<20 - 1},
		{name: "one nanosecond", limit: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reconnectMask(tt.limit)

			assert.Equal(t, tt.want, got)
			assert.Zero(t, got&(got+1), "mask must be of the form 2^n-1")
		})
	}
}

func TestPublishingProperties(t *testing.T) {
	msg := &eventbus.OutboundMessage{
		Destination: eventbus.Destination{Exchange: "events", RoutingKey: "users.created"},
		Body:        []byte(`{}`),
		ContentType: "application/json",
		MessageID:   "id-1",
		AppID:       "producer",
		Persistent:  true,
		Attempt:     3,
	}

	pub := publishing(msg)

	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, "id-1", pub.MessageId)
	assert.Equal(t, "producer", pub.AppId)
	assert.Equal(t, amqp091.Persistent, pub.DeliveryMode)
	assert.Equal(t, int32(3), pub.Headers["x-attempt"])
	assert.False(t, pub.Timestamp.IsZero())

	msg.Persistent = false
	assert.Equal(t, amqp091.Transient, publishing(msg).DeliveryMode)
}

func TestDialRequiresConfig(t *testing.T) {
	_, err := Dial(t.Context(), nil, nil)

	assert.ErrorIs(t, err, ConConfEmptyError{})
}
