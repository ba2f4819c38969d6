// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"testing"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestConsumeAfterCloseRequeuesDelivery(t *testing.T) {
	deliveries := make(chan amqp091.Delivery, 1)

	c := &Consumer{
		con:        &Con{stop: make(chan struct{}), logger: zap.NewNop()},
		cfg:        eventbus.ConsumerConfig{Queue: "q.consumer-1"},
		deliveries: deliveries,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cancel()

	var (
		ack    acknowledger
		pushed int
	)

	for range 50 {
		if len(deliveries) == 0 {
			deliveries <- amqp091.Delivery{Acknowledger: &ack, DeliveryTag: uint64(pushed + 1)}
			pushed++
		}

		msg, err := c.Consume()

		assert.Nil(t, msg)
		assert.ErrorIs(t, err, eventbus.ConsumerClosedError{})
	}

	ack.mute.Lock()
	defer ack.mute.Unlock()

	assert.Zero(t, ack.acks)
	assert.Zero(t, ack.rejects)
	assert.Equal(t, pushed-len(deliveries), ack.nacks, "every delivery taken after close goes back to the queue")

	for _, requeue := range ack.requeue {
		assert.True(t, requeue)
	}

	done := make(chan struct{})

	go func() {
		c.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no job may be registered after close")
	}
}
