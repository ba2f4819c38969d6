// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer streams deliveries of one queue and resubscribes after the
// channel or the connection is lost.
type Consumer struct {
	con *Con
	cfg eventbus.ConsumerConfig
	tag string

	// mute guards rabChan and deliveries across resubscribes, and orders
	// cancel against handing out new jobs.
	mute       sync.Mutex
	rabChan    *amqp091.Channel
	deliveries <-chan amqp091.Delivery

	ctx      context.Context
	cancel   context.CancelFunc
	isClosed atomic.Bool
	jobs     sync.WaitGroup
}

// newConsumer opens a channel, applies QoS and starts consuming.
func newConsumer(c *Con, cfg eventbus.ConsumerConfig) (*Consumer, error) {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}

	tag := cfg.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	cons := &Consumer{con: c, cfg: cfg, tag: tag}
	cons.ctx, cons.cancel = context.WithCancel(context.Background())

	ctx, cancel := context.WithTimeout(cons.ctx, defaultDialTimeout)
	defer cancel()

	if err := cons.subscribe(ctx); err != nil {
		cons.cancel()

		return nil, err
	}

	return cons, nil
}

func (c *Consumer) subscribe(ctx context.Context) error {
	ch, err := c.con.channel(ctx)
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err = ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()

		return fmt.Errorf("set consumer qos: %w", err)
	}

	msgCh, err := ch.Consume(c.cfg.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()

		return fmt.Errorf("failed to create consumer channel: %w", err)
	}

	c.mute.Lock()
	c.rabChan, c.deliveries = ch, msgCh
	c.mute.Unlock()

	return nil
}

// Consume retrieves the next message. It returns ConsumerClosedError once
// Close was called, and ConnClosedError once the connection was closed.
func (c *Consumer) Consume() (eventbus.Message, error) {
	if !c.con.track() {
		return nil, eventbus.ConnClosedError{}
	}
	defer c.con.cons.Done()

	for !c.isClosed.Load() {
		c.mute.Lock()
		deliveries := c.deliveries
		c.mute.Unlock()

		select {
		case <-c.ctx.Done():
			return nil, eventbus.ConsumerClosedError{}
		case <-c.con.stop:
			return nil, eventbus.ConnClosedError{}
		case val, ok := <-deliveries:
			if !ok {
				if err := c.resubscribe(); err != nil {
					return nil, err
				}

				continue
			}

			c.mute.Lock()
			if c.ctx.Err() != nil {
				c.mute.Unlock()

				// The broker redelivers it to another consumer.
				if err := val.Nack(false, true); err != nil {
					c.con.logger.Debug("requeue delivery after close", zap.String("queue", c.cfg.Queue), zap.Error(err))
				}

				return nil, eventbus.ConsumerClosedError{}
			}

			c.jobs.Add(1)
			c.mute.Unlock()

			return &Message{
				deliver: val,
				queue:   c.cfg.Queue,
				wg:      &c.jobs,
			}, nil
		}
	}

	return nil, eventbus.ConsumerClosedError{}
}

// resubscribe retries subscribe with back-off until it succeeds or the
// consumer or connection closes.
func (c *Consumer) resubscribe() error {
	c.report(fmt.Errorf("delivery stream of %s closed", c.cfg.Queue))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for delay := firstReconnectDelay; ; delay = c.con.maxReconnectTime & (delay<<1 | 1) {
		select {
		case <-c.ctx.Done():
			return eventbus.ConsumerClosedError{}
		case <-c.con.stop:
			return eventbus.ConnClosedError{}
		case <-timer.C:
		}

		err := c.subscribe(c.ctx)
		if err == nil {
			c.con.logger.Info("consumer resubscribed", zap.String("queue", c.cfg.Queue))

			return nil
		}

		var closed eventbus.ConnClosedError
		if errors.As(err, &closed) || errors.Is(err, context.Canceled) {
			return eventbus.ConsumerClosedError{}
		}

		c.report(err)
		timer.Reset(delay)
	}
}

func (c *Consumer) report(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)

		return
	}

	c.con.logger.Error("consumer channel error", zap.String("queue", c.cfg.Queue), zap.Error(err))
}

// Stats reads the queue depth and consumer count from the broker.
func (c *Consumer) Stats() (eventbus.QueueInfo, error) {
	return c.con.inspect(c.cfg.Queue)
}

// Close cancels the subscription, waits for handed out messages to be
// settled and closes the channel. Unsettled prefetched deliveries are
// requeued by the broker.
func (c *Consumer) Close() error {
	if !c.isClosed.CompareAndSwap(false, true) {
		return nil
	}

	// Cancelling under mute orders it against jobs.Add in Consume.
	c.mute.Lock()
	c.cancel()
	ch := c.rabChan
	c.mute.Unlock()

	if err := ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		c.con.logger.Debug("cancel consumer", zap.String("queue", c.cfg.Queue), zap.Error(err))
	}

	c.jobs.Wait()

	if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("close consumer channel: %w", err)
	}

	return nil
}
