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
	"github.com/rabbitmq/amqp091-go"
)

const returnBuffer = 16

// pubChannel owns a publishing channel and reopens it after loss.
type pubChannel struct {
	con      *Con
	cfg      eventbus.PublisherConfig
	confirm  bool
	onReturn func(eventbus.Returned)
	rabChan  atomic.Pointer[amqp091.Channel]
	// mute serializes channel renewal.
	mute     sync.Mutex
	isClosed atomic.Bool
}

func (p *pubChannel) open(ctx context.Context) (*amqp091.Channel, error) {
	ch, err := p.con.channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("create publish channel: %w", err)
	}

	if p.confirm {
		if err = ch.Confirm(false); err != nil {
			_ = ch.Close()

			return nil, fmt.Errorf("confirm channel for publisher: %w", err)
		}
	}

	if p.onReturn != nil {
		go p.forwardReturns(ch.NotifyReturn(make(chan amqp091.Return, returnBuffer)))
	}

	p.rabChan.Store(ch)

	return ch, nil
}

// current returns the open channel, renewing it once if it was closed.
func (p *pubChannel) current(ctx context.Context) (*amqp091.Channel, error) {
	if ch := p.rabChan.Load(); ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	p.mute.Lock()
	defer p.mute.Unlock()

	if ch := p.rabChan.Load(); ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	return p.open(ctx)
}

// forwardReturns runs until the channel closes.
func (p *pubChannel) forwardReturns(returns <-chan amqp091.Return) {
	for r := range returns {
		p.onReturn(eventbus.Returned{
			Destination: eventbus.Destination{Exchange: r.Exchange, RoutingKey: r.RoutingKey},
			ReplyCode:   r.ReplyCode,
			ReplyText:   r.ReplyText,
			MessageID:   r.MessageId,
			Body:        r.Body,
		})
	}
}

// begin checks the publisher can publish and registers the call with the connection.
func (p *pubChannel) begin() error {
	if p.isClosed.Load() {
		return PublisherClosedError{}
	}

	if !p.con.track() {
		return eventbus.ConnClosedError{}
	}

	return nil
}

func (p *pubChannel) close() error {
	if !p.isClosed.CompareAndSwap(false, true) {
		return nil
	}

	ch := p.rabChan.Load()
	if ch == nil {
		return nil
	}

	if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}

// publishing maps an outbound message onto AMQP publish properties.
func publishing(msg *eventbus.OutboundMessage) amqp091.Publishing {
	mode := amqp091.Transient
	if msg.Persistent {
		mode = amqp091.Persistent
	}

	return amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		AppId:        msg.AppID,
		MessageId:    msg.MessageID,
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Headers:      amqp091.Table{"x-attempt": int32(msg.Attempt)},
	}
}

// Publisher publishes without broker confirmation. A nil error means the
// message was written to the channel.
type Publisher struct {
	pubChannel
}

func newPublisher(c *Con, cfg eventbus.PublisherConfig, onReturn func(eventbus.Returned)) (*Publisher, error) {
	p := &Publisher{pubChannel{con: c, cfg: cfg, onReturn: onReturn}}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	if _, err := p.open(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

// Publish writes msg as a mandatory publish.
func (p *Publisher) Publish(ctx context.Context, msg *eventbus.OutboundMessage) (bool, error) {
	if err := p.begin(); err != nil {
		return false, err
	}
	defer p.con.cons.Done()

	ch, err := p.current(ctx)
	if err != nil {
		return false, err
	}

	if err = ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, true, false, publishing(msg)); err != nil {
		return false, err
	}

	return true, nil
}

// Close marks the publisher as closed and closes the AMQP channel.
func (p *Publisher) Close() error {
	return p.close()
}
