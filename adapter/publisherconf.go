// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"

	eventbus "github.com/GwynCerbin/eventbus"
)

// ConfirmerPublisher publishes on a channel in confirm mode and reports
// the broker's ack or nack for each message. Retrying is left to the caller.
type ConfirmerPublisher struct {
	pubChannel
}

func newConfirmerPublisher(c *Con, cfg eventbus.PublisherConfig, onReturn func(eventbus.Returned)) (*ConfirmerPublisher, error) {
	p := &ConfirmerPublisher{pubChannel{con: c, cfg: cfg, confirm: true, onReturn: onReturn}}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	if _, err := p.open(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

// Publish sends msg with deferred confirmation and waits for it until ctx ends.
// A closed channel is reopened on the next call.
func (p *ConfirmerPublisher) Publish(ctx context.Context, msg *eventbus.OutboundMessage) (bool, error) {
	if err := p.begin(); err != nil {
		return false, err
	}
	defer p.con.cons.Done()

	ch, err := p.current(ctx)
	if err != nil {
		return false, err
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, msg.Exchange, msg.RoutingKey, true, false, publishing(msg))
	if err != nil {
		return false, err
	}

	return conf.WaitContext(ctx)
}

// Close marks the confirmer publisher as closed and closes the AMQP channel.
func (p *ConfirmerPublisher) Close() error {
	return p.close()
}
