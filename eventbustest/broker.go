// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package eventbustest provides an in-memory broker implementing
// eventbus.Connection, for tests that need real routing, confirms,
// returns and dead-lettering without a RabbitMQ server.
package eventbustest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	eventbus "github.com/GwynCerbin/eventbus"
)

const queueBuffer = 1024

// Broker is an in-memory broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mute      sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding

	listener eventbus.LifecycleListener

	declares   atomic.Int64
	publishes  atomic.Int64
	publishErr error
	nack       bool
	closeErr   error
	dialErr    error
	closed     bool
}

type binding struct {
	queue, exchange, key string
}

type queue struct {
	name     string
	args     map[string]interface{}
	messages chan *Message
	// failures are handed to the next Consume call.
	failures chan error
	// consumers counts open sources.
	consumers atomic.Int64
}

// NewBroker returns an empty broker with the default exchange.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": "direct"},
		queues:    make(map[string]*queue),
	}
}

// Dial implements eventbus.Dialer. The listener is told about the
// connection before Dial returns.
func (b *Broker) Dial(_ context.Context, _ string, listener eventbus.LifecycleListener) (eventbus.Connection, error) {
	b.mute.Lock()
	err := b.dialErr
	b.listener = listener
	b.closed = false
	b.mute.Unlock()

	if err != nil {
		listener.OnError(err)

		return nil, err
	}

	listener.OnConnected()

	return &Conn{broker: b}, nil
}

// FailDial makes the next dials fail with err.
func (b *Broker) FailDial(err error) {
	b.mute.Lock()
	defer b.mute.Unlock()

	b.dialErr = err
}

// FailPublish makes every publish fail with err; nil restores success.
func (b *Broker) FailPublish(err error) {
	b.mute.Lock()
	defer b.mute.Unlock()

	b.publishErr = err
}

// NackPublish makes the broker negatively confirm every publish.
func (b *Broker) NackPublish(nack bool) {
	b.mute.Lock()
	defer b.mute.Unlock()

	b.nack = nack
}

// FailClose makes Conn.Close return err.
func (b *Broker) FailClose(err error) {
	b.mute.Lock()
	defer b.mute.Unlock()

	b.closeErr = err
}

// FailConsume makes the next Consume on queue return err, as a broken
// delivery stream would.
func (b *Broker) FailConsume(name string, err error) {
	b.mute.Lock()
	q, ok := b.queues[name]
	b.mute.Unlock()

	if ok {
		q.failures <- err
	}
}

// Disconnect simulates a lost connection.
func (b *Broker) Disconnect(err error) {
	if l := b.currentListener(); l != nil {
		l.OnError(err)
	}
}

// Reconnect simulates a recovered connection.
func (b *Broker) Reconnect() {
	if l := b.currentListener(); l != nil {
		l.OnConnected()
	}
}

// Declares returns the number of exchange and queue declarations.
func (b *Broker) Declares() int {
	return int(b.declares.Load())
}

// Publishes returns the number of publish calls that reached the broker.
func (b *Broker) Publishes() int {
	return int(b.publishes.Load())
}

// Depth returns the number of ready messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mute.Lock()
	defer b.mute.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}

	return 0
}

// HasExchange reports whether an exchange was declared.
func (b *Broker) HasExchange(name string) bool {
	b.mute.Lock()
	defer b.mute.Unlock()

	_, ok := b.exchanges[name]

	return ok
}

// QueueArgs returns the declaration arguments of a queue.
func (b *Broker) QueueArgs(name string) map[string]interface{} {
	b.mute.Lock()
	defer b.mute.Unlock()

	if q, ok := b.queues[name]; ok {
		return q.args
	}

	return nil
}

func (b *Broker) currentListener() eventbus.LifecycleListener {
	b.mute.Lock()
	defer b.mute.Unlock()

	return b.listener
}

type envelope struct {
	exchange    string
	body        []byte
	contentType string
	messageID   string
	headers     map[string]interface{}
}

// route enqueues env on every queue bound to exchange under key and
// reports how many queues received it. A full queue blocks only the caller.
func (b *Broker) route(exchange, key string, env envelope) int {
	targets := b.targets(exchange, key)

	for _, q := range targets {
		q.messages <- &Message{
			queue:       q.name,
			exchange:    env.exchange,
			routingKey:  key,
			body:        env.body,
			contentType: env.contentType,
			messageID:   env.messageID,
			headers:     env.headers,
			broker:      b,
		}
	}

	return len(targets)
}

// targets resolves the queues bound to exchange under key.
func (b *Broker) targets(exchange, key string) []*queue {
	b.mute.Lock()
	defer b.mute.Unlock()

	kind, ok := b.exchanges[exchange]
	if !ok {
		return nil
	}

	var targets []*queue

	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	}

	for _, bd := range b.bindings {
		if bd.exchange != exchange || exchange == "" {
			continue
		}

		if matches(kind, bd.key, key) {
			targets = append(targets, b.queues[bd.queue])
		}
	}

	return targets
}

// deadLetter re-routes a rejected message following the queue arguments.
func (b *Broker) deadLetter(m *Message) {
	b.mute.Lock()
	q := b.queues[m.queue]
	b.mute.Unlock()

	if q == nil {
		return
	}

	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}

	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}

	headers := make(map[string]interface{}, len(m.headers)+1)
	for k, v := range m.headers {
		headers[k] = v
	}

	headers["x-death"] = []interface{}{
		map[string]interface{}{
			"queue":        m.queue,
			"reason":       "rejected",
			"count":        int64(1),
			"exchange":     m.exchange,
			"routing-keys": []interface{}{m.routingKey},
		},
	}

	b.route(dlx, key, envelope{
		exchange:    dlx,
		body:        m.body,
		contentType: m.contentType,
		messageID:   m.messageID,
		headers:     headers,
	})
}

// matches applies exchange-kind routing of a binding key.
func matches(kind, pattern, key string) bool {
	switch kind {
	case "fanout":
		return true
	case "topic":
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

// topicMatch implements AMQP topic wildcards: * is one word, # is zero or more.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}

		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// Conn is the broker connection returned by Dial.
type Conn struct {
	broker *Broker
	closed atomic.Bool
}

func (c *Conn) DeclareExchange(cfg eventbus.ExchangeConfig) error {
	if c.closed.Load() {
		return eventbus.ConnClosedError{}
	}

	b := c.broker
	b.declares.Add(1)

	b.mute.Lock()
	defer b.mute.Unlock()

	if kind, ok := b.exchanges[cfg.Name]; ok && kind != cfg.Kind {
		return errors.New("PRECONDITION_FAILED - inequivalent arg 'type' for exchange " + cfg.Name)
	}

	b.exchanges[cfg.Name] = cfg.Kind

	return nil
}

func (c *Conn) DeclareQueue(name string, _ bool, args map[string]interface{}, bindings []eventbus.Binding) (eventbus.QueueInfo, error) {
	if c.closed.Load() {
		return eventbus.QueueInfo{}, eventbus.ConnClosedError{}
	}

	b := c.broker
	b.declares.Add(1)

	b.mute.Lock()
	defer b.mute.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name:     name,
			args:     args,
			messages: make(chan *Message, queueBuffer),
			failures: make(chan error, 1),
		}
		b.queues[name] = q
	}

	for _, bd := range bindings {
		if _, ok := b.exchanges[bd.Exchange]; !ok {
			return eventbus.QueueInfo{}, errors.New("NOT_FOUND - no exchange '" + bd.Exchange + "'")
		}

		bnd := binding{queue: name, exchange: bd.Exchange, key: bd.RoutingKey}
		if !slices.Contains(b.bindings, bnd) {
			b.bindings = append(b.bindings, bnd)
		}
	}

	return eventbus.QueueInfo{Name: name, Messages: len(q.messages), Consumers: int(q.consumers.Load())}, nil
}

func (c *Conn) CreatePublisher(cfg eventbus.PublisherConfig, onReturn func(eventbus.Returned)) (eventbus.Confirmer, error) {
	if c.closed.Load() {
		return nil, eventbus.ConnClosedError{}
	}

	return &Publisher{conn: c, onReturn: onReturn}, nil
}

func (c *Conn) CreateConsumer(cfg eventbus.ConsumerConfig) (eventbus.Source, error) {
	if c.closed.Load() {
		return nil, eventbus.ConnClosedError{}
	}

	b := c.broker

	b.mute.Lock()
	q, ok := b.queues[cfg.Queue]
	b.mute.Unlock()

	if !ok {
		return nil, errors.New("NOT_FOUND - no queue '" + cfg.Queue + "'")
	}

	q.consumers.Add(1)

	return &Source{queue: q, quit: make(chan struct{})}, nil
}

// Close closes the connection and tells the listener.
func (c *Conn) Close() error {
	b := c.broker

	b.mute.Lock()
	err := b.closeErr
	l := b.listener
	b.closed = true
	b.mute.Unlock()

	c.closed.Store(true)

	if l != nil {
		l.OnClosed()
	}

	return err
}

// Publisher is the in-memory confirmer.
type Publisher struct {
	conn     *Conn
	onReturn func(eventbus.Returned)
}

// Publish routes msg and confirms it. Unroutable messages are returned
// through onReturn before the confirm, as a mandatory publish would be.
func (p *Publisher) Publish(ctx context.Context, msg *eventbus.OutboundMessage) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if p.conn.closed.Load() {
		return false, eventbus.ConnClosedError{}
	}

	b := p.conn.broker
	b.publishes.Add(1)

	b.mute.Lock()
	err, nack := b.publishErr, b.nack
	b.mute.Unlock()

	if err != nil {
		return false, err
	}

	if nack {
		return false, nil
	}

	routed := b.route(msg.Exchange, msg.RoutingKey, envelope{
		exchange:    msg.Exchange,
		body:        append([]byte(nil), msg.Body...),
		contentType: msg.ContentType,
		messageID:   msg.MessageID,
	})

	if routed == 0 && p.onReturn != nil {
		p.onReturn(eventbus.Returned{
			Destination: msg.Destination,
			ReplyCode:   312,
			ReplyText:   "NO_ROUTE",
			MessageID:   msg.MessageID,
			Body:        msg.Body,
		})
	}

	return true, nil
}

func (p *Publisher) Close() error {
	return nil
}

// Source is the in-memory delivery stream of one queue.
type Source struct {
	queue     *queue
	quit      chan struct{}
	closeOnce sync.Once
}

func (s *Source) Consume() (eventbus.Message, error) {
	select {
	case <-s.quit:
		return nil, eventbus.ConsumerClosedError{}
	default:
	}

	select {
	case <-s.quit:
		return nil, eventbus.ConsumerClosedError{}
	case err := <-s.queue.failures:
		return nil, err
	case m := <-s.queue.messages:
		return m, nil
	}
}

func (s *Source) Stats() (eventbus.QueueInfo, error) {
	return eventbus.QueueInfo{
		Name:      s.queue.name,
		Messages:  len(s.queue.messages),
		Consumers: int(s.queue.consumers.Load()),
	}, nil
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.queue.consumers.Add(-1)
		close(s.quit)
	})

	return nil
}

// Message is an in-memory delivery.
type Message struct {
	queue       string
	exchange    string
	routingKey  string
	body        []byte
	contentType string
	messageID   string
	headers     map[string]interface{}
	redelivered bool
	broker      *Broker

	done   atomic.Bool
	acks   atomic.Int64
	nacks  atomic.Int64
	reject atomic.Int64
}

// NewMessage builds a detached delivery for handler tests. Its Reject
// does not dead-letter.
func NewMessage(queue, routingKey string, body []byte) *Message {
	return &Message{queue: queue, routingKey: routingKey, body: body}
}

func (m *Message) Queue() string                   { return m.queue }
func (m *Message) MessageID() string               { return m.messageID }
func (m *Message) Headers() map[string]interface{} { return m.headers }
func (m *Message) ContentType() string             { return m.contentType }
func (m *Message) IsRedelivered() bool             { return m.redelivered }
func (m *Message) Body() []byte                    { return m.body }
func (m *Message) RoutingKey() string              { return m.routingKey }

// Dispositions returns how many times Ack, Nack and Reject took effect.
func (m *Message) Dispositions() (acks, nacks, rejects int64) {
	return m.acks.Load(), m.nacks.Load(), m.reject.Load()
}

func (m *Message) Ack() error {
	if m.done.CompareAndSwap(false, true) {
		m.acks.Add(1)
	}

	return nil
}

// Nack requeues the message.
func (m *Message) Nack() error {
	if m.done.CompareAndSwap(false, true) {
		m.nacks.Add(1)

		if m.broker != nil {
			m.broker.requeue(m)
		}
	}

	return nil
}

// Reject dead-letters the message when its queue has a dead-letter exchange.
func (m *Message) Reject() error {
	if m.done.CompareAndSwap(false, true) {
		m.reject.Add(1)

		if m.broker != nil {
			m.broker.deadLetter(m)
		}
	}

	return nil
}

func (b *Broker) requeue(m *Message) {
	b.mute.Lock()
	q := b.queues[m.queue]
	b.mute.Unlock()

	if q == nil {
		return
	}

	q.messages <- &Message{
		queue:       m.queue,
		exchange:    m.exchange,
		routingKey:  m.routingKey,
		body:        m.body,
		contentType: m.contentType,
		messageID:   m.messageID,
		headers:     m.headers,
		redelivered: true,
		broker:      b,
	}
}
