// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Consumer is the configuration of a queue subscription.
//   - binding: the queue, its exchange bindings and dead-letter target.
//   - gos:     worker count and broker prefetch; 1 keeps delivery order.
//
// Consumer itself does not process messages; Subscribe turns it into a
// running Handle.
type Consumer struct {
	binding QueueBinding
	handler Handler
	gos     int
	tag     string
	timeout time.Duration
	onError func(error)
	logger  *zap.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch sets the number of messages handled concurrently.
// The default of 1 dispatches strictly in delivery order.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		c.gos = n
	}
}

// WithConsumerTag sets the broker consumer tag.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

// WithHandlerTimeout bounds the context passed to each handler call.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.timeout = d
	}
}

// WithErrorHandler receives channel and connection level errors in
// addition to them being logged.
func WithErrorHandler(fn func(error)) ConsumerOption {
	return func(c *Consumer) {
		c.onError = fn
	}
}

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newConsumer(binding QueueBinding, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if binding.Queue == "" {
		return nil, EmptyBindingError{}
	}

	if handler == nil {
		return nil, errors.New("nil handler")
	}

	c := &Consumer{
		binding: binding,
		handler: handler,
		gos:     1,
		logger:  zap.L(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.gos < 1 {
		return nil, fmt.Errorf("invalid prefetch count: %d", c.gos)
	}

	return c, nil
}

// Subscribe declares binding on conn, dead-letter pair first, then starts
// dispatching deliveries to handler. A handler failure or panic rejects the
// message without requeue; it never stops the consumer.
func Subscribe(ctx context.Context, conn Connection, binding QueueBinding, handler Handler, opts ...ConsumerOption) (*Handle, error) {
	c, err := newConsumer(binding, handler, opts...)
	if err != nil {
		return nil, err
	}

	if err = declareBinding(conn, c.binding); err != nil {
		return nil, err
	}

	h := &Handle{
		cfg:      c,
		workChan: make(chan Message),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	src, err := conn.CreateConsumer(ConsumerConfig{
		Queue:    c.binding.Queue,
		Tag:      c.tag,
		Prefetch: c.gos,
		OnError:  h.reportError,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.binding.Queue, err)
	}

	h.source = src
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for range c.gos {
		h.wg.Add(1)

		go h.runner()
	}

	go h.serve()

	stats := h.Stats()
	c.logger.Info("consumer started",
		zap.String("queue", stats.Queue),
		zap.Int("messages", stats.Messages),
		zap.Int("consumers", stats.Consumers),
		zap.Int("prefetch", c.gos),
		zap.Bool("dead_letter", c.binding.DeadLetterExchange != ""),
	)

	return h, nil
}

// declareBinding declares the dead-letter exchange and queue, then the
// primary queue with the dead-letter arguments and its bindings.
func declareBinding(conn Connection, binding QueueBinding) error {
	var args map[string]interface{}

	if binding.DeadLetterExchange != "" {
		dlq := DeadLetterBinding(binding)

		if err := conn.DeclareExchange(ExchangeConfig{
			Name:    binding.DeadLetterExchange,
			Kind:    "direct",
			Durable: true,
		}); err != nil {
			return fmt.Errorf("declare dead-letter exchange %s: %w", binding.DeadLetterExchange, err)
		}

		if _, err := conn.DeclareQueue(dlq.Queue, true, nil, dlq.Bindings); err != nil {
			return fmt.Errorf("declare dead-letter queue %s: %w", dlq.Queue, err)
		}

		args = map[string]interface{}{
			"x-dead-letter-exchange":    binding.DeadLetterExchange,
			"x-dead-letter-routing-key": deadLetterKey(binding),
		}
	}

	if _, err := conn.DeclareQueue(binding.Queue, binding.Durable, args, binding.Bindings); err != nil {
		return fmt.Errorf("declare queue %s: %w", binding.Queue, err)
	}

	return nil
}

// Stats is a snapshot of a running subscription.
type Stats struct {
	Queue     string
	Messages  int
	Consumers int
	InFlight  int64
	Acked     int64
	Nacked    int64
}

// Handle is a running subscription created by Subscribe.
//   - workChan: unbuffered channel through which serve feeds the workers.
//   - wg:       WaitGroup of the workers.
//   - done:     closed once serve and all workers returned.
type Handle struct {
	cfg      *Consumer
	source   Source
	workChan chan Message
	wg       sync.WaitGroup
	done     chan struct{}
	stopped  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	inFlight atomic.Int64
	acked    atomic.Int64
	nacked   atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Queue returns the consumed queue name.
func (h *Handle) Queue() string {
	return h.cfg.binding.Queue
}

// Done is closed when the subscription stopped dispatching.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stats returns broker-side queue depth together with local counters.
func (h *Handle) Stats() Stats {
	stats := Stats{
		Queue:    h.cfg.binding.Queue,
		InFlight: h.inFlight.Load(),
		Acked:    h.acked.Load(),
		Nacked:   h.nacked.Load(),
	}

	info, err := h.source.Stats()
	if err != nil {
		h.cfg.logger.Debug("queue stats unavailable", zap.String("queue", stats.Queue), zap.Error(err))

		return stats
	}

	stats.Messages = info.Messages
	stats.Consumers = info.Consumers

	return stats
}

// Shutdown stops the source and waits for in-flight handlers. It returns
// DrainTimeoutError if ctx ends first.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() {
		go h.stop()
	})

	select {
	case <-h.stopped:
		h.cancel()

		return h.closeErr
	case <-ctx.Done():
		h.cancel()

		return DrainTimeoutError{InFlight: h.inFlight.Load()}
	}
}

func (h *Handle) stop() {
	if err := h.source.Close(); err != nil {
		h.closeErr = fmt.Errorf("%w: %w", ConsumerCloseError{}, err)
		h.cfg.logger.Error("close consumer source", zap.String("queue", h.Queue()), zap.Error(err))
	}

	<-h.done
	close(h.stopped)
}

// serve pulls deliveries until the source is closed or fails.
func (h *Handle) serve() {
	defer func() {
		close(h.workChan)
		h.wg.Wait()
		close(h.done)
	}()

	for {
		msg, err := h.source.Consume()
		if err != nil {
			if !errors.Is(err, ConsumerClosedError{}) {
				h.reportError(fmt.Errorf("consume %s: %w", h.Queue(), err))
			}

			return
		}

		h.inFlight.Add(1)
		h.workChan <- msg
	}
}

// runner executes deliveries from workChan and signals completion via WaitGroup.
func (h *Handle) runner() {
	for msg := range h.workChan {
		h.process(msg)
	}

	h.wg.Done()
}

// process gives msg exactly one disposition.
func (h *Handle) process(msg Message) {
	defer h.inFlight.Add(-1)

	res := h.invoke(msg)

	if res.IsAck() {
		if err := msg.Ack(); err != nil {
			h.cfg.logger.Error("ack message", append(deliveryFields(msg), zap.Error(err))...)
		}

		h.acked.Add(1)

		return
	}

	h.cfg.logger.Error("message handler failed, rejecting", append(deliveryFields(msg), zap.Error(res.Reason()))...)

	if err := msg.Reject(); err != nil {
		h.cfg.logger.Error("reject message", append(deliveryFields(msg), zap.Error(err))...)
	}

	h.nacked.Add(1)
}

func (h *Handle) invoke(msg Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Nack(HandlerPanicError{Value: r})
		}
	}()

	ctx := h.ctx

	if h.cfg.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, h.cfg.timeout)
		defer cancel()
	}

	return h.cfg.handler(ctx, msg)
}

func (h *Handle) reportError(err error) {
	h.cfg.logger.Error("consumer channel error", zap.String("queue", h.Queue()), zap.Error(err))

	if h.cfg.onError == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.cfg.logger.Error("consumer error handler panic", zap.String("queue", h.Queue()), zap.Any("panic", r))
		}
	}()

	h.cfg.onError(err)
}

func deliveryFields(msg Message) []zap.Field {
	return []zap.Field{
		zap.String("queue", msg.Queue()),
		zap.String("routing_key", msg.RoutingKey()),
		zap.String("message_id", msg.MessageID()),
		zap.Bool("redelivered", msg.IsRedelivered()),
	}
}
