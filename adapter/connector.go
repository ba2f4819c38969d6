// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 30 * time.Second
	stdMaxTime         = time.Duration(0x3_ffff_ffff)
	// firstReconnectDelay is ~1.07 seconds.
	firstReconnectDelay = time.Duration(0x1_FFFF_FFF)
)

// Con manages a RabbitMQ AMQP091 connection with automatic reconnection.
//   - connection: active AMQP091 connection, swapped under mute on reconnect
//   - renewed:    closed and replaced each time a new connection is installed
//   - stop:       closed by Close; every wait in the package selects on it
//   - cons:       in-flight publishes and consumes, awaited by Close
//   - listener:   receives connected, error and closed events
type Con struct {
	connection *amqp091.Connection
	renewed    chan struct{}
	mute       sync.RWMutex

	url              string
	cfg              amqp091.Config
	stop             chan struct{}
	closed           atomic.Bool
	cons             sync.WaitGroup
	maxReconnectTime time.Duration
	listener         eventbus.LifecycleListener
	logger           *zap.Logger
}

// Dialer adapts Dial to eventbus.Dialer. A non-empty uri passed to the
// returned function replaces cfg.URL.
func Dialer(cfg Client) eventbus.Dialer {
	return func(ctx context.Context, uri string, listener eventbus.LifecycleListener) (eventbus.Connection, error) {
		c := cfg
		if uri != "" {
			c.URL = uri
		}

		con, err := Dial(ctx, &c, listener)
		if err != nil {
			return nil, err
		}

		return con, nil
	}
}

// Dial establishes an AMQP connection and starts watching it. The listener
// learns about the outcome of the dial and every later state change.
func Dial(ctx context.Context, cfg *Client, listener eventbus.LifecycleListener) (*Con, error) {
	if cfg == nil {
		return nil, ConConfEmptyError{}
	}

	if listener == nil {
		listener = nopListener{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}

	clientCfg := amqp091.Config{
		Vhost:      cfg.VHost,
		Properties: cfg.Properties,
		Heartbeat:  cfg.TcpHeartBeat,
	}

	if cfg.Username != "" {
		clientCfg.SASL = []amqp091.Authentication{
			&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password},
		}
	}

	uri := cfg.URL
	if uri == "" {
		uri = (&url.URL{Scheme: "amqp", Host: cfg.Host}).String()
	}

	first := clientCfg
	first.Dial = dialContext(ctx)

	con, err := amqp091.DialConfig(uri, first)
	if err != nil {
		err = fmt.Errorf("dial amqp091: %w", err)
		listener.OnError(err)

		return nil, err
	}

	c := &Con{
		connection:       con,
		renewed:          make(chan struct{}),
		url:              uri,
		cfg:              clientCfg,
		stop:             make(chan struct{}),
		maxReconnectTime: reconnectMask(cfg.MaxReconnectTime),
		listener:         listener,
		logger:           logger,
	}

	go c.watch(con.NotifyClose(make(chan *amqp091.Error, 1)))

	listener.OnConnected()

	return c, nil
}

// dialContext bounds the TCP dial and the AMQP handshake by ctx. The
// library clears the deadline once the connection is open.
func dialContext(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: defaultDialTimeout}

		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		deadline := time.Now().Add(defaultDialTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}

		if err = conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()

			return nil, err
		}

		return conn, nil
	}
}

// reconnectMask rounds limit to the nearest 2ⁿ−1 so back-off can saturate
// with a single AND. low is the largest such mask below limit, high the
// smallest one at or above it.
func reconnectMask(limit time.Duration) time.Duration {
	if limit <= 0 {
		return stdMaxTime
	}

	value := ^uint64(0) << (63 - bits.LeadingZeros64(uint64(limit)))
	low := time.Duration(^value)
	high := time.Duration(^(value << 1))

	if high-limit < limit-low {
		return high
	}

	return low
}

// watch reports connection loss and reconnects until Close.
func (c *Con) watch(notify chan *amqp091.Error) {
	for {
		select {
		case <-c.stop:
			return
		case amqpErr, ok := <-notify:
			if c.closed.Load() {
				return
			}

			var err error = eventbus.ConnClosedError{}
			if ok && amqpErr != nil {
				err = amqpErr
			}

			c.logger.Warn("rabbit connection lost", zap.Error(err))
			c.listener.OnError(err)

			next, done := c.reconnectLoop()
			if !done {
				return
			}

			notify = next
			c.listener.OnConnected()
		}
	}
}

// reconnectLoop dials with exponential back-off, doubling the wait after
// each failure up to maxReconnectTime. It installs the new connection and
// returns its close notifications, or false once stop is closed.
func (c *Con) reconnectLoop() (chan *amqp091.Error, bool) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for waitTime, attempt := firstReconnectDelay, 1; ; waitTime, attempt = c.maxReconnectTime&(waitTime<<1|1), attempt+1 {
		select {
		case <-c.stop:
			return nil, false
		case <-timer.C:
			c.logger.Debug("rabbit reconnect attempt", zap.Int("attempt", attempt))

			con, err := amqp091.DialConfig(c.url, c.cfg)
			if err != nil {
				c.logger.Warn("rabbit reconnect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", waitTime), zap.Error(err))
				timer.Reset(waitTime)

				continue
			}

			notify := con.NotifyClose(make(chan *amqp091.Error, 1))

			c.mute.Lock()
			c.connection = con
			close(c.renewed)
			c.renewed = make(chan struct{})
			c.mute.Unlock()

			c.logger.Info("rabbit reconnect success", zap.Int("attempt", attempt))

			return notify, true
		}
	}
}

// channel opens a channel on the current connection, waiting for a
// reconnect while the connection is down.
func (c *Con) channel(ctx context.Context) (*amqp091.Channel, error) {
	for {
		c.mute.RLock()
		conn, renewed := c.connection, c.renewed
		c.mute.RUnlock()

		if !conn.IsClosed() {
			ch, err := conn.Channel()
			if err == nil {
				return ch, nil
			}

			if !errors.Is(err, amqp091.ErrClosed) {
				return nil, fmt.Errorf("create channel: %w", err)
			}
		}

		select {
		case <-c.stop:
			return nil, eventbus.ConnClosedError{}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-renewed:
		}
	}
}

// withChannel runs fn on a short-lived channel.
func (c *Con) withChannel(fn func(ch *amqp091.Channel) error) error {
	if c.closed.Load() {
		return eventbus.ConnClosedError{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			c.logger.Debug("close channel", zap.Error(err))
		}
	}()

	return fn(ch)
}

// DeclareExchange declares an exchange on a short-lived channel.
func (c *Con) DeclareExchange(cfg eventbus.ExchangeConfig) error {
	return c.withChannel(func(ch *amqp091.Channel) error {
		if err := ch.ExchangeDeclare(cfg.Name, cfg.Kind, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}

		return nil
	})
}

// DeclareQueue declares a queue with args and binds it to every binding.
func (c *Con) DeclareQueue(name string, durable bool, args map[string]interface{}, bindings []eventbus.Binding) (eventbus.QueueInfo, error) {
	var info eventbus.QueueInfo

	err := c.withChannel(func(ch *amqp091.Channel) error {
		queue, err := ch.QueueDeclare(name, durable, false, false, false, amqp091.Table(args))
		if err != nil {
			return fmt.Errorf("create queue: %w", err)
		}

		for _, b := range bindings {
			if err = ch.QueueBind(queue.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("create queue binding %s -> %s: %w", b.Exchange, b.RoutingKey, err)
			}
		}

		info = eventbus.QueueInfo{Name: queue.Name, Messages: queue.Messages, Consumers: queue.Consumers}

		return nil
	})

	return info, err
}

// inspect reads queue depth without declaring it.
func (c *Con) inspect(name string) (eventbus.QueueInfo, error) {
	var info eventbus.QueueInfo

	err := c.withChannel(func(ch *amqp091.Channel) error {
		queue, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("inspect queue: %w", err)
		}

		info = eventbus.QueueInfo{Name: queue.Name, Messages: queue.Messages, Consumers: queue.Consumers}

		return nil
	})

	return info, err
}

// DeleteQueue removes an existing queue by name.
func (c *Con) DeleteQueue(name string) error {
	return c.withChannel(func(ch *amqp091.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}

		return nil
	})
}

// CreatePublisher returns a confirming publisher when cfg.ConfirmMode is
// set and a fire-and-forget one otherwise. Unroutable messages are passed
// to onReturn.
func (c *Con) CreatePublisher(cfg eventbus.PublisherConfig, onReturn func(eventbus.Returned)) (eventbus.Confirmer, error) {
	if c.closed.Load() {
		return nil, eventbus.ConnClosedError{}
	}

	if cfg.ConfirmMode {
		return newConfirmerPublisher(c, cfg, onReturn)
	}

	return newPublisher(c, cfg, onReturn)
}

// CreateConsumer opens a consuming channel with QoS set to cfg.Prefetch.
func (c *Con) CreateConsumer(cfg eventbus.ConsumerConfig) (eventbus.Source, error) {
	if c.closed.Load() {
		return nil, eventbus.ConnClosedError{}
	}

	return newConsumer(c, cfg)
}

// Close stops reconnection, waits for in-flight publishes and consumes,
// then closes the connection.
func (c *Con) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return eventbus.ConnClosedError{}
	}

	close(c.stop)

	c.cons.Wait()

	c.mute.RLock()
	conn := c.connection
	c.mute.RUnlock()

	defer c.listener.OnClosed()

	if err := conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return fmt.Errorf("close connection error: %w", err)
	}

	return nil
}

// track registers an in-flight operation unless the connection is closing.
func (c *Con) track() bool {
	if c.closed.Load() {
		return false
	}

	c.cons.Add(1)

	return true
}

type nopListener struct{}

func (nopListener) OnConnected()  {}
func (nopListener) OnError(error) {}
func (nopListener) OnClosed()     {}
