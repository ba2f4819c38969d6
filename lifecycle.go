// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LifecycleState is the phase of a Manager.
type LifecycleState int32

const (
	Uninitialized LifecycleState = iota
	Connecting
	Ready
	Draining
	Closing
	Closed
)

func (s LifecycleState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultDrainTimeout = 10 * time.Second

// ReadyHook runs once the host signals ready. Publishers and consumers
// may only be created from here on.
type ReadyHook func(ctx context.Context, m *Manager) error

// Manager owns the broker connection and orders startup and shutdown:
// connect, then declare and consume on ready; drain, then close.
type Manager struct {
	url     string
	dial    Dialer
	tracker *Tracker
	conn    Connection
	state   atomic.Int32

	// mute guards conn, hooks, publishers and handles.
	mute       sync.Mutex
	hooks      []ReadyHook
	publishers []*Publisher
	handles    []*Handle

	drainTimeout time.Duration
	logger       *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDrainTimeout bounds each shutdown phase.
func WithDrainTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

// WithManagerLogger sets the logger shared with the tracker, publishers and consumers.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns an Uninitialized manager for the broker at url.
func NewManager(url string, dial Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		url:          url,
		dial:         dial,
		drainTimeout: defaultDrainTimeout,
		logger:       zap.L(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.tracker = NewTracker(m.logger)

	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() LifecycleState {
	return LifecycleState(m.state.Load())
}

// Tracker returns the connection tracker attached to the connection.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Handles returns the subscriptions created through the manager.
func (m *Manager) Handles() []*Handle {
	m.mute.Lock()
	defer m.mute.Unlock()

	return append([]*Handle(nil), m.handles...)
}

// Start dials the broker with the tracker already attached, so no
// lifecycle event is missed. On failure the manager may be started again.
func (m *Manager) Start(ctx context.Context) error {
	if !m.transition(Uninitialized, Connecting) {
		return NotReadyError{State: m.State()}
	}

	conn, err := m.dial(ctx, m.url, m.tracker)
	if err != nil {
		// A Shutdown during the dial keeps its state.
		m.transition(Connecting, Uninitialized)

		return fmt.Errorf("dial broker: %w", err)
	}

	m.mute.Lock()
	if state := m.State(); state != Connecting {
		m.mute.Unlock()

		if err = conn.Close(); err != nil {
			m.logger.Warn("close connection dialed during shutdown", zap.Error(err))
		}

		return NotReadyError{State: state}
	}

	m.conn = conn
	m.mute.Unlock()

	m.logger.Info("lifecycle connecting", zap.Stringer("broker", m.tracker.State()))

	return nil
}

// OnReady registers a hook run by Ready.
func (m *Manager) OnReady(hook ReadyHook) {
	m.mute.Lock()
	defer m.mute.Unlock()

	m.hooks = append(m.hooks, hook)
}

// Ready moves the manager to Ready and runs the registered hooks in order.
// The first hook error is returned; the manager stays Ready.
func (m *Manager) Ready(ctx context.Context) error {
	m.mute.Lock()
	dialed := m.conn != nil
	m.mute.Unlock()

	if !dialed || !m.transition(Connecting, Ready) {
		return NotReadyError{State: m.State()}
	}

	m.mute.Lock()
	hooks := append([]ReadyHook(nil), m.hooks...)
	m.mute.Unlock()

	m.logger.Info("lifecycle ready", zap.Int("hooks", len(hooks)))

	for i, hook := range hooks {
		if err := hook(ctx, m); err != nil {
			return fmt.Errorf("ready hook %d: %w", i, err)
		}
	}

	return nil
}

// NewPublisher declares the exchange of cfg and returns a publisher gated
// on the manager's tracker.
func (m *Manager) NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if state := m.State(); state != Ready {
		return nil, NotReadyError{State: state}
	}

	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "topic"
	}

	if err := m.conn.DeclareExchange(ExchangeConfig{
		Name:       cfg.Exchange,
		Kind:       cfg.ExchangeType,
		Durable:    cfg.Durable,
		AutoDelete: cfg.AutoDelete,
	}); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	confirmer, err := m.conn.CreatePublisher(cfg, LogReturned(m.logger))
	if err != nil {
		return nil, fmt.Errorf("create publisher %s: %w", cfg.Exchange, err)
	}

	p := NewPublisher(confirmer, m.tracker, cfg, WithPublisherLogger(m.logger))

	m.mute.Lock()
	m.publishers = append(m.publishers, p)
	m.mute.Unlock()

	return p, nil
}

// DeclareExchange declares an exchange consumers bind to without publishing on it.
func (m *Manager) DeclareExchange(cfg ExchangeConfig) error {
	if state := m.State(); state != Ready {
		return NotReadyError{State: state}
	}

	if cfg.Kind == "" {
		cfg.Kind = "topic"
	}

	if err := m.conn.DeclareExchange(cfg); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Name, err)
	}

	return nil
}

// Subscribe starts a consumer on the manager's connection.
func (m *Manager) Subscribe(ctx context.Context, binding QueueBinding, handler Handler, opts ...ConsumerOption) (*Handle, error) {
	if state := m.State(); state != Ready {
		return nil, NotReadyError{State: state}
	}

	opts = append([]ConsumerOption{WithConsumerLogger(m.logger)}, opts...)

	h, err := Subscribe(ctx, m.conn, binding, handler, opts...)
	if err != nil {
		return nil, err
	}

	m.mute.Lock()
	m.handles = append(m.handles, h)
	m.mute.Unlock()

	return h, nil
}

// Shutdown drains publishers and consumers, then closes the connection.
// Every phase is bounded by the drain timeout and failures are logged,
// so Shutdown always ends in Closed.
func (m *Manager) Shutdown(ctx context.Context) {
	prev := m.State()
	if prev >= Draining || !m.transition(prev, Draining) {
		return
	}

	defer m.tracker.Close()

	m.mute.Lock()
	conn := m.conn
	publishers := append([]*Publisher(nil), m.publishers...)
	handles := append([]*Handle(nil), m.handles...)
	m.mute.Unlock()

	if conn == nil {
		m.state.Store(int32(Closed))
		m.logger.Info("lifecycle closed", zap.Stringer("from", prev))

		return
	}

	m.logger.Info("lifecycle draining", zap.Int("publishers", len(publishers)), zap.Int("consumers", len(handles)))

	m.drain(ctx, publishers, handles)

	for _, p := range publishers {
		if err := p.Close(); err != nil {
			m.logger.Warn("close publisher", zap.Error(err))
		}
	}

	m.state.Store(int32(Closing))

	if err := m.closeConn(ctx, conn); err != nil {
		m.logger.Error("close broker connection", zap.Error(err))
	}

	m.state.Store(int32(Closed))
	m.logger.Info("lifecycle closed")
}

func (m *Manager) drain(ctx context.Context, publishers []*Publisher, handles []*Handle) {
	ctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, p := range publishers {
		wg.Add(1)

		go func(p *Publisher) {
			defer wg.Done()

			if err := p.Drain(ctx); err != nil {
				m.logger.Warn("drain publisher", zap.String("exchange", p.cfg.Exchange), zap.Error(err))
			}
		}(p)
	}

	for _, h := range handles {
		wg.Add(1)

		go func(h *Handle) {
			defer wg.Done()

			if err := h.Shutdown(ctx); err != nil {
				m.logger.Warn("drain consumer", zap.String("queue", h.Queue()), zap.Error(err))
			}
		}(h)
	}

	wg.Wait()
}

func (m *Manager) closeConn(ctx context.Context, conn Connection) error {
	ctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		errCh <- conn.Close()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("close connection: %w", ctx.Err())
	}
}

func (m *Manager) transition(from, to LifecycleState) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	m.logger.Debug("lifecycle transition", zap.Stringer("from", from), zap.Stringer("to", to))

	return true
}
