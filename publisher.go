// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const mimeReadLimit = 512 //bytes that mime will read

const defaultConfirmTimeout = 5 * time.Second

// firstDelay is the initial pause between publish attempts.
// 0xFFFFF ns ≈ 1.05 ms.
const firstDelay time.Duration = 0xFFFFF

// maxDelayMask caps the back-off at 0x7FFFFFF ns ≈ 134 ms.
// Being 2ⁿ−1 it lets the delay grow as maxDelayMask & (delay<<1 | 1).
const maxDelayMask time.Duration = 0x7FFFFFF

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Outcome is the terminal result of a Send. It is informational only:
// Send never fails, and Confirmed is the only outcome that implies delivery.
type Outcome uint8

const (
	// Confirmed means the broker acknowledged the message.
	Confirmed Outcome = iota
	// Dropped means the broker was disconnected and the message was discarded.
	Dropped
	// Rejected means the publisher was draining.
	Rejected
	// Failed means every attempt failed or the payload could not be encoded.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Dropped:
		return "dropped"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState gates publishing on the observed connection state.
type ConnectionState interface {
	IsConnected() bool
}

// Publisher sends messages through a Confirmer. No failure leaves Send:
// every path ends in a log event and an Outcome.
type Publisher struct {
	// confirmer is the single-attempt broker primitive.
	confirmer Confirmer
	// conn gates every send on the connection state.
	conn ConnectionState
	// cfg holds the exchange and attempt policy.
	cfg PublisherConfig
	// mute orders the draining flag against inflight.Add.
	mute     sync.RWMutex
	draining bool
	// inflight tracks sends that passed the draining check.
	inflight sync.WaitGroup
	pending  atomic.Int64
	logger   *zap.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher wraps confirmer with the attempt policy of cfg.
// MaxAttempts below 1 is raised to 1; a zero ConfirmTimeout becomes 5s.
func NewPublisher(confirmer Confirmer, conn ConnectionState, cfg PublisherConfig, opts ...PublisherOption) *Publisher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	mimetype.SetLimit(mimeReadLimit)

	p := &Publisher{
		confirmer: confirmer,
		conn:      conn,
		cfg:       cfg,
		logger:    zap.L(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Config returns the publisher configuration after defaults were applied.
func (p *Publisher) Config() PublisherConfig {
	return p.cfg
}

// Send publishes payload to dest. []byte, string and json.RawMessage are
// sent as is; anything else is JSON-encoded. Callers must not read delivery
// from a returned Outcome other than Confirmed.
func (p *Publisher) Send(ctx context.Context, dest Destination, payload interface{}) (outcome Outcome) {
	if !p.enter() {
		p.logger.Warn("publisher draining, message rejected", destFields(dest)...)

		return Rejected
	}

	defer p.leave()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("publish panic", append(destFields(dest), zap.Any("panic", r))...)

			outcome = Failed
		}
	}()

	body, err := encodePayload(payload)
	if err != nil {
		p.logger.Error("encode payload", append(destFields(dest), zap.Error(err))...)

		return Failed
	}

	if !p.conn.IsConnected() {
		p.logger.Warn("broker disconnected, message dropped",
			append(destFields(dest), zap.ByteString("payload", body))...)

		return Dropped
	}

	msg := &OutboundMessage{
		Destination: dest,
		Body:        body,
		ContentType: mimetype.Detect(body).String(),
		MessageID:   uuid.NewString(),
		AppID:       p.cfg.AppID,
		Persistent:  p.cfg.Persistent,
	}

	return p.deliver(ctx, msg)
}

// deliver runs the attempt budget and logs exactly one terminal event.
func (p *Publisher) deliver(ctx context.Context, msg *OutboundMessage) Outcome {
	var (
		lastErr error
		delay   = firstDelay
	)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		msg.Attempt = attempt

		acked, err := p.attempt(ctx, msg)
		if err == nil && acked {
			p.logger.Info("message confirmed", msgFields(msg)...)

			return Confirmed
		}

		if err == nil {
			err = NackedError{}
		}

		lastErr = err

		if attempt == p.cfg.MaxAttempts || !p.conn.IsConnected() {
			break
		}

		p.logger.Warn("publish attempt failed, retrying", append(msgFields(msg), zap.Error(err))...)

		if !sleep(ctx, delay) {
			lastErr = fmt.Errorf("%w: %w", lastErr, ctx.Err())

			break
		}

		delay = maxDelayMask & (delay<<1 | 1)
	}

	p.logger.Error("publish failed", append(msgFields(msg), zap.Error(lastErr))...)

	return Failed
}

func (p *Publisher) attempt(ctx context.Context, msg *OutboundMessage) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	return p.confirmer.Publish(ctx, msg)
}

func (p *Publisher) enter() bool {
	p.mute.RLock()
	defer p.mute.RUnlock()

	if p.draining {
		return false
	}

	p.inflight.Add(1)
	p.pending.Add(1)

	return true
}

func (p *Publisher) leave() {
	p.pending.Add(-1)
	p.inflight.Done()
}

// Drain makes the publisher reject new sends and waits for in-flight ones.
// It returns DrainTimeoutError if ctx ends first.
func (p *Publisher) Drain(ctx context.Context) error {
	p.mute.Lock()
	p.draining = true
	p.mute.Unlock()

	done := make(chan struct{})

	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return DrainTimeoutError{InFlight: p.pending.Load()}
	}
}

// Close releases the underlying publishing channel.
func (p *Publisher) Close() error {
	if err := p.confirmer.Close(); err != nil {
		return fmt.Errorf("close confirmer: %w", err)
	}

	return nil
}

// LogReturned returns an onReturn callback that only logs unroutable messages.
func LogReturned(logger *zap.Logger) func(Returned) {
	if logger == nil {
		logger = zap.L()
	}

	return func(r Returned) {
		logger.Warn("message returned unroutable",
			zap.String("exchange", r.Exchange),
			zap.String("routing_key", r.RoutingKey),
			zap.String("message_id", r.MessageID),
			zap.Uint16("reply_code", r.ReplyCode),
			zap.String("reply_text", r.ReplyText),
		)
	}
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		body, err := jsonAPI.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}

		return body, nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func destFields(dest Destination) []zap.Field {
	return []zap.Field{
		zap.String("exchange", dest.Exchange),
		zap.String("routing_key", dest.RoutingKey),
	}
}

func msgFields(msg *OutboundMessage) []zap.Field {
	return append(destFields(msg.Destination),
		zap.String("message_id", msg.MessageID),
		zap.Int("attempt", msg.Attempt),
	)
}
