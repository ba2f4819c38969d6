// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package monitor

import (
	"context"
	"fmt"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Source is what the monitor reports on.
type Source interface {
	Tracker() *eventbus.Tracker
	Handles() []*eventbus.Handle
	State() eventbus.LifecycleState
}

// Scheduler periodically logs broker state and consumer statistics.
type Scheduler struct {
	c      *cron.Cron
	src    Source
	logger *zap.Logger
}

// NewScheduler registers the stats job under spec, e.g. "@every 30s".
func NewScheduler(spec string, src Source, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		c:      cron.New(),
		src:    src,
		logger: logger,
	}

	if _, err := s.c.AddFunc(spec, s.Report); err != nil {
		return nil, fmt.Errorf("schedule stats %q: %w", spec, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop stops the scheduler and waits for a running report until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}

// Report logs one snapshot. Disconnected brokers are reported as warnings.
func (s *Scheduler) Report() {
	tracker := s.src.Tracker()

	fields := []zap.Field{
		zap.Stringer("state", tracker.State()),
		zap.Stringer("lifecycle", s.src.State()),
	}

	if !tracker.IsConnected() {
		s.logger.Warn("broker unhealthy", append(fields, zap.NamedError("last_error", tracker.LastError()))...)
	} else {
		s.logger.Info("broker healthy", fields...)
	}

	for _, h := range s.src.Handles() {
		stats := h.Stats()

		s.logger.Info("consumer stats",
			zap.String("queue", stats.Queue),
			zap.Int("messages", stats.Messages),
			zap.Int("consumers", stats.Consumers),
			zap.Int64("in_flight", stats.InFlight),
			zap.Int64("acked", stats.Acked),
			zap.Int64("nacked", stats.Nacked),
		)
	}
}
