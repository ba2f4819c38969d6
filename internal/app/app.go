// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/GwynCerbin/eventbus/internal/config"
	"github.com/GwynCerbin/eventbus/internal/monitor"
	"github.com/GwynCerbin/eventbus/internal/server"
	"go.uber.org/zap"
)

const startRetryDelay = 2 * time.Second

// Params describes one service process.
//   - Dial:    broker dialer, adapter.Dialer in production
//   - Hooks:   run in order by Ready, before the HTTP server starts
//   - Options: extra routes and middleware of the HTTP server
type Params struct {
	Config  config.Config
	Dial    eventbus.Dialer
	Logger  *zap.Logger
	Hooks   []eventbus.ReadyHook
	Options []server.Option
}

// Run connects to the broker, signals ready, serves HTTP and blocks until
// ctx is done or the server fails. Shutdown is always performed.
func Run(ctx context.Context, p Params) error {
	cfg, logger := p.Config, p.Logger
	if logger == nil {
		logger = zap.L()
	}

	m := eventbus.NewManager(cfg.RabbitURL, p.Dial,
		eventbus.WithDrainTimeout(cfg.DrainTimeout),
		eventbus.WithManagerLogger(logger),
	)

	for _, hook := range p.Hooks {
		m.OnReady(hook)
	}

	sched, err := monitor.NewScheduler(cfg.StatsSchedule, m, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg, m, logger, p.Options...)

	defer shutdown(cfg, m, sched, srv, logger)

	if err = start(ctx, m, logger); err != nil {
		return err
	}

	if err = m.Ready(ctx); err != nil {
		return fmt.Errorf("ready: %w", err)
	}

	sched.Start()

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")

		return nil
	case err = <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// start dials until the broker answers or ctx is done.
func start(ctx context.Context, m *eventbus.Manager, logger *zap.Logger) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		err := m.Start(ctx)
		if err == nil {
			return nil
		}

		var notReady eventbus.NotReadyError
		if errors.As(err, &notReady) {
			return err
		}

		logger.Warn("broker unavailable, retrying", zap.Int("attempt", attempt), zap.Duration("retry_in", startRetryDelay), zap.Error(err))
		timer.Reset(startRetryDelay)
	}
}

func shutdown(cfg config.Config, m *eventbus.Manager, sched *monitor.Scheduler, srv *server.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	sched.Stop(ctx)

	m.Shutdown(context.Background())
}
