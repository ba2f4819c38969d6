// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/GwynCerbin/eventbus/adapter"
	"github.com/GwynCerbin/eventbus/internal/app"
	"github.com/GwynCerbin/eventbus/internal/config"
	"github.com/GwynCerbin/eventbus/internal/events"
	"github.com/GwynCerbin/eventbus/internal/logging"
	"go.uber.org/zap"
)

const (
	service = "consumer-1"
	queue   = "q.consumer-1"
)

func main() {
	cfg, err := config.LoadFromEnv(os.LookupEnv)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLog, err := logging.New(logging.Config{Service: service, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	binding := eventbus.QueueBinding{
		Queue:              queue,
		Durable:            true,
		Bindings:           []eventbus.Binding{{Exchange: cfg.Exchange, RoutingKey: events.UsersKey}},
		DeadLetterExchange: cfg.DeadLetterExchange(),
	}

	err = app.Run(ctx, app.Params{
		Config: cfg,
		Dial:   adapter.Dialer(adapter.Client{MaxReconnectTime: cfg.ReconnectMax, Logger: logger}),
		Logger: logger,
		Hooks: []eventbus.ReadyHook{func(ctx context.Context, m *eventbus.Manager) error {
			if err := m.DeclareExchange(eventbus.ExchangeConfig{Name: cfg.Exchange, Kind: "topic", Durable: true}); err != nil {
				return err
			}

			if _, err := m.Subscribe(ctx, binding, events.LogHandler(logger), eventbus.WithPrefetch(cfg.Prefetch)); err != nil {
				return err
			}

			_, err := m.Subscribe(ctx, eventbus.DeadLetterBinding(binding), eventbus.Terminal(logger))

			return err
		}},
	})

	stop()

	if err != nil {
		logger.Error("service stopped", zap.Error(err))
	}

	_ = closeLog()

	if err != nil {
		os.Exit(1)
	}
}
