// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/GwynCerbin/eventbus/adapter"
	"github.com/GwynCerbin/eventbus/internal/app"
	"github.com/GwynCerbin/eventbus/internal/config"
	"github.com/GwynCerbin/eventbus/internal/events"
	"github.com/GwynCerbin/eventbus/internal/logging"
	"github.com/GwynCerbin/eventbus/internal/server"
	"go.uber.org/zap"
)

const service = "producer"

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

	var publisher atomic.Pointer[eventbus.Publisher]

	sender := func() server.Sender {
		if p := publisher.Load(); p != nil {
			return p
		}

		return nil
	}

	err = app.Run(ctx, app.Params{
		Config: cfg,
		Dial:   adapter.Dialer(adapter.Client{MaxReconnectTime: cfg.ReconnectMax, Logger: logger}),
		Logger: logger,
		Hooks: []eventbus.ReadyHook{func(_ context.Context, m *eventbus.Manager) error {
			p, err := m.NewPublisher(eventbus.PublisherConfig{
				Exchange:       cfg.Exchange,
				ExchangeType:   "topic",
				Durable:        true,
				ConfirmMode:    true,
				MaxAttempts:    cfg.PublishMaxAttempts,
				ConfirmTimeout: cfg.ConfirmTimeout,
				AppID:          service,
				Persistent:     true,
			})
			if err != nil {
				return err
			}

			publisher.Store(p)

			return nil
		}},
		Options: []server.Option{
			server.ProducerRoutes(sender, cfg.Exchange, events.NewGenerator(uint64(time.Now().UnixNano())), logger),
		},
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
