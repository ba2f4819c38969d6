// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

type LookupFunc func(key string) (string, bool)

type Config struct {
	AppHost string
	AppPort string

	RabbitURL          string
	Exchange           string
	ReconnectMax       time.Duration
	PublishMaxAttempts int
	ConfirmTimeout     time.Duration
	Prefetch           int
	DrainTimeout       time.Duration

	LogLevel      string
	LogFile       string
	StatsSchedule string
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.AppHost, c.AppPort)
}

// DeadLetterExchange is the exchange rejected messages are routed to.
func (c Config) DeadLetterExchange() string {
	return c.Exchange + ".dlx"
}

func LoadFromEnv(lookup LookupFunc) (Config, error) {
	cfg := Config{
		AppHost:       stringOr(lookup, "APP_HOST", "0.0.0.0"),
		AppPort:       stringOr(lookup, "APP_PORT", "3000"),
		LogLevel:      stringOr(lookup, "LOG_LEVEL", "info"),
		LogFile:       stringOr(lookup, "LOG_FILE", ""),
		StatsSchedule: stringOr(lookup, "STATS_SCHEDULE", "@every 30s"),
	}

	var ok bool
	if cfg.RabbitURL, ok = lookup("RABBITMQ_CONNECTION"); !ok || cfg.RabbitURL == "" {
		return Config{}, errors.New("RABBITMQ_CONNECTION is required")
	}
	if cfg.Exchange, ok = lookup("RABBITMQ_EXCHANGE"); !ok || cfg.Exchange == "" {
		return Config{}, errors.New("RABBITMQ_EXCHANGE is required")
	}

	var err error
	if cfg.PublishMaxAttempts, err = intOr(lookup, "PUBLISH_MAX_ATTEMPTS", 1); err != nil {
		return Config{}, err
	}
	if cfg.Prefetch, err = intOr(lookup, "CONSUMER_PREFETCH", 1); err != nil {
		return Config{}, err
	}
	if cfg.ConfirmTimeout, err = durationOr(lookup, "PUBLISH_CONFIRM_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DrainTimeout, err = durationOr(lookup, "DRAIN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMax, err = durationOr(lookup, "RABBITMQ_RECONNECT_MAX", 32*time.Second); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func stringOr(lookup LookupFunc, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}

	return def
}

func intOr(lookup LookupFunc, key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}

	return n, nil
}

func durationOr(lookup LookupFunc, key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}

	return d, nil
}
