// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package events defines the domain payloads exchanged by the services.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/brianvoe/gofakeit/v7"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Routing keys of the topic exchange.
const (
	UsersKey     = "users"
	CountriesKey = "countries"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type Country struct {
	ID      string `json:"id"`
	Country string `json:"country"`
	City    string `json:"city"`
}

// Generator produces fake users and countries. It is safe for concurrent use.
type Generator struct {
	mute  sync.Mutex
	faker *gofakeit.Faker
	now   func() time.Time
}

// NewGenerator returns a generator; seed 0 picks a random seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed), now: time.Now}
}

func (g *Generator) User() User {
	g.mute.Lock()
	defer g.mute.Unlock()

	return User{
		ID:        g.faker.UUID(),
		Username:  g.faker.Username(),
		Email:     g.faker.Email(),
		CreatedAt: g.now().UTC(),
	}
}

func (g *Generator) Country() Country {
	g.mute.Lock()
	defer g.mute.Unlock()

	return Country{
		ID:      g.faker.UUID(),
		Country: g.faker.Country(),
		City:    g.faker.City(),
	}
}

// UserHandler decodes a user event and logs it. Undecodable or incomplete
// payloads are nacked.
func UserHandler(logger *zap.Logger) eventbus.Handler {
	return eventbus.Implicit(func(_ context.Context, msg eventbus.Message) error {
		var u User
		if err := jsonAPI.Unmarshal(msg.Body(), &u); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}

		if u.ID == "" {
			return errors.New("decode user: missing id")
		}

		logger.Info("received user",
			zap.String("queue", msg.Queue()),
			zap.String("message_id", msg.MessageID()),
			zap.String("user_id", u.ID),
			zap.String("username", u.Username),
		)

		return nil
	})
}

// CountryHandler decodes a country event and logs it.
func CountryHandler(logger *zap.Logger) eventbus.Handler {
	return eventbus.Implicit(func(_ context.Context, msg eventbus.Message) error {
		var c Country
		if err := jsonAPI.Unmarshal(msg.Body(), &c); err != nil {
			return fmt.Errorf("decode country: %w", err)
		}

		if c.ID == "" {
			return errors.New("decode country: missing id")
		}

		logger.Info("received country",
			zap.String("queue", msg.Queue()),
			zap.String("message_id", msg.MessageID()),
			zap.String("country", c.Country),
			zap.String("city", c.City),
		)

		return nil
	})
}

// LogHandler logs any delivery and acks it.
func LogHandler(logger *zap.Logger) eventbus.Handler {
	return func(_ context.Context, msg eventbus.Message) eventbus.Result {
		logger.Info("received message",
			zap.String("queue", msg.Queue()),
			zap.String("routing_key", msg.RoutingKey()),
			zap.String("message_id", msg.MessageID()),
			zap.String("content_type", msg.ContentType()),
			zap.ByteString("payload", msg.Body()),
		)

		return eventbus.Ack()
	}
}
