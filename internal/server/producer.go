// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package server

import (
	"context"
	"net/http"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/GwynCerbin/eventbus/internal/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Sender is the publishing side used by the producer route.
type Sender interface {
	Send(ctx context.Context, dest eventbus.Destination, payload interface{}) eventbus.Outcome
}

// ProducerRoutes registers POST /rabbitmq. The handler fires one users and
// one countries event and answers without waiting for their outcome.
func ProducerRoutes(sender func() Sender, exchange string, gen *events.Generator, logger *zap.Logger) Option {
	return func(r *gin.Engine) {
		r.POST("/rabbitmq", func(c *gin.Context) {
			user, country := gen.User(), gen.Country()

			p := sender()
			if p == nil {
				logger.Warn("publisher not ready, events dropped",
					zap.String("user_id", user.ID), zap.String("country_id", country.ID))
			} else {
				ctx := context.WithoutCancel(c.Request.Context())

				go p.Send(ctx, eventbus.Destination{Exchange: exchange, RoutingKey: events.UsersKey}, user)
				go p.Send(ctx, eventbus.Destination{Exchange: exchange, RoutingKey: events.CountriesKey}, country)
			}

			c.JSON(http.StatusOK, gin.H{"user": user, "country": country})
		})
	}
}
