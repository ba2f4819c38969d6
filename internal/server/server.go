// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/GwynCerbin/eventbus/internal/config"
	"github.com/GwynCerbin/eventbus/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const readHeaderTimeout = 10 * time.Second

// Health reports the lifecycle and broker state for /health.
type Health interface {
	Tracker() *eventbus.Tracker
	State() eventbus.LifecycleState
}

type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

// Option customizes the engine before routes are served.
type Option func(r *gin.Engine)

// WithCORS reflects the request origin with credentials.
func WithCORS() Option {
	return func(r *gin.Engine) {
		r.Use(middleware.CORS())
	}
}

// WithRoutes registers service routes.
func WithRoutes(register func(r *gin.Engine)) Option {
	return register
}

func New(cfg config.Config, health Health, logger *zap.Logger, opts ...Option) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger))

	for _, opt := range opts {
		opt(r)
	}

	r.GET("/health", healthHandler(health))

	return &Server{
		engine: r,
		http: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

func healthHandler(health Health) gin.HandlerFunc {
	return func(c *gin.Context) {
		tracker := health.Tracker()

		body := gin.H{
			"status":    "ok",
			"broker":    tracker.State().String(),
			"lifecycle": health.State().String(),
		}

		if !tracker.IsConnected() {
			body["status"] = "degraded"
			if err := tracker.LastError(); err != nil {
				body["error"] = err.Error()
			}

			c.JSON(http.StatusServiceUnavailable, body)

			return
		}

		c.JSON(http.StatusOK, body)
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Engine returns the underlying Gin engine (for testing)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
