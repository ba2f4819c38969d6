// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"context"
	"fmt"
)

// Router maps routing keys to handlers.
type Router map[string]Handler

func NewRouter() Router {
	return make(Router)
}

func (r Router) Add(key string, h Handler) Router {
	r[key] = h

	return r
}

// Handler snapshots the routes into a single Handler. Deliveries with an
// unknown routing key are nacked with UnroutedMessage.
func (r Router) Handler() (Handler, error) {
	if len(r) == 0 {
		return nil, EmptyRoutError{}
	}

	routes := make(Router, len(r))
	for k, v := range r {
		routes[k] = v
	}

	return func(ctx context.Context, msg Message) Result {
		h, ok := routes[msg.RoutingKey()]
		if !ok {
			return Nack(fmt.Errorf("%w, routing key: %s", UnroutedMessage{}, msg.RoutingKey()))
		}

		return h(ctx, msg)
	}, nil
}
