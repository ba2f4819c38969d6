// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"context"

	"go.uber.org/zap"
)

const deadLetterSuffix = ".dlq"

// DeadLetterBinding returns the binding of the queue that receives messages
// rejected from b. The result carries no dead-letter target of its own, so
// there is no second tier.
func DeadLetterBinding(b QueueBinding) QueueBinding {
	return QueueBinding{
		Queue:   deadLetterQueue(b),
		Durable: true,
		Bindings: []Binding{
			{Exchange: b.DeadLetterExchange, RoutingKey: deadLetterKey(b)},
		},
	}
}

func deadLetterQueue(b QueueBinding) string {
	if b.DeadLetterQueue != "" {
		return b.DeadLetterQueue
	}

	return b.Queue + deadLetterSuffix
}

func deadLetterKey(b QueueBinding) string {
	if b.DeadLetterRoutingKey != "" {
		return b.DeadLetterRoutingKey
	}

	return b.Queue
}

// Terminal is the handler of a dead-letter queue: the message is logged
// and acknowledged.
func Terminal(logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.L()
	}

	return func(_ context.Context, msg Message) Result {
		fields := append(deliveryFields(msg), zap.ByteString("payload", msg.Body()))

		if death, ok := firstDeath(msg.Headers()); ok {
			fields = append(fields,
				zap.Any("original_queue", death["queue"]),
				zap.Any("reason", death["reason"]),
				zap.Any("count", death["count"]),
			)
		}

		logger.Warn("dead-lettered message", fields...)

		return Ack()
	}
}

// firstDeath extracts the most recent x-death entry the broker attaches
// to dead-lettered messages.
func firstDeath(headers map[string]interface{}) (map[string]interface{}, bool) {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return nil, false
	}

	death, ok := deaths[0].(map[string]interface{})
	if ok {
		return death, true
	}

	return nil, false
}
