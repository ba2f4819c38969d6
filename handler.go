// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"context"
	"errors"
)

// Result is the disposition a Handler asks for: ack, or nack with a reason.
// The zero Result is an ack.
type Result struct {
	nack   bool
	reason error
}

// Ack acknowledges the message.
func Ack() Result {
	return Result{}
}

// Nack rejects the message without requeue. A nil reason is allowed.
func Nack(reason error) Result {
	return Result{nack: true, reason: reason}
}

// IsAck reports whether the result acknowledges the message.
func (r Result) IsAck() bool {
	return !r.nack
}

// Reason returns the nack reason, or nil for an ack.
func (r Result) Reason() error {
	return r.reason
}

// Handler processes one delivery.
type Handler func(ctx context.Context, msg Message) Result

// ErrFalsyResult is the nack reason used by Explicit for a false return.
var ErrFalsyResult = errors.New("handler reported failure")

// Implicit adapts a handler whose normal completion means success.
func Implicit(fn func(ctx context.Context, msg Message) error) Handler {
	return func(ctx context.Context, msg Message) Result {
		if err := fn(ctx, msg); err != nil {
			return Nack(err)
		}

		return Ack()
	}
}

// Explicit adapts a handler that signals success with a boolean.
func Explicit(fn func(ctx context.Context, msg Message) bool) Handler {
	return func(ctx context.Context, msg Message) Result {
		if !fn(ctx, msg) {
			return Nack(ErrFalsyResult)
		}

		return Ack()
	}
}
