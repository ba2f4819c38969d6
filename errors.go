// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import "fmt"

// EmptyRoutError is returned when a Router without routes is used as a handler.
type EmptyRoutError struct{}

// UnroutedMessage reports a delivery whose routing key has no route.
type UnroutedMessage struct{}

// ConsumerCloseError wraps a failure to close a consumer source.
type ConsumerCloseError struct{}

// ConsumerClosedError is returned by a Source once it has been closed.
type ConsumerClosedError struct{}

// ConnClosedError is returned when operations are attempted on a closed connection.
type ConnClosedError struct{}

// EmptyBindingError is returned when a QueueBinding has no queue name.
type EmptyBindingError struct{}

// DrainTimeoutError reports in-flight work still running when a drain deadline expired.
type DrainTimeoutError struct {
	InFlight int64
}

// NotReadyError is returned when an operation needs the Ready state.
type NotReadyError struct {
	State LifecycleState
}

// HandlerPanicError carries a value recovered from a panicking handler.
type HandlerPanicError struct {
	Value interface{}
}

func (EmptyRoutError) Error() string {
	return "empty route"
}

func (UnroutedMessage) Error() string {
	return "unrouted message"
}

func (ConsumerCloseError) Error() string {
	return "close consumer, dropped with error"
}

func (ConsumerClosedError) Error() string {
	return "consumer already closed, unable to provide"
}

func (ConnClosedError) Error() string {
	return "connection closed by client"
}

func (EmptyBindingError) Error() string {
	return "queue binding without queue name"
}

func (e DrainTimeoutError) Error() string {
	return fmt.Sprintf("drain timeout, %d still in flight", e.InFlight)
}

func (e NotReadyError) Error() string {
	return fmt.Sprintf("lifecycle not ready, state: %s", e.State)
}

func (e HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// NackedError reports a publish the broker negatively confirmed.
type NackedError struct{}

func (NackedError) Error() string {
	return "message nacked by broker"
}
