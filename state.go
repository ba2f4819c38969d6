// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the observed state of the broker connection.
type State int32

const (
	Disconnected State = iota
	Connected
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// StateChange is delivered to subscribers on every state transition.
type StateChange struct {
	From State
	To   State
	Err  error
	At   time.Time
}

type trackerOp uint8

const (
	opConnected trackerOp = iota
	opError
	opClosed
	opSubscribe
	opUnsubscribe
)

type trackerEvent struct {
	op      trackerOp
	err     error
	sub     chan StateChange
	applied chan struct{}
}

type errBox struct{ err error }

// Tracker owns the connection State. Lifecycle events are handed to a
// single goroutine that applies them in arrival order and fans out
// StateChange notifications; readers see the last applied state.
type Tracker struct {
	// events carries lifecycle events and subscriptions to the owner goroutine.
	events chan trackerEvent
	// done is closed by Close and stops the owner goroutine.
	done chan struct{}
	// state is the last applied State, written only by the owner goroutine.
	state atomic.Int32
	// lastErr keeps the most recent connection error.
	lastErr atomic.Value

	closeOnce sync.Once
	logger    *zap.Logger
}

// NewTracker starts a Tracker in the Disconnected state.
// A nil logger falls back to zap.L().
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.L()
	}

	t := &Tracker{
		events: make(chan trackerEvent),
		done:   make(chan struct{}),
		logger: logger,
	}

	go t.run()

	return t
}

// IsConnected reports whether publishing is currently allowed.
func (t *Tracker) IsConnected() bool {
	return t.State() == Connected
}

// State returns the last applied state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// LastError returns the most recent error passed to OnError, or nil.
func (t *Tracker) LastError() error {
	if box, ok := t.lastErr.Load().(errBox); ok {
		return box.err
	}

	return nil
}

// OnConnected records an established or re-established connection.
func (t *Tracker) OnConnected() {
	t.send(trackerEvent{op: opConnected})
}

// OnError records a connection error. The broker collaborator may still
// reconnect on its own; OnConnected brings the tracker back.
func (t *Tracker) OnError(err error) {
	t.send(trackerEvent{op: opError, err: err})
}

// OnClosed records an explicit connection close.
func (t *Tracker) OnClosed() {
	t.send(trackerEvent{op: opClosed})
}

// Subscribe returns a channel of state changes and a cancel func.
// Slow subscribers miss changes rather than block the tracker.
func (t *Tracker) Subscribe() (<-chan StateChange, func()) {
	sub := make(chan StateChange, 8)

	if !t.send(trackerEvent{op: opSubscribe, sub: sub}) {
		close(sub)
	}

	var once sync.Once

	return sub, func() {
		once.Do(func() {
			t.send(trackerEvent{op: opUnsubscribe, sub: sub})
		})
	}
}

// Close stops the tracker and closes all subscriber channels.
// Events sent after Close are ignored.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

// send hands ev to the owner goroutine and waits until it is applied.
// It reports false if the tracker was closed before taking ev; an event
// taken by the owner is always applied, subscriptions included.
func (t *Tracker) send(ev trackerEvent) bool {
	ev.applied = make(chan struct{})

	select {
	case <-t.done:
		return false
	case t.events <- ev:
	}

	select {
	case <-t.done:
	case <-ev.applied:
	}

	return true
}

func (t *Tracker) run() {
	subs := make(map[chan StateChange]struct{})

	for {
		select {
		case <-t.done:
			for sub := range subs {
				close(sub)
			}

			return
		case ev := <-t.events:
			switch ev.op {
			case opSubscribe:
				subs[ev.sub] = struct{}{}
			case opUnsubscribe:
				if _, ok := subs[ev.sub]; ok {
					delete(subs, ev.sub)
					close(ev.sub)
				}
			default:
				t.apply(ev, subs)
			}

			close(ev.applied)
		}
	}
}

func (t *Tracker) apply(ev trackerEvent, subs map[chan StateChange]struct{}) {
	from := t.State()
	to := from

	switch ev.op {
	case opConnected:
		to = Connected
		t.logger.Info("broker connected", zap.Stringer("previous", from))
	case opError:
		t.lastErr.Store(errBox{err: ev.err})
		to = Errored
		t.logger.Error("broker connection error", zap.Stringer("previous", from), zap.Error(ev.err))
	case opClosed:
		to = Disconnected
		t.logger.Warn("broker connection closed", zap.Stringer("previous", from))
	}

	t.state.Store(int32(to))

	if to == from {
		return
	}

	change := StateChange{From: from, To: to, Err: ev.err, At: time.Now()}

	for sub := range subs {
		select {
		case sub <- change:
		default:
			t.logger.Debug("state subscriber lagging, change dropped", zap.Stringer("state", to))
		}
	}
}
