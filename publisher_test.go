// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	eventbus "github.com/GwynCerbin/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type confirmerMock struct {
	mock.Mock
}

func (m *confirmerMock) Publish(ctx context.Context, msg *eventbus.OutboundMessage) (bool, error) {
	args := m.Called(ctx, msg)

	return args.Bool(0), args.Error(1)
}

func (m *confirmerMock) Close() error {
	return m.Called().Error(0)
}

type connState bool

func (c connState) IsConnected() bool { return bool(c) }

var usersDest = eventbus.Destination{Exchange: "events", RoutingKey: "users"}

func newObservedPublisher(c eventbus.Confirmer, conn eventbus.ConnectionState, cfg eventbus.PublisherConfig) (*eventbus.Publisher, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)

	return eventbus.NewPublisher(c, conn, cfg, eventbus.WithPublisherLogger(zap.New(core))), logs
}

func TestPublisherDefaults(t *testing.T) {
	p := eventbus.NewPublisher(&confirmerMock{}, connState(true), eventbus.PublisherConfig{MaxAttempts: -2})

	assert.Equal(t, 1, p.Config().MaxAttempts)
	assert.Equal(t, 5*time.Second, p.Config().ConfirmTimeout)
}

func TestSendDisconnectedDrops(t *testing.T) {
	confirmer := &confirmerMock{}
	p, logs := newObservedPublisher(confirmer, connState(false), eventbus.PublisherConfig{Exchange: "events"})

	outcome := p.Send(context.Background(), usersDest, map[string]string{"username": "ann"})

	assert.Equal(t, eventbus.Dropped, outcome)
	confirmer.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)

	dropped := logs.FilterMessage("broker disconnected, message dropped")
	require.Equal(t, 1, dropped.Len())
	assert.Equal(t, zapcore.WarnLevel, dropped.All()[0].Level)
	assert.Equal(t, `{"username":"ann"}`, dropped.All()[0].ContextMap()["payload"])
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestSendConfirmed(t *testing.T) {
	confirmer := &confirmerMock{}

	var sent *eventbus.OutboundMessage

	confirmer.On("Publish", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*eventbus.OutboundMessage) }).
		Return(true, nil).Once()

	p, logs := newObservedPublisher(confirmer, connState(true), eventbus.PublisherConfig{
		Exchange:   "events",
		AppID:      "producer",
		Persistent: true,
	})

	outcome := p.Send(context.Background(), usersDest, struct {
		Username string `json:"username"`
	}{Username: "ann"})

	assert.Equal(t, eventbus.Confirmed, outcome)
	confirmer.AssertExpectations(t)

	require.NotNil(t, sent)
	assert.Equal(t, usersDest, sent.Destination)
	assert.JSONEq(t, `{"username":"ann"}`, string(sent.Body))
	assert.Equal(t, "application/json", sent.ContentType)
	assert.NotEmpty(t, sent.MessageID)
	assert.Equal(t, "producer", sent.AppID)
	assert.True(t, sent.Persistent)
	assert.Equal(t, 1, sent.Attempt)

	assert.Equal(t, 1, logs.FilterMessage("message confirmed").FilterLevelExact(zapcore.InfoLevel).Len())
}

func TestSendPassesBytesThrough(t *testing.T) {
	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.MatchedBy(func(m *eventbus.OutboundMessage) bool {
		return string(m.Body) == "plain text" && m.ContentType == "text/plain; charset=utf-8"
	})).Return(true, nil).Once()

	p := eventbus.NewPublisher(confirmer, connState(true), eventbus.PublisherConfig{})

	assert.Equal(t, eventbus.Confirmed, p.Send(context.Background(), usersDest, []byte("plain text")))
	confirmer.AssertExpectations(t)
}

func TestSendFailureIsSwallowed(t *testing.T) {
	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.Anything).Return(false, errors.New("channel closed")).Times(3)

	p, logs := newObservedPublisher(confirmer, connState(true), eventbus.PublisherConfig{MaxAttempts: 3})

	outcome := p.Send(context.Background(), usersDest, "hello")

	assert.Equal(t, eventbus.Failed, outcome)
	confirmer.AssertExpectations(t)

	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len(), "exactly one error event per failed send")
	assert.Equal(t, 1, logs.FilterMessage("publish failed").Len())
	assert.Equal(t, 2, logs.FilterMessage("publish attempt failed, retrying").Len())
}

func TestSendRetriesUntilConfirmed(t *testing.T) {
	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.Anything).Return(false, nil).Once()
	confirmer.On("Publish", mock.Anything, mock.Anything).Return(true, nil).Once()

	p, logs := newObservedPublisher(confirmer, connState(true), eventbus.PublisherConfig{MaxAttempts: 3})

	assert.Equal(t, eventbus.Confirmed, p.Send(context.Background(), usersDest, "hello"))
	confirmer.AssertNumberOfCalls(t, "Publish", 2)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestSendNackFails(t *testing.T) {
	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.Anything).Return(false, nil).Once()

	p, logs := newObservedPublisher(confirmer, connState(true), eventbus.PublisherConfig{})

	assert.Equal(t, eventbus.Failed, p.Send(context.Background(), usersDest, "hello"))

	failed := logs.FilterMessage("publish failed")
	require.Equal(t, 1, failed.Len())
	assert.Equal(t, eventbus.NackedError{}.Error(), failed.All()[0].ContextMap()["error"])
}

func TestSendPanicIsContained(t *testing.T) {
	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("driver bug")
	}).Return(false, nil)

	p, logs := newObservedPublisher(confirmer, connState(true), eventbus.PublisherConfig{})

	assert.NotPanics(t, func() {
		assert.Equal(t, eventbus.Failed, p.Send(context.Background(), usersDest, "hello"))
	})
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestSendEncodeFailure(t *testing.T) {
	confirmer := &confirmerMock{}
	p, logs := newObservedPublisher(confirmer, connState(true), eventbus.PublisherConfig{})

	assert.Equal(t, eventbus.Failed, p.Send(context.Background(), usersDest, make(chan int)))
	confirmer.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	assert.Equal(t, 1, logs.FilterMessage("encode payload").Len())
}

func TestSendAttemptHasConfirmDeadline(t *testing.T) {
	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(false, context.DeadlineExceeded).Once()

	p := eventbus.NewPublisher(confirmer, connState(true), eventbus.PublisherConfig{ConfirmTimeout: 20 * time.Millisecond})

	start := time.Now()
	assert.Equal(t, eventbus.Failed, p.Send(context.Background(), usersDest, "hello"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendsAreIndependent(t *testing.T) {
	release := make(chan struct{})

	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.MatchedBy(func(m *eventbus.OutboundMessage) bool {
		return m.RoutingKey == "users"
	})).Run(func(mock.Arguments) { <-release }).Return(true, nil)
	confirmer.On("Publish", mock.Anything, mock.MatchedBy(func(m *eventbus.OutboundMessage) bool {
		return m.RoutingKey == "countries"
	})).Return(false, errors.New("boom"))

	p := eventbus.NewPublisher(confirmer, connState(true), eventbus.PublisherConfig{})

	countries := make(chan eventbus.Outcome, 1)
	users := make(chan eventbus.Outcome, 1)

	go func() { users <- p.Send(context.Background(), usersDest, "u") }()
	go func() {
		countries <- p.Send(context.Background(), eventbus.Destination{Exchange: "events", RoutingKey: "countries"}, "c")
	}()

	select {
	case outcome := <-countries:
		assert.Equal(t, eventbus.Failed, outcome)
	case <-time.After(time.Second):
		t.Fatal("a blocked send must not hold back another")
	}

	close(release)
	assert.Equal(t, eventbus.Confirmed, <-users)
}

func TestDrainRejectsAndWaits(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	confirmer := &confirmerMock{}
	confirmer.On("Publish", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(true, nil).Once()

	p, logs := newObservedPublisher(confirmer, connState(true), eventbus.PublisherConfig{})

	var (
		wg      sync.WaitGroup
		outcome eventbus.Outcome
	)

	wg.Add(1)

	go func() {
		defer wg.Done()
		outcome = p.Send(context.Background(), usersDest, "in flight")
	}()

	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Drain(ctx)

	var timeout eventbus.DrainTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, int64(1), timeout.InFlight)

	assert.Equal(t, eventbus.Rejected, p.Send(context.Background(), usersDest, "late"))
	assert.Equal(t, 1, logs.FilterMessage("publisher draining, message rejected").Len())

	close(release)
	wg.Wait()

	assert.Equal(t, eventbus.Confirmed, outcome)
	assert.NoError(t, p.Drain(context.Background()))
	confirmer.AssertNumberOfCalls(t, "Publish", 1)
}

func TestLogReturned(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	eventbus.LogReturned(zap.New(core))(eventbus.Returned{
		Destination: usersDest,
		ReplyCode:   312,
		ReplyText:   "NO_ROUTE",
		MessageID:   "id-1",
	})

	returned := logs.FilterMessage("message returned unroutable")
	require.Equal(t, 1, returned.Len())
	assert.Equal(t, zapcore.WarnLevel, returned.All()[0].Level)
	assert.Equal(t, "id-1", returned.All()[0].ContextMap()["message_id"])
}
