package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedSubscriber(t *testing.T) (*Subscriber, *Publisher) {
	t.Helper()
	client := newTestBroker(t)
	s := NewSubscriber(client, "ao:events", 100*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, NewPublisher(client, "ao:events")
}

func TestSubscribeDispatch(t *testing.T) {
	s, p := newStartedSubscriber(t)
	ctx := context.Background()

	seen := make(chan Event, 8)
	id, err := s.SubscribeToAllEvents(ctx, func(_ context.Context, event Event) error {
		seen <- event
		return nil
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, p.Publish(ctx, Event{
		EventType: EventTypeSessionStarted,
		SessionID: "sess-1",
	}))

	select {
	case event := <-seen:
		assert.Equal(t, EventTypeSessionStarted, event.EventType)
		assert.Equal(t, "sess-1", event.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}

	assert.Eventually(t, func() bool {
		return s.GetStatistics().EventsDispatched >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeByEventType(t *testing.T) {
	s, p := newStartedSubscriber(t)
	ctx := context.Background()

	seen := make(chan Event, 8)
	_, err := s.SubscribeToEventType(ctx, EventTypeMessageAck, func(_ context.Context, event Event) error {
		seen <- event
		return nil
	})
	require.NoError(t, err)

	// A different event type does not reach the handler.
	require.NoError(t, p.Publish(ctx, Event{EventType: EventTypeMessageNack}))
	require.NoError(t, p.Publish(ctx, Event{EventType: EventTypeMessageAck}))

	select {
	case event := <-seen:
		assert.Equal(t, EventTypeMessageAck, event.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}
	select {
	case extra := <-seen:
		t.Fatalf("unexpected extra event: %s", extra.EventType)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlerErrorsAreCountedNotPropagated(t *testing.T) {
	s, p := newStartedSubscriber(t)
	ctx := context.Background()

	_, err := s.SubscribeToAllEvents(ctx, func(context.Context, Event) error {
		return errors.New("handler blew up")
	})
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, Event{EventType: EventTypeChoiceMade}))

	assert.Eventually(t, func() bool {
		return s.GetStatistics().HandlerErrors >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	s, p := newStartedSubscriber(t)
	ctx := context.Background()

	_, err := s.SubscribeToAllEvents(ctx, func(context.Context, Event) error {
		panic("handler panic")
	})
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, Event{EventType: EventTypeChoiceMade}))

	assert.Eventually(t, func() bool {
		return s.GetStatistics().HandlerErrors >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// The loop survives: a second event still dispatches.
	require.NoError(t, p.Publish(ctx, Event{EventType: EventTypeChoiceMade}))
	assert.Eventually(t, func() bool {
		return s.GetStatistics().EventsDispatched >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeHandler(t *testing.T) {
	s, _ := newStartedSubscriber(t)
	ctx := context.Background()

	channel := s.Channels().All()
	id1, err := s.SubscribeToChannel(ctx, channel, func(context.Context, Event) error { return nil })
	require.NoError(t, err)
	id2, err := s.SubscribeToChannel(ctx, channel, func(context.Context, Event) error { return nil })
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	stats := s.GetStatistics()
	assert.Equal(t, 1, stats.ActiveChannels)
	assert.Equal(t, 2, stats.RegisteredCount)

	// Removing one handler keeps the channel open.
	s.UnsubscribeHandler(ctx, channel, id1)
	assert.Equal(t, 1, s.GetStatistics().ActiveChannels)

	// Removing the last one closes it.
	s.UnsubscribeHandler(ctx, channel, id2)
	assert.Zero(t, s.GetStatistics().ActiveChannels)
}

func TestUnsubscribeFromChannel(t *testing.T) {
	s, _ := newStartedSubscriber(t)
	ctx := context.Background()

	_, err := s.SubscribeToUserEvents(ctx, "user-1", func(context.Context, Event) error { return nil })
	require.NoError(t, err)
	_, err = s.SubscribeToWorkflowEvents(ctx, "wf-1", func(context.Context, Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, s.GetStatistics().ActiveChannels)

	s.UnsubscribeFromChannel(ctx, s.Channels().User("user-1"))
	assert.Equal(t, 1, s.GetStatistics().ActiveChannels)
}

func TestSubscribeBeforeStart(t *testing.T) {
	client := newTestBroker(t)
	s := NewSubscriber(client, "ao:events", time.Second)

	_, err := s.SubscribeToAllEvents(context.Background(), func(context.Context, Event) error { return nil })
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	client := newTestBroker(t)
	s := NewSubscriber(client, "ao:events", 100*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))

	s.Stop()
	assert.NotPanics(t, s.Stop)
}
