package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one event delivered on a subscribed channel. Handler
// errors are counted and logged, never propagated to the receive loop.
type Handler func(ctx context.Context, event Event) error

// HandlerID identifies a registered handler for later removal.
type HandlerID int

// retryDelay is the pause after a broker read failure before the
// subscription loop retries.
const retryDelay = time.Second

// SubscriberStatistics is a snapshot of subscriber health counters.
type SubscriberStatistics struct {
	ActiveChannels   int    `json:"active_channels"`
	RegisteredCount  int    `json:"registered_handlers"`
	EventsDispatched uint64 `json:"events_dispatched"`
	HandlerErrors    uint64 `json:"handler_errors"`
	DecodeErrors     uint64 `json:"decode_errors"`
}

// Subscriber binds handler sets to broker channels. The first handler
// registered for a channel opens the broker subscription; removing the
// last one closes it. A single background loop reads from the broker with
// a short timeout and dispatches to every handler of the message's
// channel.
type Subscriber struct {
	client      redis.UniversalClient
	channels    Channels
	readTimeout time.Duration

	mu       sync.Mutex
	handlers map[string]map[HandlerID]Handler
	nextID   HandlerID
	pubsub   *redis.PubSub

	eventsDispatched atomic.Uint64
	handlerErrors    atomic.Uint64
	decodeErrors     atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber creates a Subscriber over the given broker connection and
// channel prefix. Call Start before registering handlers.
func NewSubscriber(client redis.UniversalClient, channelPrefix string, readTimeout time.Duration) *Subscriber {
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	return &Subscriber{
		client:      client,
		channels:    Channels{Prefix: channelPrefix},
		readTimeout: readTimeout,
		handlers:    make(map[string]map[HandlerID]Handler),
	}
}

// Channels exposes the subscriber's channel naming scheme.
func (s *Subscriber) Channels() Channels {
	return s.channels
}

// Start opens the broker subscription connection and launches the receive
// loop. Safe to call once; subsequent calls are no-ops.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return nil
	}

	// Subscribe with no channels yet; channels attach as handlers register.
	s.pubsub = s.client.Subscribe(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.receiveLoop(loopCtx)

	slog.Info("Event subscriber started", "channel_prefix", s.channels.Prefix)
	return nil
}

// Stop cancels the receive loop, waits for it to finish, and closes the
// broker subscription.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	pubsub := s.pubsub
	cancel := s.cancel
	done := s.done
	s.pubsub = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	<-done
	slog.Info("Event subscriber stopped")
}

// SubscribeToChannel registers a handler for a raw channel name and
// returns its id. The first handler for a channel opens the broker
// subscription for it.
func (s *Subscriber) SubscribeToChannel(ctx context.Context, channel string, h Handler) (HandlerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pubsub == nil {
		return 0, errors.New("subscriber not started")
	}

	if _, exists := s.handlers[channel]; !exists {
		if err := s.pubsub.Subscribe(ctx, channel); err != nil {
			return 0, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
		}
		s.handlers[channel] = make(map[HandlerID]Handler)
	}

	s.nextID++
	id := s.nextID
	s.handlers[channel][id] = h
	return id, nil
}

// SubscribeToAllEvents registers a handler for every event.
func (s *Subscriber) SubscribeToAllEvents(ctx context.Context, h Handler) (HandlerID, error) {
	return s.SubscribeToChannel(ctx, s.channels.All(), h)
}

// SubscribeToEventType registers a handler for one event type.
func (s *Subscriber) SubscribeToEventType(ctx context.Context, eventType string, h Handler) (HandlerID, error) {
	return s.SubscribeToChannel(ctx, s.channels.Type(eventType), h)
}

// SubscribeToAgentEvents registers a handler for one agent's events.
func (s *Subscriber) SubscribeToAgentEvents(ctx context.Context, agentID string, h Handler) (HandlerID, error) {
	return s.SubscribeToChannel(ctx, s.channels.Agent(agentID), h)
}

// SubscribeToUserEvents registers a handler for one user's events.
func (s *Subscriber) SubscribeToUserEvents(ctx context.Context, userID string, h Handler) (HandlerID, error) {
	return s.SubscribeToChannel(ctx, s.channels.User(userID), h)
}

// SubscribeToWorkflowEvents registers a handler for one workflow's events.
func (s *Subscriber) SubscribeToWorkflowEvents(ctx context.Context, workflowID string, h Handler) (HandlerID, error) {
	return s.SubscribeToChannel(ctx, s.channels.Workflow(workflowID), h)
}

// UnsubscribeHandler removes one handler. The broker subscription is
// closed when the channel's handler set empties.
func (s *Subscriber) UnsubscribeHandler(ctx context.Context, channel string, id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.handlers[channel]
	if !exists {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		s.closeChannelLocked(ctx, channel)
	}
}

// UnsubscribeFromChannel removes every handler for a channel and closes
// its broker subscription.
func (s *Subscriber) UnsubscribeFromChannel(ctx context.Context, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[channel]; !exists {
		return
	}
	s.closeChannelLocked(ctx, channel)
}

func (s *Subscriber) closeChannelLocked(ctx context.Context, channel string) {
	delete(s.handlers, channel)
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
			slog.Warn("Failed to unsubscribe broker channel", "channel", channel, "error", err)
		}
	}
}

// GetStatistics returns a snapshot of subscriber counters.
func (s *Subscriber) GetStatistics() SubscriberStatistics {
	s.mu.Lock()
	channels := len(s.handlers)
	registered := 0
	for _, set := range s.handlers {
		registered += len(set)
	}
	s.mu.Unlock()

	return SubscriberStatistics{
		ActiveChannels:   channels,
		RegisteredCount:  registered,
		EventsDispatched: s.eventsDispatched.Load(),
		HandlerErrors:    s.handlerErrors.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
	}
}

// receiveLoop reads broker messages until the context is cancelled. Read
// timeouts just re-poll; other errors pause briefly before retrying.
func (s *Subscriber) receiveLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		pubsub := s.pubsub
		s.mu.Unlock()
		if pubsub == nil {
			return
		}

		msg, err := pubsub.ReceiveTimeout(ctx, s.readTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			slog.Warn("Broker receive error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			s.dispatch(ctx, m.Channel, []byte(m.Payload))
		case *redis.Subscription:
			// Channel attach/detach confirmations; nothing to dispatch.
		}
	}
}

// dispatch parses the payload and invokes every handler registered for
// the channel. Handler panics and errors are isolated.
func (s *Subscriber) dispatch(ctx context.Context, channel string, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		s.decodeErrors.Add(1)
		slog.Warn("Undecodable event payload", "channel", channel, "error", err)
		return
	}

	s.mu.Lock()
	set := s.handlers[channel]
	snapshot := make([]Handler, 0, len(set))
	for _, h := range set {
		snapshot = append(snapshot, h)
	}
	s.mu.Unlock()

	for _, h := range snapshot {
		s.invoke(ctx, channel, event, h)
	}
	if len(snapshot) > 0 {
		s.eventsDispatched.Add(1)
	}
}

func (s *Subscriber) invoke(ctx context.Context, channel string, event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.handlerErrors.Add(1)
			slog.Error("Event handler panicked",
				"channel", channel, "event_type", event.EventType, "panic", r)
		}
	}()
	if err := h(ctx, event); err != nil {
		s.handlerErrors.Add(1)
		slog.Warn("Event handler failed",
			"channel", channel, "event_type", event.EventType, "error", err)
	}
}
