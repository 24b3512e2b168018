package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventPublisher is the publish capability other components depend on.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Publisher broadcasts events over the broker. Each event is published to
// the all-events channel, its type channel, and the channel of every
// entity id the envelope names. Publishing is fan-out only; there is no
// persistence and no delivery guarantee beyond what the broker provides.
type Publisher struct {
	client   redis.UniversalClient
	channels Channels
}

// NewPublisher creates a Publisher over the given broker connection and
// channel prefix.
func NewPublisher(client redis.UniversalClient, channelPrefix string) *Publisher {
	return &Publisher{
		client:   client,
		channels: Channels{Prefix: channelPrefix},
	}
}

// Publish fans an event out to its channels. Missing event_id and
// timestamp fields are filled in. Returns the first broker error
// encountered; remaining channels are still attempted.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp == "" {
		event.Timestamp = timestampNow()
	}
	if event.EventType == "" {
		return fmt.Errorf("event %s has no event_type", event.EventID)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}

	targets := []string{
		p.channels.All(),
		p.channels.Type(event.EventType),
	}
	if event.AgentID != "" {
		targets = append(targets, p.channels.Agent(event.AgentID))
	}
	if event.UserID != "" {
		targets = append(targets, p.channels.User(event.UserID))
	}
	if event.WorkflowID != "" {
		targets = append(targets, p.channels.Workflow(event.WorkflowID))
	}

	var firstErr error
	for _, channel := range targets {
		if err := p.client.Publish(ctx, channel, payload).Err(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to publish to %s: %w", channel, err)
		}
	}
	return firstErr
}
