package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// collectChannel subscribes to one raw channel and forwards decoded events.
func collectChannel(t *testing.T, client redis.UniversalClient, channel string) <-chan Event {
	t.Helper()
	ctx := context.Background()
	pubsub := client.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = pubsub.Close() })

	// Wait for the subscription to be established before publishing.
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	out := make(chan Event, 8)
	go func() {
		for msg := range pubsub.Channel() {
			var event Event
			if json.Unmarshal([]byte(msg.Payload), &event) == nil {
				out <- event
			}
		}
	}()
	return out
}

func TestPublishFanOut(t *testing.T) {
	client := newTestBroker(t)
	p := NewPublisher(client, "ao:events")

	all := collectChannel(t, client, "ao:events:all")
	byType := collectChannel(t, client, "ao:events:workflow_progress")
	byUser := collectChannel(t, client, "ao:events:user:user-1")
	byWorkflow := collectChannel(t, client, "ao:events:workflow:wf-1")

	err := p.Publish(context.Background(), Event{
		EventType:  EventTypeWorkflowProgress,
		UserID:     "user-1",
		WorkflowID: "wf-1",
		Data:       map[string]any{"progress_percentage": 25.0},
	})
	require.NoError(t, err)

	for name, ch := range map[string]<-chan Event{
		"all": all, "type": byType, "user": byUser, "workflow": byWorkflow,
	} {
		select {
		case event := <-ch:
			assert.Equal(t, EventTypeWorkflowProgress, event.EventType, name)
			assert.NotEmpty(t, event.EventID, name)
			assert.NotEmpty(t, event.Timestamp, name)
			assert.Equal(t, "user-1", event.UserID, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("no event on %s channel", name)
		}
	}
}

func TestPublishSkipsEmptyEntityChannels(t *testing.T) {
	client := newTestBroker(t)
	p := NewPublisher(client, "ao:events")

	all := collectChannel(t, client, "ao:events:all")

	err := p.Publish(context.Background(), Event{EventType: EventTypeSessionStarted})
	require.NoError(t, err)

	select {
	case event := <-all:
		assert.Empty(t, event.UserID)
		assert.Empty(t, event.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event on all channel")
	}
}

func TestPublishRequiresEventType(t *testing.T) {
	client := newTestBroker(t)
	p := NewPublisher(client, "ao:events")

	err := p.Publish(context.Background(), Event{Data: map[string]any{"k": "v"}})
	assert.Error(t, err)
}

func TestChannelNames(t *testing.T) {
	c := Channels{Prefix: "ao:events"}
	assert.Equal(t, "ao:events:all", c.All())
	assert.Equal(t, "ao:events:workflow_progress", c.Type(EventTypeWorkflowProgress))
	assert.Equal(t, "ao:events:agent:world_builder:default", c.Agent("world_builder:default"))
	assert.Equal(t, "ao:events:user:u-9", c.User("u-9"))
	assert.Equal(t, "ao:events:workflow:wf-9", c.Workflow("wf-9"))
}
