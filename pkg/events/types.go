// Package events provides the broker-backed publish/subscribe layer:
// progress and lifecycle events are published to Redis channels, and
// subscribers bind handler sets to channels with a background receive loop.
package events

import "time"

// Event types emitted by the core and its callers.
const (
	EventTypeWorkflowProgress     = "workflow_progress"
	EventTypeMessageDelivered     = "message_delivered"
	EventTypeMessageAck           = "message_ack"
	EventTypeMessageNack          = "message_nack"
	EventTypeConsequenceApplied   = "consequence_applied"
	EventTypeChoiceMade           = "choice_made"
	EventTypeSafetyCheckTriggered = "safety_check_triggered"
	EventTypeSessionStarted       = "session_started"
	EventTypeSessionPaused        = "session_paused"
	EventTypeSessionResumed       = "session_resumed"
	EventTypeSessionEnded         = "session_ended"
)

// Event is the JSON envelope published to broker channels. Entity id
// fields are optional; each non-empty one routes a copy of the event to
// that entity's channel in addition to the all-events and type channels.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	Timestamp  string         `json:"timestamp"` // RFC3339Nano
	SessionID  string         `json:"session_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Channels derives broker channel names under a configured prefix.
type Channels struct {
	Prefix string
}

// All returns the channel that carries every event.
func (c Channels) All() string {
	return c.Prefix + ":all"
}

// Type returns the channel for one event type.
func (c Channels) Type(eventType string) string {
	return c.Prefix + ":" + eventType
}

// Agent returns the per-agent channel.
func (c Channels) Agent(agentID string) string {
	return c.Prefix + ":agent:" + agentID
}

// User returns the per-user channel.
func (c Channels) User(userID string) string {
	return c.Prefix + ":user:" + userID
}

// Workflow returns the per-workflow channel.
func (c Channels) Workflow(workflowID string) string {
	return c.Prefix + ":workflow:" + workflowID
}

// timestampNow renders the canonical event timestamp.
func timestampNow() string {
	return time.Now().Format(time.RFC3339Nano)
}
