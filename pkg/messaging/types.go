// Package messaging provides the durable message coordinator: per-agent
// priority queues with reservation/ack/nack semantics, visibility timeouts,
// delivery-attempt tracking, and a dead-letter queue, all backed by the
// shared Redis store.
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidMessage indicates a malformed message envelope (e.g. a
// message_id shorter than the minimum length). Unknown reservation tokens
// are not errors: Ack treats them as already released and Nack reports
// them as (false, nil).
var ErrInvalidMessage = errors.New("invalid message")

// minMessageIDLength is the minimum accepted message_id length.
const minMessageIDLength = 6

// AgentType identifies a category of agent in the fleet.
type AgentType string

// Known agent types.
const (
	AgentTypeInputProcessor     AgentType = "input_processor"
	AgentTypeWorldBuilder       AgentType = "world_builder"
	AgentTypeNarrativeGenerator AgentType = "narrative_generator"
)

// AllAgentTypes lists every known agent type, in a stable order. The state
// validator iterates this when discovering instances to repair.
var AllAgentTypes = []AgentType{
	AgentTypeInputProcessor,
	AgentTypeWorldBuilder,
	AgentTypeNarrativeGenerator,
}

// IsValid checks if the agent type is valid.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTypeInputProcessor, AgentTypeWorldBuilder, AgentTypeNarrativeGenerator:
		return true
	default:
		return false
	}
}

// DefaultInstance is the sentinel instance name used when an AgentID carries
// no explicit instance.
const DefaultInstance = "default"

// AgentID addresses a single agent: a type plus an optional instance used
// for sharding/pooling. Instance names must not contain ':' because they are
// embedded in store keys.
type AgentID struct {
	Type     AgentType `json:"type"`
	Instance string    `json:"instance,omitempty"`
}

// NewAgentID builds an AgentID, normalizing an empty instance to the
// default sentinel.
func NewAgentID(t AgentType, instance string) AgentID {
	if instance == "" {
		instance = DefaultInstance
	}
	return AgentID{Type: t, Instance: instance}
}

// InstanceOrDefault returns the instance name, substituting the sentinel
// for an empty value.
func (a AgentID) InstanceOrDefault() string {
	if a.Instance == "" {
		return DefaultInstance
	}
	return a.Instance
}

// String renders the id as "type:instance".
func (a AgentID) String() string {
	return string(a.Type) + ":" + a.InstanceOrDefault()
}

// MessageType classifies a message envelope.
type MessageType string

// Message type values.
const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeEvent    MessageType = "event"
)

// IsValid checks if the message type is valid.
func (t MessageType) IsValid() bool {
	return t == MessageTypeRequest || t == MessageTypeResponse || t == MessageTypeEvent
}

// Priority orders messages within a queue. Higher values are delivered
// first.
type Priority int

// Priority levels.
const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 9
)

// prioritiesDescending is the receive scan order: highest priority first.
var prioritiesDescending = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// IsValid checks if the priority is a known level.
func (p Priority) IsValid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// FailureType controls nack behavior.
type FailureType string

// Failure classifications.
const (
	// FailureTransient re-enqueues the message with exponential backoff.
	FailureTransient FailureType = "transient"
	// FailurePermanent moves the message to the dead-letter queue.
	FailurePermanent FailureType = "permanent"
	// FailureTimeout is treated like a transient failure.
	FailureTimeout FailureType = "timeout"
)

// IsValid checks if the failure type is valid.
func (f FailureType) IsValid() bool {
	return f == FailureTransient || f == FailurePermanent || f == FailureTimeout
}

// Routing carries optional topic-based routing hints on a message.
type Routing struct {
	Topic string   `json:"topic,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// AgentMessage is the immutable message envelope exchanged between agents.
type AgentMessage struct {
	MessageID   string         `json:"message_id"`
	Sender      AgentID        `json:"sender"`
	Recipient   AgentID        `json:"recipient"`
	MessageType MessageType    `json:"message_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    Priority       `json:"priority"`
	Routing     *Routing       `json:"routing,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Validate checks envelope well-formedness. Violations indicate programmer
// error on the sending side.
func (m *AgentMessage) Validate() error {
	if len(m.MessageID) < minMessageIDLength {
		return ErrInvalidMessage
	}
	if !m.MessageType.IsValid() {
		return ErrInvalidMessage
	}
	if !m.Priority.IsValid() {
		return ErrInvalidMessage
	}
	if !m.Recipient.Type.IsValid() {
		return ErrInvalidMessage
	}
	return nil
}

// QueueMessage is the wire form stored in the shared store: the envelope
// plus queueing metadata.
type QueueMessage struct {
	Message          AgentMessage `json:"message"`
	Priority         Priority     `json:"priority"`
	EnqueuedAt       int64        `json:"enqueued_at"` // microseconds since epoch
	DeliveryAttempts int          `json:"delivery_attempts"`
	LastError        string       `json:"last_error,omitempty"`
}

// ReceivedMessage wraps a reserved QueueMessage with its reservation token
// and visibility deadline. The token is opaque; consumers pass it back to
// Ack or Nack unchanged.
type ReceivedMessage struct {
	Token              string
	Message            QueueMessage
	VisibilityDeadline time.Time
}

// MessageResult reports the outcome of a send.
type MessageResult struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// MessageSink is the send-side capability of the coordinator. Components
// that only produce messages should depend on this, not on *Coordinator.
type MessageSink interface {
	Send(ctx context.Context, msg AgentMessage) MessageResult
	Broadcast(ctx context.Context, msg AgentMessage, recipients []AgentID) []MessageResult
}

// MessageSource is the consume-side capability of the coordinator.
type MessageSource interface {
	Receive(ctx context.Context, agent AgentID, visibility time.Duration) (*ReceivedMessage, error)
	Ack(ctx context.Context, agent AgentID, token string) (bool, error)
	Nack(ctx context.Context, agent AgentID, token string, failure FailureType, errMsg string) (bool, error)
}
