package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-local delivery counters. The host decides how (and whether) to
// expose the default registry; the store-side {pfx}:wf:metrics hash carries
// the cross-process counters.
var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_messages_sent_total",
		Help: "Messages accepted by the coordinator, by recipient agent type.",
	}, []string{"agent_type"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_messages_received_total",
		Help: "Messages reserved by consumers, by agent type.",
	}, []string{"agent_type"})

	messagesAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_messages_acked_total",
		Help: "Reservations acknowledged, by agent type.",
	}, []string{"agent_type"})

	messagesNacked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_messages_nacked_total",
		Help: "Reservations negatively acknowledged, by agent type and failure type.",
	}, []string{"agent_type", "failure_type"})

	messagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentcore_messages_dead_lettered_total",
		Help: "Messages moved to the dead-letter queue, by agent type.",
	}, []string{"agent_type"})

	reservationsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcore_reservations_recovered_total",
		Help: "Expired reservations re-enqueued by recovery.",
	})

	validationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentcore_state_validation_errors_total",
		Help: "Inconsistencies encountered by the state validator.",
	})
)

// Store-side metric field names within the {pfx}:wf:metrics hash.
const (
	metricMessagesSent         = "messages_sent"
	metricMessagesReceived     = "messages_received"
	metricMessagesAcked        = "messages_acked"
	metricMessagesNacked       = "messages_nacked"
	metricMessagesDeadLettered = "messages_dead_lettered"
	metricRecoveries           = "recoveries"
	metricValidationErrors     = "state_validation_errors"
)
