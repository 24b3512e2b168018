package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/storyweave/agentcore/pkg/config"
)

// Coordinator is the durable message coordinator. Every (agent type,
// instance) pair owns a priority-ordered queue in the shared store;
// consumers reserve messages with a visibility timeout and must ack or
// nack each reservation.
//
// Ordering: strict across priorities (9 > 5 > 1), FIFO by enqueue time
// within a priority. When two enqueue timestamps collide, Redis breaks the
// tie by lexicographic member order; the sched zset and the queue list are
// kept consistent with each other either way.
//
// The coordinator holds no local locks across store operations; atomicity
// is per-command at the store layer. ZREM returning 1 is the claim that
// guarantees at-most-one-in-flight per message.
type Coordinator struct {
	client redis.UniversalClient
	cfg    *config.CoordinatorConfig
	keys   Keyspace

	// now is overridable in tests.
	now func() time.Time
}

// NewCoordinator creates a message coordinator over the shared store.
func NewCoordinator(client redis.UniversalClient, cfg *config.CoordinatorConfig) *Coordinator {
	return &Coordinator{
		client: client,
		cfg:    cfg,
		keys:   NewKeyspace(cfg.KeyPrefix),
		now:    time.Now,
	}
}

// Keys exposes the coordinator's keyspace (used by the state validator).
func (c *Coordinator) Keys() Keyspace {
	return c.keys
}

// Send enqueues a message for its recipient. The envelope's sender,
// recipient, and priority must already be set. Persistence failures are
// reported via MessageResult.Delivered=false; there is no local retry.
func (c *Coordinator) Send(ctx context.Context, msg AgentMessage) MessageResult {
	result := MessageResult{MessageID: msg.MessageID}

	if err := msg.Validate(); err != nil {
		result.Error = err.Error()
		return result
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}

	qm := &QueueMessage{
		Message:          msg,
		Priority:         msg.Priority,
		EnqueuedAt:       micros(c.now()),
		DeliveryAttempts: 0,
	}
	data, err := encodeQueueMessage(qm)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	recipient := NewAgentID(msg.Recipient.Type, msg.Recipient.Instance)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, c.keys.Queue(recipient), data)
	pipe.ZAdd(ctx, c.keys.Sched(recipient, msg.Priority), redis.Z{
		Score:  float64(qm.EnqueuedAt),
		Member: data,
	})
	pipe.HIncrBy(ctx, c.keys.Metrics(), metricMessagesSent, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to enqueue message",
			"message_id", msg.MessageID, "recipient", recipient.String(), "error", err)
		result.Error = err.Error()
		return result
	}

	messagesSent.WithLabelValues(string(recipient.Type)).Inc()
	result.Delivered = true
	return result
}

// Broadcast sends a copy of the message to every recipient. Deliveries are
// independent; there is no atomicity across recipients.
func (c *Coordinator) Broadcast(ctx context.Context, msg AgentMessage, recipients []AgentID) []MessageResult {
	results := make([]MessageResult, 0, len(recipients))
	for _, r := range recipients {
		m := msg
		m.Recipient = r
		results = append(results, c.Send(ctx, m))
	}
	return results
}

// Receive reserves the next message for the agent, scanning priorities
// high to low and taking the oldest visible payload within a priority.
// Returns (nil, nil) when every priority is empty. visibility <= 0 uses
// the configured default.
//
// Each successful reservation increments the payload's delivery_attempts
// by exactly one.
func (c *Coordinator) Receive(ctx context.Context, agent AgentID, visibility time.Duration) (*ReceivedMessage, error) {
	if visibility <= 0 {
		visibility = c.cfg.VisibilityTimeout
	}
	agent = NewAgentID(agent.Type, agent.Instance)
	nowUs := micros(c.now())
	maxScore := strconv.FormatInt(nowUs, 10)

	for _, p := range prioritiesDescending {
		schedKey := c.keys.Sched(agent, p)
		for {
			members, err := c.client.ZRangeByScore(ctx, schedKey, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   maxScore,
				Count: 1,
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan priority %d for %s: %w", p, agent.String(), err)
			}
			if len(members) == 0 {
				break // next priority
			}

			member := members[0]
			// The ZREM is the atomic claim: only one consumer removes a
			// given member. Losing the race means another consumer took
			// it; try the next payload.
			removed, err := c.client.ZRem(ctx, schedKey, member).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to claim payload for %s: %w", agent.String(), err)
			}
			if removed == 0 {
				continue
			}
			// Remove the mirrored FIFO list entry. Best-effort: the sched
			// zset is authoritative for visibility.
			if err := c.client.LRem(ctx, c.keys.Queue(agent), 1, member).Err(); err != nil {
				slog.Warn("Failed to remove queue list mirror entry",
					"agent", agent.String(), "error", err)
			}

			qm, err := decodeQueueMessage([]byte(member))
			if err != nil {
				slog.Error("Undecodable payload in sched set, moving to DLQ",
					"agent", agent.String(), "error", err)
				_ = c.client.RPush(ctx, c.keys.DLQ(agent), member).Err()
				continue
			}

			qm.DeliveryAttempts++
			if c.cfg.MaxDeliveryAttempts > 0 && qm.DeliveryAttempts > c.cfg.MaxDeliveryAttempts {
				qm.LastError = fmt.Sprintf("delivery attempts exceeded limit %d", c.cfg.MaxDeliveryAttempts)
				if err := c.deadLetter(ctx, agent, qm); err != nil {
					slog.Error("Failed to dead-letter over-limit message",
						"message_id", qm.Message.MessageID, "error", err)
				}
				continue
			}

			return c.reserve(ctx, agent, qm, member, visibility)
		}
	}

	return nil, nil
}

// reserve mints a token and records the reservation. The deadline zset is
// written before the reservation hash so a crash in between leaves only a
// dangling deadline, which recovery cleans without touching payloads.
func (c *Coordinator) reserve(ctx context.Context, agent AgentID, qm *QueueMessage, original string, visibility time.Duration) (*ReceivedMessage, error) {
	token := uuid.NewString()
	deadlineUs := micros(c.now()) + visibility.Microseconds()

	data, err := encodeQueueMessage(qm)
	if err != nil {
		// Payload decoded a moment ago; an encode failure here means the
		// claim must be undone so the message is not lost.
		c.requeue(ctx, agent, qm.Priority, original, float64(qm.EnqueuedAt))
		return nil, err
	}

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, c.keys.ReservedDeadlines(agent), redis.Z{
		Score:  float64(deadlineUs),
		Member: token,
	})
	pipe.HSet(ctx, c.keys.Reserved(agent), token, data)
	pipe.HIncrBy(ctx, c.keys.Metrics(), metricMessagesReceived, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.requeue(ctx, agent, qm.Priority, original, float64(qm.EnqueuedAt))
		return nil, fmt.Errorf("failed to record reservation for %s: %w", agent.String(), err)
	}

	messagesReceived.WithLabelValues(string(agent.Type)).Inc()
	return &ReceivedMessage{
		Token:              token,
		Message:            *qm,
		VisibilityDeadline: timeFromMicros(deadlineUs),
	}, nil
}

// requeue restores a claimed payload after a failed reservation write.
func (c *Coordinator) requeue(ctx context.Context, agent AgentID, p Priority, member string, score float64) {
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, c.keys.Sched(agent, p), redis.Z{Score: score, Member: member})
	pipe.RPush(ctx, c.keys.Queue(agent), member)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to restore claimed payload; recovery will not find it",
			"agent", agent.String(), "error", err)
	}
}

// Ack releases a reservation, removing the token from both the reservation
// hash and the deadline set. Acking an unknown or already-released token is
// a no-op that still reports success.
func (c *Coordinator) Ack(ctx context.Context, agent AgentID, token string) (bool, error) {
	agent = NewAgentID(agent.Type, agent.Instance)
	pipe := c.client.TxPipeline()
	pipe.HDel(ctx, c.keys.Reserved(agent), token)
	pipe.ZRem(ctx, c.keys.ReservedDeadlines(agent), token)
	pipe.HIncrBy(ctx, c.keys.Metrics(), metricMessagesAcked, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to ack token for %s: %w", agent.String(), err)
	}
	messagesAcked.WithLabelValues(string(agent.Type)).Inc()
	return true, nil
}

// Nack reports a processing failure for a reservation. Permanent failures
// go straight to the dead-letter queue; transient and timeout failures are
// re-enqueued with exponential backoff based on the payload's current
// delivery_attempts. Returns false for a token that is not reserved.
func (c *Coordinator) Nack(ctx context.Context, agent AgentID, token string, failure FailureType, errMsg string) (bool, error) {
	if !failure.IsValid() {
		return false, fmt.Errorf("invalid failure type %q", failure)
	}
	agent = NewAgentID(agent.Type, agent.Instance)

	data, err := c.client.HGet(ctx, c.keys.Reserved(agent), token).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load reservation for %s: %w", agent.String(), err)
	}

	pipe := c.client.TxPipeline()
	pipe.HDel(ctx, c.keys.Reserved(agent), token)
	pipe.ZRem(ctx, c.keys.ReservedDeadlines(agent), token)
	pipe.HIncrBy(ctx, c.keys.Metrics(), metricMessagesNacked, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to release reservation for %s: %w", agent.String(), err)
	}

	qm, err := decodeQueueMessage([]byte(data))
	if err != nil {
		// Reservation is already gone; push the raw bytes to the DLQ so
		// nothing is silently lost.
		slog.Error("Undecodable reserved payload, moving raw bytes to DLQ",
			"agent", agent.String(), "error", err)
		_ = c.client.RPush(ctx, c.keys.DLQ(agent), data).Err()
		return true, nil
	}
	if errMsg != "" {
		qm.LastError = errMsg
	}

	messagesNacked.WithLabelValues(string(agent.Type), string(failure)).Inc()

	if failure == FailurePermanent {
		if err := c.deadLetter(ctx, agent, qm); err != nil {
			return false, err
		}
		return true, nil
	}

	// transient and timeout: re-enqueue with backoff.
	delay := c.backoffDelay(qm.DeliveryAttempts)
	if err := c.enqueueExisting(ctx, agent, qm, micros(c.now())+delay.Microseconds()); err != nil {
		// The reservation is already deleted; dead-letter as a last
		// resort to avoid silent loss.
		slog.Error("Re-enqueue after nack failed, dead-lettering payload",
			"message_id", qm.Message.MessageID, "error", err)
		if dlqErr := c.deadLetter(ctx, agent, qm); dlqErr != nil {
			return false, dlqErr
		}
	}
	return true, nil
}

// RecoverPending re-enqueues reservations whose visibility deadline has
// passed. A nil agent scans every instance of every agent type. Returns
// the number of payloads recovered.
//
// Safe to run concurrently with live consumers: a token acked between the
// deadline scan and the payload load simply yields a missing payload, and
// only the stale deadline entry is removed.
func (c *Coordinator) RecoverPending(ctx context.Context, agent *AgentID) (int, error) {
	if agent != nil {
		a := NewAgentID(agent.Type, agent.Instance)
		return c.recoverInstance(ctx, a)
	}

	total := 0
	iter := c.client.Scan(ctx, 0, c.keys.DeadlinesPattern(""), 100).Iterator()
	for iter.Next(ctx) {
		a, ok := c.keys.AgentFromKey("reserved_deadlines", iter.Val())
		if !ok {
			continue
		}
		n, err := c.recoverInstance(ctx, a)
		total += n
		if err != nil {
			return total, err
		}
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("failed to scan reservation deadlines: %w", err)
	}
	return total, nil
}

// recoverInstance recovers expired reservations for one (type, instance).
func (c *Coordinator) recoverInstance(ctx context.Context, agent AgentID) (int, error) {
	nowUs := micros(c.now())
	tokens, err := c.client.ZRangeByScore(ctx, c.keys.ReservedDeadlines(agent), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowUs, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired deadlines for %s: %w", agent.String(), err)
	}

	recovered := 0
	for _, token := range tokens {
		n, err := c.recoverToken(ctx, agent, token)
		recovered += n
		if err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// recoverToken handles a single expired reservation token. Returns 1 when
// a payload was re-enqueued (or dead-lettered past the attempt ceiling),
// 0 when only a stale deadline entry was cleaned.
func (c *Coordinator) recoverToken(ctx context.Context, agent AgentID, token string) (int, error) {
	data, err := c.client.HGet(ctx, c.keys.Reserved(agent), token).Result()
	if errors.Is(err, redis.Nil) {
		// Acked concurrently, or a dangling deadline from a partial
		// reservation write. Clean the deadline entry.
		_ = c.client.ZRem(ctx, c.keys.ReservedDeadlines(agent), token).Err()
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load expired reservation for %s: %w", agent.String(), err)
	}

	cleanup := func() {
		pipe := c.client.TxPipeline()
		pipe.HDel(ctx, c.keys.Reserved(agent), token)
		pipe.ZRem(ctx, c.keys.ReservedDeadlines(agent), token)
		_, _ = pipe.Exec(ctx)
	}

	qm, err := decodeQueueMessage([]byte(data))
	if err != nil {
		slog.Error("Undecodable expired reservation, moving raw bytes to DLQ",
			"agent", agent.String(), "error", err)
		_ = c.client.RPush(ctx, c.keys.DLQ(agent), data).Err()
		cleanup()
		return 0, nil
	}

	if c.cfg.MaxDeliveryAttempts > 0 && qm.DeliveryAttempts >= c.cfg.MaxDeliveryAttempts {
		qm.LastError = fmt.Sprintf("delivery attempts exceeded limit %d", c.cfg.MaxDeliveryAttempts)
		if err := c.deadLetter(ctx, agent, qm); err != nil {
			return 0, err
		}
		cleanup()
		return 1, nil
	}

	// Re-enqueue immediately visible: the consumer already burned its
	// visibility window, no additional backoff is applied.
	if err := c.enqueueExisting(ctx, agent, qm, micros(c.now())); err != nil {
		return 0, err
	}
	cleanup()
	reservationsRecovered.Inc()
	_ = c.client.HIncrBy(ctx, c.keys.Metrics(), metricRecoveries, 1).Err()
	return 1, nil
}

// enqueueExisting re-inserts an already-tracked payload into both the
// sched zset (at the given visibility score) and the queue list.
func (c *Coordinator) enqueueExisting(ctx context.Context, agent AgentID, qm *QueueMessage, scoreUs int64) error {
	data, err := encodeQueueMessage(qm)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, c.keys.Sched(agent, qm.Priority), redis.Z{
		Score:  float64(scoreUs),
		Member: data,
	})
	pipe.RPush(ctx, c.keys.Queue(agent), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to re-enqueue message %s for %s: %w", qm.Message.MessageID, agent.String(), err)
	}
	return nil
}

// deadLetter appends a payload to the agent's dead-letter queue. Messages
// in the DLQ are never re-enqueued by the core.
func (c *Coordinator) deadLetter(ctx context.Context, agent AgentID, qm *QueueMessage) error {
	data, err := encodeQueueMessage(qm)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, c.keys.DLQ(agent), data)
	pipe.HIncrBy(ctx, c.keys.Metrics(), metricMessagesDeadLettered, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter message %s for %s: %w", qm.Message.MessageID, agent.String(), err)
	}
	messagesDeadLettered.WithLabelValues(string(agent.Type)).Inc()
	return nil
}

// backoffDelay computes the nack re-enqueue delay: min(base * 2^attempts, cap).
func (c *Coordinator) backoffDelay(attempts int) time.Duration {
	if attempts > 30 {
		attempts = 30
	}
	d := c.cfg.NackBackoffBase << uint(attempts)
	if d <= 0 || d > c.cfg.NackBackoffCap {
		return c.cfg.NackBackoffCap
	}
	return d
}
