package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValidatorReport summarizes one repair pass.
type ValidatorReport struct {
	Repaired int `json:"repaired"`
	Errors   int `json:"errors"`
}

// StateValidator periodically repairs coordinator state: expired
// reservations are re-enqueued, dangling deadline entries are removed, and
// reservation tokens that lost their deadline are treated as expired.
//
// The validator never returns an error from a sweep; failures are counted
// in the report and in the store-side state_validation_errors metric. All
// repairs are idempotent and safe to run concurrently with live consumers
// and with validators on other processes.
type StateValidator struct {
	client      redis.UniversalClient
	coordinator *Coordinator
	keys        Keyspace
	interval    time.Duration

	// now is overridable in tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStateValidator creates a validator over the same store and keyspace
// as the coordinator it repairs.
func NewStateValidator(client redis.UniversalClient, coordinator *Coordinator, interval time.Duration) *StateValidator {
	return &StateValidator{
		client:      client,
		coordinator: coordinator,
		keys:        coordinator.Keys(),
		interval:    interval,
		now:         time.Now,
	}
}

// Start launches the background sweep loop.
func (v *StateValidator) Start(ctx context.Context) {
	if v.cancel != nil {
		return
	}
	ctx, v.cancel = context.WithCancel(ctx)
	v.done = make(chan struct{})

	go v.run(ctx)

	slog.Info("State validator started", "interval", v.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (v *StateValidator) Stop() {
	if v.cancel == nil {
		return
	}
	v.cancel()
	<-v.done
	slog.Info("State validator stopped")
}

func (v *StateValidator) run(ctx context.Context) {
	defer close(v.done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := v.ValidateAndRepair(ctx)
			if report.Repaired > 0 || report.Errors > 0 {
				slog.Info("State validation pass complete",
					"repaired", report.Repaired, "errors", report.Errors)
			}
		}
	}
}

// ValidateAndRepair runs one full repair pass and reports how many
// reservations were repaired and how many errors were swallowed.
//
// Three passes run per instance, deliberately overlapping: delegation to
// the coordinator's own recovery, a direct deadline/orphan inspection, and
// a final brute-force scan over every reservation hash. The overlap guards
// against scan and ordering races in the shared store; each pass is
// idempotent, so repeated repair of the same token is harmless.
func (v *StateValidator) ValidateAndRepair(ctx context.Context) ValidatorReport {
	var report ValidatorReport

	for _, agentType := range AllAgentTypes {
		instances, err := v.discoverInstances(ctx, agentType)
		if err != nil {
			v.countError(ctx, &report, "instance discovery failed", agentType, err)
			continue
		}
		for _, agent := range instances {
			// Pass 1: delegate to the coordinator's recovery.
			a := agent
			n, err := v.coordinator.RecoverPending(ctx, &a)
			report.Repaired += n
			if err != nil {
				v.countError(ctx, &report, "coordinator recovery failed", agentType, err)
			}

			// Pass 2: direct deadline inspection plus orphaned tokens.
			n, errs := v.repairInstance(ctx, agent)
			report.Repaired += n
			report.Errors += errs
		}
	}

	// Pass 3: brute-force safety net over every reservation hash, keyed
	// off raw key bytes so encoding mismatches cannot hide a reservation.
	n, errs := v.bruteForcePass(ctx)
	report.Repaired += n
	report.Errors += errs

	return report
}

// discoverInstances unions the instances visible through the deadline zsets
// and the reservation hashes. Both scans run because a single scan can miss
// keys in small environments due to timing.
func (v *StateValidator) discoverInstances(ctx context.Context, t AgentType) ([]AgentID, error) {
	seen := make(map[string]AgentID)

	for _, scan := range []struct{ kind, pattern string }{
		{"reserved_deadlines", v.keys.DeadlinesPattern(t)},
		{"reserved", v.keys.ReservedPattern(t)},
	} {
		iter := v.client.Scan(ctx, 0, scan.pattern, 100).Iterator()
		for iter.Next(ctx) {
			if agent, ok := v.keys.AgentFromKey(scan.kind, iter.Val()); ok {
				seen[agent.String()] = agent
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %w", scan.kind, err)
		}
	}

	instances := make([]AgentID, 0, len(seen))
	for _, agent := range seen {
		instances = append(instances, agent)
	}
	return instances, nil
}

// repairInstance expires reservations for one instance: tokens whose
// deadline score has passed, and tokens present in the reservation hash
// with no deadline entry at all.
func (v *StateValidator) repairInstance(ctx context.Context, agent AgentID) (repaired, errs int) {
	deadlinesKey := v.keys.ReservedDeadlines(agent)
	nowUs := micros(v.now())

	expired, err := v.client.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowUs, 10),
	}).Result()
	if err != nil {
		v.recordError(ctx, "deadline scan failed", agent, err)
		return 0, 1
	}

	tokens, err := v.client.HKeys(ctx, v.keys.Reserved(agent)).Result()
	if err != nil {
		v.recordError(ctx, "reservation scan failed", agent, err)
		return 0, 1
	}
	// Tokens with no deadline entry are orphans of a partial reservation
	// write; treat them as already expired.
	for _, token := range tokens {
		_, err := v.client.ZScore(ctx, deadlinesKey, token).Result()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, token)
		} else if err != nil {
			v.recordError(ctx, "deadline lookup failed", agent, err)
			errs++
		}
	}

	for _, token := range expired {
		n, err := v.expireToken(ctx, agent, token)
		repaired += n
		if err != nil {
			v.recordError(ctx, "token repair failed", agent, err)
			errs++
		}
	}
	return repaired, errs
}

// expireToken re-enqueues one expired reservation. Missing payloads only
// clean the deadline entry; undecodable payloads go to the DLQ so the
// bytes are preserved. The reservation and deadline entries are always
// removed.
func (v *StateValidator) expireToken(ctx context.Context, agent AgentID, token string) (int, error) {
	return v.coordinator.recoverToken(ctx, agent, token)
}

// bruteForcePass iterates every reservation hash under the prefix using
// the raw key bytes returned by SCAN and repeats the expiry check. This is
// the safety net for reservations whose deadline zset was lost entirely or
// whose keys would not round-trip through re-encoding.
func (v *StateValidator) bruteForcePass(ctx context.Context) (repaired, errs int) {
	iter := v.client.Scan(ctx, 0, v.keys.ReservedPattern(""), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		agent, ok := v.keys.AgentFromKey("reserved", key)
		if !ok {
			continue
		}
		n, e := v.repairInstance(ctx, agent)
		repaired += n
		errs += e
	}
	if err := iter.Err(); err != nil {
		v.recordError(ctx, "brute-force scan failed", AgentID{}, err)
		errs++
	}
	return repaired, errs
}

func (v *StateValidator) countError(ctx context.Context, report *ValidatorReport, msg string, t AgentType, err error) {
	report.Errors++
	slog.Error("State validation error", "agent_type", t, "error", err, "detail", msg)
	validationErrors.Inc()
	_ = v.client.HIncrBy(ctx, v.keys.Metrics(), metricValidationErrors, 1).Err()
}

func (v *StateValidator) recordError(ctx context.Context, msg string, agent AgentID, err error) {
	slog.Error("State validation error", "agent", agent.String(), "error", err, "detail", msg)
	validationErrors.Inc()
	_ = v.client.HIncrBy(ctx, v.keys.Metrics(), metricValidationErrors, 1).Err()
}
