package messaging

import (
	"fmt"
	"strconv"
	"strings"
)

// Keyspace builds the store keys the coordinator and validator own. All
// state lives under a single configurable prefix:
//
//	{pfx}:queue:{type}:{instance}                 list, newest-enqueued at tail
//	{pfx}:sched:{type}:{instance}:prio:{P}        zset, score = enqueue_time_us
//	{pfx}:reserved:{type}:{instance}              hash: token → JSON(QueueMessage)
//	{pfx}:reserved_deadlines:{type}:{instance}    zset: token → deadline_us
//	{pfx}:dlq:{type}:{instance}                   list of JSON(QueueMessage)
//	{pfx}:wf:metrics                              hash of numeric counters
type Keyspace struct {
	Prefix string
}

// NewKeyspace returns a Keyspace for the given prefix.
func NewKeyspace(prefix string) Keyspace {
	return Keyspace{Prefix: prefix}
}

// Queue returns the FIFO list key for an agent.
func (k Keyspace) Queue(a AgentID) string {
	return fmt.Sprintf("%s:queue:%s:%s", k.Prefix, a.Type, a.InstanceOrDefault())
}

// Sched returns the per-priority scheduling zset key for an agent.
func (k Keyspace) Sched(a AgentID, p Priority) string {
	return fmt.Sprintf("%s:sched:%s:%s:prio:%d", k.Prefix, a.Type, a.InstanceOrDefault(), p)
}

// Reserved returns the reservation hash key for an agent.
func (k Keyspace) Reserved(a AgentID) string {
	return fmt.Sprintf("%s:reserved:%s:%s", k.Prefix, a.Type, a.InstanceOrDefault())
}

// ReservedDeadlines returns the reservation-deadline zset key for an agent.
func (k Keyspace) ReservedDeadlines(a AgentID) string {
	return fmt.Sprintf("%s:reserved_deadlines:%s:%s", k.Prefix, a.Type, a.InstanceOrDefault())
}

// DLQ returns the dead-letter list key for an agent.
func (k Keyspace) DLQ(a AgentID) string {
	return fmt.Sprintf("%s:dlq:%s:%s", k.Prefix, a.Type, a.InstanceOrDefault())
}

// Metrics returns the shared numeric-counter hash key.
func (k Keyspace) Metrics() string {
	return k.Prefix + ":wf:metrics"
}

// ReservedPattern returns the SCAN pattern matching every reservation hash,
// optionally restricted to one agent type.
func (k Keyspace) ReservedPattern(t AgentType) string {
	if t == "" {
		return k.Prefix + ":reserved:*"
	}
	return fmt.Sprintf("%s:reserved:%s:*", k.Prefix, t)
}

// DeadlinesPattern returns the SCAN pattern matching every deadline zset,
// optionally restricted to one agent type.
func (k Keyspace) DeadlinesPattern(t AgentType) string {
	if t == "" {
		return k.Prefix + ":reserved_deadlines:*"
	}
	return fmt.Sprintf("%s:reserved_deadlines:%s:*", k.Prefix, t)
}

// AgentFromKey extracts the AgentID addressed by a "{pfx}:{kind}:{type}:{instance}"
// key. Agent types and instance names must not contain ':'.
func (k Keyspace) AgentFromKey(kind, key string) (AgentID, bool) {
	prefix := k.Prefix + ":" + kind + ":"
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return AgentID{}, false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return AgentID{}, false
	}
	t := AgentType(parts[0])
	if !t.IsValid() {
		return AgentID{}, false
	}
	return AgentID{Type: t, Instance: parts[1]}, true
}

// parsePriorityFromSchedKey extracts the priority suffix of a sched key.
func parsePriorityFromSchedKey(key string) (Priority, bool) {
	idx := strings.LastIndex(key, ":prio:")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(key[idx+len(":prio:"):])
	if err != nil {
		return 0, false
	}
	p := Priority(n)
	return p, p.IsValid()
}
