package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyspaceLayout(t *testing.T) {
	keys := NewKeyspace("ao")
	agent := NewAgentID(AgentTypeWorldBuilder, "")
	sharded := NewAgentID(AgentTypeInputProcessor, "shard-2")

	assert.Equal(t, "ao:queue:world_builder:default", keys.Queue(agent))
	assert.Equal(t, "ao:sched:world_builder:default:prio:9", keys.Sched(agent, PriorityHigh))
	assert.Equal(t, "ao:sched:input_processor:shard-2:prio:1", keys.Sched(sharded, PriorityLow))
	assert.Equal(t, "ao:reserved:world_builder:default", keys.Reserved(agent))
	assert.Equal(t, "ao:reserved_deadlines:world_builder:default", keys.ReservedDeadlines(agent))
	assert.Equal(t, "ao:dlq:world_builder:default", keys.DLQ(agent))
	assert.Equal(t, "ao:wf:metrics", keys.Metrics())
}

func TestKeyspacePatterns(t *testing.T) {
	keys := NewKeyspace("ao")

	assert.Equal(t, "ao:reserved:*", keys.ReservedPattern(""))
	assert.Equal(t, "ao:reserved:world_builder:*", keys.ReservedPattern(AgentTypeWorldBuilder))
	assert.Equal(t, "ao:reserved_deadlines:*", keys.DeadlinesPattern(""))
	assert.Equal(t, "ao:reserved_deadlines:input_processor:*", keys.DeadlinesPattern(AgentTypeInputProcessor))
}

func TestAgentFromKey(t *testing.T) {
	keys := NewKeyspace("ao")

	agent, ok := keys.AgentFromKey("reserved", "ao:reserved:world_builder:default")
	require.True(t, ok)
	assert.Equal(t, AgentTypeWorldBuilder, agent.Type)
	assert.Equal(t, "default", agent.Instance)

	agent, ok = keys.AgentFromKey("reserved_deadlines", "ao:reserved_deadlines:input_processor:shard-7")
	require.True(t, ok)
	assert.Equal(t, AgentTypeInputProcessor, agent.Type)
	assert.Equal(t, "shard-7", agent.Instance)

	// Wrong kind, wrong prefix, unknown type, missing instance.
	_, ok = keys.AgentFromKey("queue", "ao:reserved:world_builder:default")
	assert.False(t, ok)
	_, ok = keys.AgentFromKey("reserved", "other:reserved:world_builder:default")
	assert.False(t, ok)
	_, ok = keys.AgentFromKey("reserved", "ao:reserved:mystery_agent:default")
	assert.False(t, ok)
	_, ok = keys.AgentFromKey("reserved", "ao:reserved:world_builder")
	assert.False(t, ok)
}

func TestParsePriorityFromSchedKey(t *testing.T) {
	p, ok := parsePriorityFromSchedKey("ao:sched:world_builder:default:prio:9")
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, p)

	_, ok = parsePriorityFromSchedKey("ao:sched:world_builder:default:prio:7")
	assert.False(t, ok)
	_, ok = parsePriorityFromSchedKey("ao:queue:world_builder:default")
	assert.False(t, ok)
}

func TestAgentIDNormalization(t *testing.T) {
	assert.Equal(t, "world_builder:default", NewAgentID(AgentTypeWorldBuilder, "").String())
	assert.Equal(t, "world_builder:pool-a", NewAgentID(AgentTypeWorldBuilder, "pool-a").String())
	assert.Equal(t, "default", AgentID{Type: AgentTypeWorldBuilder}.InstanceOrDefault())
}
