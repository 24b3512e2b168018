package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalancerPicksLeastLoaded(t *testing.T) {
	b := NewLoadBalancer()
	agents := []string{"wb-1", "wb-2", "wb-3"}

	first := b.AssignAgents("wf-1", agents, 2)
	require.Len(t, first, 2)
	for _, a := range first {
		assert.Equal(t, 1.0, b.AgentLoad(a))
	}

	// The unloaded agent must be chosen next.
	second := b.AssignAgents("wf-2", agents, 1)
	require.Len(t, second, 1)
	assert.NotContains(t, first, second[0])
}

func TestBalancerRequiredExceedsAvailable(t *testing.T) {
	b := NewLoadBalancer()

	chosen := b.AssignAgents("wf-1", []string{"wb-1", "wb-2"}, 5)
	assert.Len(t, chosen, 2)

	assert.Nil(t, b.AssignAgents("wf-2", nil, 1))
	assert.Nil(t, b.AssignAgents("wf-3", []string{"wb-1"}, 0))
}

func TestBalancerRelease(t *testing.T) {
	b := NewLoadBalancer()
	agents := []string{"wb-1", "wb-2"}

	chosen := b.AssignAgents("wf-1", agents, 2)
	require.Len(t, chosen, 2)
	assert.Len(t, b.Assignments("wf-1"), 2)

	b.ReleaseAgents("wf-1")
	assert.Empty(t, b.Assignments("wf-1"))
	for _, a := range agents {
		assert.Zero(t, b.AgentLoad(a))
	}

	// Releasing twice (or an unknown workflow) never drives loads negative.
	b.ReleaseAgents("wf-1")
	b.ReleaseAgents("wf-unknown")
	for _, a := range agents {
		assert.Zero(t, b.AgentLoad(a))
	}
}

func TestBalancerLoadAccumulates(t *testing.T) {
	b := NewLoadBalancer()

	b.AssignAgents("wf-1", []string{"wb-1"}, 1)
	b.AssignAgents("wf-2", []string{"wb-1"}, 1)
	assert.Equal(t, 2.0, b.AgentLoad("wb-1"))

	b.ReleaseAgents("wf-1")
	assert.Equal(t, 1.0, b.AgentLoad("wb-1"))
}
