package resources

import (
	"log/slog"
	"sort"
	"sync"
)

// LoadBalancer spreads workflow work across agent instances by picking
// the least-loaded candidates. Loads are unit-weighted: one per workflow
// assignment.
type LoadBalancer struct {
	mu          sync.Mutex
	agentLoads  map[string]float64
	assignments map[string][]string
}

// NewLoadBalancer creates an empty load balancer.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		agentLoads:  make(map[string]float64),
		assignments: make(map[string][]string),
	}
}

// AssignAgents picks the `required` least-loaded agents from the
// candidates, bumps their load, and records the assignment. Fewer than
// `required` candidates means every candidate is assigned.
func (b *LoadBalancer) AssignAgents(workflowID string, availableAgents []string, required int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if required <= 0 || len(availableAgents) == 0 {
		return nil
	}
	if required > len(availableAgents) {
		required = len(availableAgents)
	}

	candidates := append([]string(nil), availableAgents...)
	sort.SliceStable(candidates, func(i, j int) bool {
		return b.agentLoads[candidates[i]] < b.agentLoads[candidates[j]]
	})

	chosen := candidates[:required]
	for _, agent := range chosen {
		b.agentLoads[agent]++
	}
	b.assignments[workflowID] = append([]string(nil), chosen...)

	slog.Debug("Agents assigned to workflow",
		"workflow_id", workflowID, "agents", chosen)
	return chosen
}

// ReleaseAgents drops a workflow's assignment and decrements each assigned
// agent's load, clamping at zero.
func (b *LoadBalancer) ReleaseAgents(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	agents, exists := b.assignments[workflowID]
	if !exists {
		return
	}
	for _, agent := range agents {
		if b.agentLoads[agent] > 0 {
			b.agentLoads[agent]--
		}
		if b.agentLoads[agent] == 0 {
			delete(b.agentLoads, agent)
		}
	}
	delete(b.assignments, workflowID)
}

// AgentLoad returns one agent's current load.
func (b *LoadBalancer) AgentLoad(agentID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agentLoads[agentID]
}

// Assignments returns a copy of a workflow's assigned agents.
func (b *LoadBalancer) Assignments(workflowID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.assignments[workflowID]...)
}
