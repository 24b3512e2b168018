// Package resources provides the workflow resource manager: typed
// capacity pools, priority-ordered admission, agent load balancing, and
// background scheduling/monitoring loops.
package resources

import "time"

// ResourceType names a capacity pool.
type ResourceType string

// Resource pool types.
const (
	ResourceCPU                 ResourceType = "cpu"
	ResourceMemory              ResourceType = "memory"
	ResourceNetwork             ResourceType = "network"
	ResourceAgentSlots          ResourceType = "agent_slots"
	ResourceConcurrentWorkflows ResourceType = "concurrent_workflows"
	ResourceQueueCapacity       ResourceType = "message_queue_capacity"
)

// AllResourceTypes lists every pool type in a stable order.
var AllResourceTypes = []ResourceType{
	ResourceCPU,
	ResourceMemory,
	ResourceNetwork,
	ResourceAgentSlots,
	ResourceConcurrentWorkflows,
	ResourceQueueCapacity,
}

// IsValid checks if the resource type is known.
func (t ResourceType) IsValid() bool {
	switch t {
	case ResourceCPU, ResourceMemory, ResourceNetwork, ResourceAgentSlots,
		ResourceConcurrentWorkflows, ResourceQueueCapacity:
		return true
	default:
		return false
	}
}

// Priority orders queued workflows for admission.
type Priority int

// Workflow priorities, lowest to highest.
const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// prioritiesDescending is the admission scan order.
var prioritiesDescending = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// IsValid checks if the priority is a known level.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// String renders the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Pool is a capacity ledger for one resource type. Invariant:
// Allocated + Reserved <= Total at all times.
type Pool struct {
	Type      ResourceType `json:"resource_type"`
	Total     float64      `json:"total_capacity"`
	Allocated float64      `json:"allocated_capacity"`
	Reserved  float64      `json:"reserved_capacity"`
}

// Available returns the unallocated, unreserved capacity.
func (p *Pool) Available() float64 {
	return p.Total - p.Allocated - p.Reserved
}

// Utilization returns the allocated+reserved fraction of total capacity.
func (p *Pool) Utilization() float64 {
	if p.Total <= 0 {
		return 0
	}
	return (p.Allocated + p.Reserved) / p.Total
}

// Allocation records one workflow's hold on one pool.
type Allocation struct {
	WorkflowID  string       `json:"workflow_id"`
	Type        ResourceType `json:"resource_type"`
	Allocated   float64      `json:"allocated_amount"`
	Max         float64      `json:"max_amount"`
	AllocatedAt time.Time    `json:"allocated_at"`
	LastUsed    time.Time    `json:"last_used"`
}

// Request describes a workflow's resource demand.
type Request struct {
	WorkflowID          string                   `json:"workflow_id"`
	WorkflowType        string                   `json:"workflow_type"`
	Priority            Priority                 `json:"priority"`
	UserID              string                   `json:"user_id,omitempty"`
	EstimatedDuration   time.Duration            `json:"estimated_duration,omitempty"`
	Requirements        map[ResourceType]float64 `json:"resource_requirements"`
	MaxConcurrentAgents int                      `json:"max_concurrent_agents"`
	RequestedAt         time.Time                `json:"requested_at"`
	Metadata            map[string]any           `json:"metadata,omitempty"`
}

// Default per-request requirements filled in when a request omits them.
const (
	defaultCPURequirement    = 10.0
	defaultMemoryRequirement = 512.0
)
