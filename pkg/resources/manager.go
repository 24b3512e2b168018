package resources

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storyweave/agentcore/pkg/config"
	"github.com/storyweave/agentcore/pkg/workflow"
)

// WorkflowTracker is the tracking capability the manager uses when one is
// injected. Satisfied by workflow.ProgressTracker.
type WorkflowTracker interface {
	StartWorkflow(ctx context.Context, req workflow.StartRequest) (string, error)
	GetWorkflowStatus(workflowID string) (workflow.Progress, bool)
}

// ManagerStatistics is a snapshot of manager state for callers and logs.
type ManagerStatistics struct {
	Running         bool                     `json:"running"`
	Pools           map[ResourceType]Pool    `json:"pools"`
	Utilization     map[ResourceType]float64 `json:"utilization"`
	ActiveWorkflows int                      `json:"active_workflows"`
	Allocations     map[string][]Allocation  `json:"allocations"`
	Scheduler       SchedulerStatistics      `json:"scheduler"`
}

// Manager owns the resource pools and allocations. Admission either
// allocates immediately or parks the request on the scheduler; a
// background loop drains the scheduler as capacity frees up, and a
// monitoring loop logs utilization and reclaims stale allocations.
type Manager struct {
	cfg      *config.ResourceConfig
	tracker  WorkflowTracker // nil = no tracking
	balancer *LoadBalancer

	mu          sync.Mutex
	pools       map[ResourceType]*Pool
	allocations map[string][]*Allocation
	scheduler   *Scheduler
	isRunning   bool

	// now is overridable in tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager with pools sized from configuration.
// tracker may be nil.
func NewManager(cfg *config.ResourceConfig, tracker WorkflowTracker) *Manager {
	return &Manager{
		cfg:         cfg,
		tracker:     tracker,
		balancer:    NewLoadBalancer(),
		pools:       buildPools(cfg),
		allocations: make(map[string][]*Allocation),
		scheduler:   NewScheduler(cfg.MaxConcurrentWorkflows),
		now:         time.Now,
	}
}

// buildPools sizes the six pools, applying config overrides where set.
func buildPools(cfg *config.ResourceConfig) map[ResourceType]*Pool {
	capacities := map[ResourceType]float64{
		ResourceCPU:                 cfg.CPUCapacity,
		ResourceMemory:              cfg.MemoryCapacity,
		ResourceNetwork:             cfg.NetworkCapacity,
		ResourceAgentSlots:          cfg.AgentSlotCapacity,
		ResourceConcurrentWorkflows: float64(cfg.MaxConcurrentWorkflows),
		ResourceQueueCapacity:       cfg.QueueCapacity,
	}

	pools := make(map[ResourceType]*Pool, len(AllResourceTypes))
	for _, rt := range AllResourceTypes {
		pools[rt] = &Pool{Type: rt, Total: capacities[rt]}
	}
	return pools
}

// Balancer exposes the manager's agent load balancer.
func (m *Manager) Balancer() *LoadBalancer {
	return m.balancer
}

// Start launches the scheduling and monitoring loops.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.runLoops(ctx)

	slog.Info("Resource manager started",
		"max_concurrent_workflows", m.cfg.MaxConcurrentWorkflows,
		"scheduling_interval", m.cfg.SchedulingInterval,
		"monitoring_interval", m.cfg.MonitoringInterval)
}

// Stop cancels both loops and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	m.cancel()
	<-m.done
	slog.Info("Resource manager stopped")
}

// RequestWorkflowResources admits a workflow immediately when every pool
// has capacity, otherwise queues it by priority. Missing requirements are
// filled with defaults. Returns true in both cases; false only for a
// duplicate workflow id.
func (m *Manager) RequestWorkflowResources(ctx context.Context, req Request) bool {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = m.now()
	}
	if !req.Priority.IsValid() {
		req.Priority = PriorityNormal
	}
	if req.MaxConcurrentAgents <= 0 {
		req.MaxConcurrentAgents = 1
	}
	fillDefaultRequirements(&req)

	m.mu.Lock()
	if _, exists := m.allocations[req.WorkflowID]; exists {
		m.mu.Unlock()
		slog.Warn("Workflow already holds allocations", "workflow_id", req.WorkflowID)
		return false
	}

	if m.canAllocateLocked(&req) && m.scheduler.RunningCount() < m.cfg.MaxConcurrentWorkflows {
		m.allocateLocked(&req)
		m.mu.Unlock()
		m.startTracking(ctx, &req)
		slog.Info("Workflow resources allocated",
			"workflow_id", req.WorkflowID, "priority", req.Priority.String())
		return true
	}
	m.mu.Unlock()

	if !m.scheduler.EnqueueWorkflow(&req) {
		return false
	}
	slog.Info("Workflow queued for resources",
		"workflow_id", req.WorkflowID, "priority", req.Priority.String())
	return true
}

// ReleaseWorkflowResources returns a workflow's allocations to the pools,
// releases its agents, and removes it from the running set.
func (m *Manager) ReleaseWorkflowResources(workflowID string) bool {
	m.mu.Lock()
	allocs, exists := m.allocations[workflowID]
	if !exists {
		m.mu.Unlock()
		slog.Warn("Release for workflow with no allocations", "workflow_id", workflowID)
		return false
	}
	for _, alloc := range allocs {
		pool := m.pools[alloc.Type]
		pool.Allocated -= alloc.Allocated
		if pool.Allocated < 0 {
			pool.Allocated = 0
		}
	}
	delete(m.allocations, workflowID)
	m.mu.Unlock()

	m.balancer.ReleaseAgents(workflowID)
	m.scheduler.CompleteWorkflow(workflowID, true)
	slog.Info("Workflow resources released", "workflow_id", workflowID)
	return true
}

// GetStatistics returns a snapshot of pools, allocations, and scheduler
// counters.
func (m *Manager) GetStatistics() ManagerStatistics {
	m.mu.Lock()
	pools := make(map[ResourceType]Pool, len(m.pools))
	utilization := make(map[ResourceType]float64, len(m.pools))
	for rt, pool := range m.pools {
		pools[rt] = *pool
		utilization[rt] = pool.Utilization()
	}
	allocations := make(map[string][]Allocation, len(m.allocations))
	for id, allocs := range m.allocations {
		snapshot := make([]Allocation, 0, len(allocs))
		for _, alloc := range allocs {
			snapshot = append(snapshot, *alloc)
		}
		allocations[id] = snapshot
	}
	running := m.isRunning
	m.mu.Unlock()

	return ManagerStatistics{
		Running:         running,
		Pools:           pools,
		Utilization:     utilization,
		ActiveWorkflows: len(allocations),
		Allocations:     allocations,
		Scheduler:       m.scheduler.Statistics(),
	}
}

// PoolSnapshot returns a copy of one pool.
func (m *Manager) PoolSnapshot(rt ResourceType) Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, exists := m.pools[rt]; exists {
		return *pool
	}
	return Pool{Type: rt}
}

// fillDefaultRequirements supplies default demands for requirements the
// request omits.
func fillDefaultRequirements(req *Request) {
	if req.Requirements == nil {
		req.Requirements = make(map[ResourceType]float64, 4)
	}
	if _, ok := req.Requirements[ResourceCPU]; !ok {
		req.Requirements[ResourceCPU] = defaultCPURequirement
	}
	if _, ok := req.Requirements[ResourceMemory]; !ok {
		req.Requirements[ResourceMemory] = defaultMemoryRequirement
	}
	if _, ok := req.Requirements[ResourceAgentSlots]; !ok {
		req.Requirements[ResourceAgentSlots] = float64(req.MaxConcurrentAgents)
	}
	if _, ok := req.Requirements[ResourceConcurrentWorkflows]; !ok {
		req.Requirements[ResourceConcurrentWorkflows] = 1
	}
}

// canAllocateLocked checks every requirement against pool availability.
// Caller holds m.mu.
func (m *Manager) canAllocateLocked(req *Request) bool {
	for rt, amount := range req.Requirements {
		pool, exists := m.pools[rt]
		if !exists || pool.Available() < amount {
			return false
		}
	}
	return true
}

// allocateLocked debits the pools and records the workflow's allocations.
// Caller holds m.mu and has already verified capacity.
func (m *Manager) allocateLocked(req *Request) {
	now := m.now()
	allocs := make([]*Allocation, 0, len(req.Requirements))
	for rt, amount := range req.Requirements {
		pool := m.pools[rt]
		pool.Allocated += amount
		allocs = append(allocs, &Allocation{
			WorkflowID:  req.WorkflowID,
			Type:        rt,
			Allocated:   amount,
			Max:         amount,
			AllocatedAt: now,
			LastUsed:    now,
		})
	}
	m.allocations[req.WorkflowID] = allocs
	m.scheduler.StartWorkflow(req)
}

// startTracking seeds the progress tracker for a newly admitted workflow.
func (m *Manager) startTracking(ctx context.Context, req *Request) {
	if m.tracker == nil {
		return
	}
	if _, err := m.tracker.StartWorkflow(ctx, workflow.StartRequest{
		WorkflowID:        req.WorkflowID,
		WorkflowType:      req.WorkflowType,
		UserID:            req.UserID,
		EstimatedDuration: req.EstimatedDuration,
	}); err != nil {
		slog.Warn("Failed to start workflow tracking",
			"workflow_id", req.WorkflowID, "error", err)
	}
}

// runLoops drives the scheduling and monitoring tickers until cancelled.
func (m *Manager) runLoops(ctx context.Context) {
	defer close(m.done)

	scheduling := time.NewTicker(m.cfg.SchedulingInterval)
	defer scheduling.Stop()
	monitoring := time.NewTicker(m.cfg.MonitoringInterval)
	defer monitoring.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scheduling.C:
			m.admitQueued(ctx)
		case <-monitoring.C:
			m.logUtilization()
			m.cleanupStaleAllocations()
		}
	}
}

// admitQueued drains the scheduler while capacity allows. A popped request
// that no longer fits goes back to the head of its queue so it keeps its
// FIFO position.
func (m *Manager) admitQueued(ctx context.Context) {
	for {
		req := m.scheduler.NextWorkflow()
		if req == nil {
			return
		}

		m.mu.Lock()
		if !m.canAllocateLocked(req) {
			m.mu.Unlock()
			m.scheduler.RequeueWorkflow(req)
			return
		}
		m.allocateLocked(req)
		m.mu.Unlock()

		m.startTracking(ctx, req)
		slog.Info("Queued workflow admitted",
			"workflow_id", req.WorkflowID, "priority", req.Priority.String())
	}
}

// logUtilization logs each pool's utilization, warning past the threshold.
func (m *Manager) logUtilization() {
	m.mu.Lock()
	type sample struct {
		rt   ResourceType
		util float64
	}
	samples := make([]sample, 0, len(m.pools))
	for rt, pool := range m.pools {
		samples = append(samples, sample{rt, pool.Utilization()})
	}
	m.mu.Unlock()

	for _, s := range samples {
		if s.util > m.cfg.UtilizationWarningAt {
			slog.Warn("Resource pool utilization high",
				"resource_type", string(s.rt), "utilization", s.util)
		} else {
			slog.Debug("Resource pool utilization",
				"resource_type", string(s.rt), "utilization", s.util)
		}
	}
}

// cleanupStaleAllocations releases workflows whose oldest allocation has
// aged past the stale threshold and that the tracker no longer knows
// about (or that have no tracker at all).
func (m *Manager) cleanupStaleAllocations() {
	now := m.now()

	m.mu.Lock()
	var stale []string
	for id, allocs := range m.allocations {
		oldest := now
		for _, alloc := range allocs {
			if alloc.AllocatedAt.Before(oldest) {
				oldest = alloc.AllocatedAt
			}
		}
		if now.Sub(oldest) <= m.cfg.StaleAllocationThreshold {
			continue
		}
		if m.tracker != nil {
			if _, tracked := m.tracker.GetWorkflowStatus(id); tracked {
				continue
			}
		}
		stale = append(stale, id)
	}
	m.mu.Unlock()

	for _, id := range stale {
		slog.Warn("Releasing stale workflow allocations", "workflow_id", id)
		m.ReleaseWorkflowResources(id)
	}
}
