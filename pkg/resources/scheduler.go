package resources

import (
	"log/slog"
	"sync"
)

// SchedulerStatistics is a snapshot of scheduler counters and queue depths.
type SchedulerStatistics struct {
	Running        int              `json:"running"`
	Queued         map[Priority]int `json:"queued"`
	TotalScheduled uint64           `json:"total_scheduled"`
	TotalCompleted uint64           `json:"total_completed"`
	TotalFailed    uint64           `json:"total_failed"`
}

// Scheduler admits workflows to the running set from per-priority FIFO
// queues. A workflow id appears in at most one of: a priority queue, the
// running set. Admission pops critical first, then high, normal, low.
type Scheduler struct {
	maxConcurrent int

	mu      sync.Mutex
	queues  map[Priority][]*Request
	queued  map[string]Priority
	running map[string]*Request

	totalScheduled uint64
	totalCompleted uint64
	totalFailed    uint64
}

// NewScheduler creates a scheduler with the given running-set limit.
func NewScheduler(maxConcurrent int) *Scheduler {
	queues := make(map[Priority][]*Request, len(prioritiesDescending))
	for _, p := range prioritiesDescending {
		queues[p] = nil
	}
	return &Scheduler{
		maxConcurrent: maxConcurrent,
		queues:        queues,
		queued:        make(map[string]Priority),
		running:       make(map[string]*Request),
	}
}

// EnqueueWorkflow appends a request to its priority queue. Duplicate
// workflow ids, whether running or already queued, are rejected.
func (s *Scheduler) EnqueueWorkflow(req *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.running[req.WorkflowID]; exists {
		slog.Warn("Workflow already running, not queueing", "workflow_id", req.WorkflowID)
		return false
	}
	if _, exists := s.queued[req.WorkflowID]; exists {
		slog.Warn("Workflow already queued", "workflow_id", req.WorkflowID)
		return false
	}

	priority := req.Priority
	if !priority.IsValid() {
		priority = PriorityNormal
	}
	s.queues[priority] = append(s.queues[priority], req)
	s.queued[req.WorkflowID] = priority

	slog.Debug("Workflow queued",
		"workflow_id", req.WorkflowID, "priority", priority.String(),
		"queue_depth", len(s.queues[priority]))
	return true
}

// RequeueWorkflow returns a popped request to the head of its priority
// queue, preserving its FIFO position ahead of requests queued after it.
// Duplicate workflow ids are rejected like EnqueueWorkflow.
func (s *Scheduler) RequeueWorkflow(req *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.running[req.WorkflowID]; exists {
		slog.Warn("Workflow already running, not requeueing", "workflow_id", req.WorkflowID)
		return false
	}
	if _, exists := s.queued[req.WorkflowID]; exists {
		slog.Warn("Workflow already queued", "workflow_id", req.WorkflowID)
		return false
	}

	priority := req.Priority
	if !priority.IsValid() {
		priority = PriorityNormal
	}
	s.queues[priority] = append([]*Request{req}, s.queues[priority]...)
	s.queued[req.WorkflowID] = priority
	return true
}

// NextWorkflow pops the oldest request from the highest non-empty priority
// queue, or nil when the running set is full or every queue is empty.
func (s *Scheduler) NextWorkflow() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.running) >= s.maxConcurrent {
		return nil
	}
	for _, p := range prioritiesDescending {
		queue := s.queues[p]
		if len(queue) == 0 {
			continue
		}
		req := queue[0]
		s.queues[p] = queue[1:]
		delete(s.queued, req.WorkflowID)
		return req
	}
	return nil
}

// StartWorkflow marks a request running.
func (s *Scheduler) StartWorkflow(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[req.WorkflowID] = req
	s.totalScheduled++
}

// CompleteWorkflow removes a workflow from the running set.
func (s *Scheduler) CompleteWorkflow(workflowID string, success bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.running[workflowID]; !exists {
		slog.Warn("Completion for workflow not in running set", "workflow_id", workflowID)
		return false
	}
	delete(s.running, workflowID)
	if success {
		s.totalCompleted++
	} else {
		s.totalFailed++
	}
	return true
}

// RunningCount returns the size of the running set.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// IsRunning reports whether a workflow is in the running set.
func (s *Scheduler) IsRunning(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.running[workflowID]
	return exists
}

// Statistics returns a snapshot of scheduler state.
func (s *Scheduler) Statistics() SchedulerStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := make(map[Priority]int, len(s.queues))
	for p, queue := range s.queues {
		queued[p] = len(queue)
	}
	return SchedulerStatistics{
		Running:        len(s.running),
		Queued:         queued,
		TotalScheduled: s.totalScheduled,
		TotalCompleted: s.totalCompleted,
		TotalFailed:    s.totalFailed,
	}
}
