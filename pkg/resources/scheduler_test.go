package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schedulerRequest(id string, p Priority) *Request {
	return &Request{WorkflowID: id, WorkflowType: "story_generation", Priority: p}
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s := NewScheduler(10)

	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-low", PriorityLow)))
	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-normal", PriorityNormal)))
	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-critical", PriorityCritical)))
	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-high", PriorityHigh)))

	var order []string
	for req := s.NextWorkflow(); req != nil; req = s.NextWorkflow() {
		order = append(order, req.WorkflowID)
	}
	assert.Equal(t, []string{"wf-critical", "wf-high", "wf-normal", "wf-low"}, order)
}

func TestSchedulerFIFOWithinPriority(t *testing.T) {
	s := NewScheduler(10)

	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-a", PriorityNormal)))
	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-b", PriorityNormal)))

	assert.Equal(t, "wf-a", s.NextWorkflow().WorkflowID)
	assert.Equal(t, "wf-b", s.NextWorkflow().WorkflowID)
}

func TestSchedulerDuplicateRejection(t *testing.T) {
	s := NewScheduler(10)

	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-1", PriorityNormal)))
	assert.False(t, s.EnqueueWorkflow(schedulerRequest("wf-1", PriorityHigh)))

	req := s.NextWorkflow()
	require.NotNil(t, req)
	s.StartWorkflow(req)
	// Running ids cannot re-enter the queue.
	assert.False(t, s.EnqueueWorkflow(schedulerRequest("wf-1", PriorityNormal)))
}

func TestSchedulerMaxConcurrentGate(t *testing.T) {
	s := NewScheduler(1)

	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-1", PriorityNormal)))
	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-2", PriorityNormal)))

	first := s.NextWorkflow()
	require.NotNil(t, first)
	s.StartWorkflow(first)

	// The running set is full; nothing pops until completion.
	assert.Nil(t, s.NextWorkflow())
	require.True(t, s.CompleteWorkflow(first.WorkflowID, true))

	second := s.NextWorkflow()
	require.NotNil(t, second)
	assert.Equal(t, "wf-2", second.WorkflowID)
}

func TestSchedulerCounters(t *testing.T) {
	s := NewScheduler(10)

	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		req := schedulerRequest(id, PriorityNormal)
		require.True(t, s.EnqueueWorkflow(req))
		popped := s.NextWorkflow()
		require.NotNil(t, popped)
		s.StartWorkflow(popped)
	}
	assert.Equal(t, 3, s.RunningCount())

	require.True(t, s.CompleteWorkflow("wf-1", true))
	require.True(t, s.CompleteWorkflow("wf-2", false))
	assert.False(t, s.CompleteWorkflow("wf-unknown", true))

	stats := s.Statistics()
	assert.Equal(t, uint64(3), stats.TotalScheduled)
	assert.Equal(t, uint64(1), stats.TotalCompleted)
	assert.Equal(t, uint64(1), stats.TotalFailed)
	assert.Equal(t, 1, stats.Running)
}

func TestSchedulerRequeuePreservesFIFO(t *testing.T) {
	s := NewScheduler(10)

	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-a", PriorityNormal)))
	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-b", PriorityNormal)))

	popped := s.NextWorkflow()
	require.NotNil(t, popped)
	require.Equal(t, "wf-a", popped.WorkflowID)

	// A request returned to the queue keeps its place at the head.
	require.True(t, s.RequeueWorkflow(popped))
	assert.Equal(t, 2, s.Statistics().Queued[PriorityNormal])
	assert.Equal(t, "wf-a", s.NextWorkflow().WorkflowID)
	assert.Equal(t, "wf-b", s.NextWorkflow().WorkflowID)

	// Requeue honors the same duplicate rules as Enqueue.
	req := schedulerRequest("wf-run", PriorityNormal)
	s.StartWorkflow(req)
	assert.False(t, s.RequeueWorkflow(req))
}

func TestSchedulerInvalidPriorityDefaultsToNormal(t *testing.T) {
	s := NewScheduler(10)

	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-odd", Priority(42))))
	require.True(t, s.EnqueueWorkflow(schedulerRequest("wf-high", PriorityHigh)))

	// The unknown priority was filed under normal, so high pops first.
	assert.Equal(t, "wf-high", s.NextWorkflow().WorkflowID)
	assert.Equal(t, "wf-odd", s.NextWorkflow().WorkflowID)
}
