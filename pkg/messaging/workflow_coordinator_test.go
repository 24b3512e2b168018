package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyweave/agentcore/pkg/config"
	"github.com/storyweave/agentcore/pkg/workflow"
)

func newTestWorkflowCoordinator(t *testing.T) (*WorkflowCoordinator, *workflow.ProgressTracker, *testClock) {
	t.Helper()
	c, _, clock := newTestCoordinator(t, testCoordinatorConfig())

	tracker := workflow.NewProgressTracker(config.DefaultTrackerConfig(), nil)

	return NewWorkflowCoordinator(c, tracker), tracker, clock
}

func workflowParticipants() []AgentID {
	return []AgentID{
		NewAgentID(AgentTypeInputProcessor, ""),
		NewAgentID(AgentTypeWorldBuilder, ""),
		NewAgentID(AgentTypeNarrativeGenerator, ""),
	}
}

func TestStartWorkflowTrackingMilestones(t *testing.T) {
	wc, tracker, _ := newTestWorkflowCoordinator(t)
	ctx := context.Background()

	id, err := wc.StartWorkflowTracking(ctx, "wf-milestones", "story_generation",
		workflowParticipants(), "user-1", 6)
	require.NoError(t, err)
	assert.Equal(t, "wf-milestones", id)

	progress, ok := tracker.GetWorkflowStatus(id)
	require.True(t, ok)
	require.Len(t, progress.Milestones, 3)

	// First participant initializes, last finalizes, the rest execute.
	assert.Equal(t, workflow.StageInitializing, progress.Milestones[0].Stage)
	assert.Equal(t, workflow.StageExecuting, progress.Milestones[1].Stage)
	assert.Equal(t, workflow.StageFinalizing, progress.Milestones[2].Stage)

	totalWeight := 0.0
	for _, m := range progress.Milestones {
		totalWeight += m.Weight
	}
	assert.InDelta(t, 1.0, totalWeight, 1e-9)
	assert.Equal(t, 6, progress.TotalSteps)
}

func TestStartWorkflowTrackingNoParticipants(t *testing.T) {
	wc, _, _ := newTestWorkflowCoordinator(t)

	_, err := wc.StartWorkflowTracking(context.Background(), "wf-empty", "story_generation", nil, "", 0)
	assert.Error(t, err)
}

func TestWorkflowMessageLifecycle(t *testing.T) {
	wc, tracker, _ := newTestWorkflowCoordinator(t)
	ctx := context.Background()
	worldBuilder := NewAgentID(AgentTypeWorldBuilder, "")

	id, err := wc.StartWorkflowTracking(ctx, "wf-life", "story_generation",
		workflowParticipants(), "user-1", 2)
	require.NoError(t, err)

	msg := testMessage("m-wf-001", PriorityNormal)
	result := wc.SendWorkflowMessage(ctx, id, msg)
	require.True(t, result.Delivered)

	boundTo, bound := wc.WorkflowForMessage("m-wf-001")
	require.True(t, bound)
	assert.Equal(t, id, boundTo)

	progress, ok := tracker.GetWorkflowStatus(id)
	require.True(t, ok)
	assert.Contains(t, progress.CurrentStep, "Message sent from input_processor:default")

	received, err := wc.ReceiveWorkflowMessage(ctx, worldBuilder, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, received)

	progress, _ = tracker.GetWorkflowStatus(id)
	assert.Contains(t, progress.CurrentStep, "Message received by world_builder:default")

	ok, err = wc.AckWorkflowMessage(ctx, worldBuilder, received.Token)
	require.NoError(t, err)
	require.True(t, ok)

	progress, _ = tracker.GetWorkflowStatus(id)
	assert.Equal(t, 1, progress.CompletedSteps)
	assert.InDelta(t, 50.0, progress.ProgressPercentage, 1e-9)
}

func TestWorkflowAckFiresCallback(t *testing.T) {
	wc, _, _ := newTestWorkflowCoordinator(t)
	ctx := context.Background()
	worldBuilder := NewAgentID(AgentTypeWorldBuilder, "")

	id, err := wc.StartWorkflowTracking(ctx, "wf-cb", "story_generation",
		workflowParticipants(), "", 1)
	require.NoError(t, err)

	type callbackEvent struct {
		eventType string
		data      map[string]any
	}
	seen := make(chan callbackEvent, 2)
	cbID := wc.AddWorkflowCallback(id, func(workflowID, eventType string, data map[string]any) {
		seen <- callbackEvent{eventType, data}
	})
	require.NotZero(t, cbID)

	require.True(t, wc.SendWorkflowMessage(ctx, id, testMessage("m-cb-01", PriorityNormal)).Delivered)
	received, err := wc.ReceiveWorkflowMessage(ctx, worldBuilder, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, received)

	ok, err := wc.AckWorkflowMessage(ctx, worldBuilder, received.Token)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case ev := <-seen:
		assert.Equal(t, "message_ack", ev.eventType)
		assert.Equal(t, "world_builder:default", ev.data["agent"])
	default:
		t.Fatal("expected a message_ack callback")
	}
}

func TestWorkflowNackFiresCallback(t *testing.T) {
	wc, _, _ := newTestWorkflowCoordinator(t)
	ctx := context.Background()
	worldBuilder := NewAgentID(AgentTypeWorldBuilder, "")

	id, err := wc.StartWorkflowTracking(ctx, "wf-nack-cb", "story_generation",
		workflowParticipants(), "", 1)
	require.NoError(t, err)

	seen := make(chan string, 2)
	wc.AddWorkflowCallback(id, func(_, eventType string, _ map[string]any) {
		seen <- eventType
	})

	require.True(t, wc.SendWorkflowMessage(ctx, id, testMessage("m-nack-1", PriorityNormal)).Delivered)
	received, err := wc.ReceiveWorkflowMessage(ctx, worldBuilder, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, received)

	ok, err := wc.NackWorkflowMessage(ctx, worldBuilder, received.Token, FailureTransient, "flaky")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case eventType := <-seen:
		assert.Equal(t, "message_nack", eventType)
	default:
		t.Fatal("expected a message_nack callback")
	}
}

func TestWorkflowBroadcast(t *testing.T) {
	wc, _, _ := newTestWorkflowCoordinator(t)
	ctx := context.Background()

	id, err := wc.StartWorkflowTracking(ctx, "wf-bcast", "story_generation",
		workflowParticipants(), "", 2)
	require.NoError(t, err)

	recipients := []AgentID{
		NewAgentID(AgentTypeWorldBuilder, ""),
		NewAgentID(AgentTypeNarrativeGenerator, ""),
	}
	results := wc.BroadcastWorkflowMessage(ctx, id, testMessage("m-bc-wf", PriorityNormal), recipients)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Delivered)
	}

	_, bound := wc.WorkflowForMessage("m-bc-wf")
	assert.True(t, bound)
}

func TestCompleteWorkflowClearsBindings(t *testing.T) {
	wc, tracker, _ := newTestWorkflowCoordinator(t)
	ctx := context.Background()

	id, err := wc.StartWorkflowTracking(ctx, "wf-done", "story_generation",
		workflowParticipants(), "", 1)
	require.NoError(t, err)
	require.True(t, wc.SendWorkflowMessage(ctx, id, testMessage("m-done-1", PriorityNormal)).Delivered)

	assert.True(t, wc.CompleteWorkflow(ctx, id, true, "", nil))

	_, bound := wc.WorkflowForMessage("m-done-1")
	assert.False(t, bound)
	_, tracked := tracker.GetWorkflowStatus(id)
	assert.False(t, tracked)
	// Callbacks can no longer be registered.
	assert.Zero(t, wc.AddWorkflowCallback(id, func(string, string, map[string]any) {}))
}

func TestUntrackedMessagePassesThrough(t *testing.T) {
	wc, _, _ := newTestWorkflowCoordinator(t)
	ctx := context.Background()
	worldBuilder := NewAgentID(AgentTypeWorldBuilder, "")

	// A plain coordinator send is visible through the wrapper but stays
	// unbound.
	require.True(t, wc.Coordinator().Send(ctx, testMessage("m-plain", PriorityNormal)).Delivered)

	received, err := wc.ReceiveWorkflowMessage(ctx, worldBuilder, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, received)

	ok, err := wc.AckWorkflowMessage(ctx, worldBuilder, received.Token)
	require.NoError(t, err)
	assert.True(t, ok)
}
