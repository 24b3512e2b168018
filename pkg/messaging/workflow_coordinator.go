package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storyweave/agentcore/pkg/workflow"
)

// WorkflowMessageCallback observes message lifecycle events for one
// workflow. eventType is "message_ack" or "message_nack".
type WorkflowMessageCallback func(workflowID, eventType string, data map[string]any)

// WorkflowCallbackID identifies a registered callback for later removal.
type WorkflowCallbackID int

// WorkflowCoordinator binds messages to workflows: deliveries, receipts,
// acks, and nacks of bound messages feed the progress tracker, and
// per-workflow callbacks observe ack/nack events. Messages sent through
// the plain Coordinator are untouched.
type WorkflowCoordinator struct {
	coordinator *Coordinator
	tracker     workflow.ProgressSink

	mu             sync.Mutex
	messageIndex   map[string]string // message_id -> workflow_id
	tokenIndex     map[string]string // reservation token -> workflow_id
	workflowMsgs   map[string]map[string]struct{}
	completedSteps map[string]int
	callbacks      map[string]map[WorkflowCallbackID]WorkflowMessageCallback
	nextCallbackID WorkflowCallbackID
}

// NewWorkflowCoordinator wraps a coordinator with workflow binding.
func NewWorkflowCoordinator(coordinator *Coordinator, tracker workflow.ProgressSink) *WorkflowCoordinator {
	return &WorkflowCoordinator{
		coordinator:    coordinator,
		tracker:        tracker,
		messageIndex:   make(map[string]string),
		tokenIndex:     make(map[string]string),
		workflowMsgs:   make(map[string]map[string]struct{}),
		completedSteps: make(map[string]int),
		callbacks:      make(map[string]map[WorkflowCallbackID]WorkflowMessageCallback),
	}
}

// Coordinator exposes the wrapped message coordinator.
func (w *WorkflowCoordinator) Coordinator() *Coordinator {
	return w.coordinator
}

// StartWorkflowTracking registers the workflow with the tracker and seeds
// one milestone per participating agent: the first carries the
// initializing stage, the last finalizing, the rest executing. Milestone
// weights are equal and sum to 1.
func (w *WorkflowCoordinator) StartWorkflowTracking(ctx context.Context, workflowID, workflowType string, participants []AgentID, userID string, estimatedMessages int) (string, error) {
	if len(participants) == 0 {
		return "", fmt.Errorf("workflow %s has no participating agents", workflowID)
	}

	weight := 1.0 / float64(len(participants))
	milestones := make([]workflow.Milestone, 0, len(participants))
	for i, agent := range participants {
		stage := workflow.StageExecuting
		switch i {
		case 0:
			stage = workflow.StageInitializing
		case len(participants) - 1:
			stage = workflow.StageFinalizing
		}
		milestones = append(milestones, workflow.Milestone{
			MilestoneID: fmt.Sprintf("agent_%d_%s", i, agent.String()),
			Name:        fmt.Sprintf("Processing by %s", agent.String()),
			Stage:       stage,
			Weight:      weight,
		})
	}

	id, err := w.tracker.StartWorkflow(ctx, workflow.StartRequest{
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		UserID:       userID,
		TotalSteps:   estimatedMessages,
		Milestones:   milestones,
	})
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	w.workflowMsgs[id] = make(map[string]struct{})
	w.callbacks[id] = make(map[WorkflowCallbackID]WorkflowMessageCallback)
	w.mu.Unlock()
	return id, nil
}

// SendWorkflowMessage sends a message and, on delivery, binds it to the
// workflow and reports progress.
func (w *WorkflowCoordinator) SendWorkflowMessage(ctx context.Context, workflowID string, msg AgentMessage) MessageResult {
	result := w.coordinator.Send(ctx, msg)
	if !result.Delivered {
		return result
	}

	w.bindMessage(workflowID, msg.MessageID)
	step := fmt.Sprintf("Message sent from %s to %s",
		msg.Sender.String(), msg.Recipient.String())
	w.tracker.UpdateWorkflowProgress(ctx, workflowID, workflow.ProgressUpdate{
		CurrentStep: &step,
	})
	return result
}

// BroadcastWorkflowMessage broadcasts a message and binds each delivered
// copy to the workflow. Deliveries stay independent per recipient.
func (w *WorkflowCoordinator) BroadcastWorkflowMessage(ctx context.Context, workflowID string, msg AgentMessage, recipients []AgentID) []MessageResult {
	results := make([]MessageResult, 0, len(recipients))
	for _, r := range recipients {
		m := msg
		m.Recipient = r
		results = append(results, w.SendWorkflowMessage(ctx, workflowID, m))
	}
	return results
}

// ReceiveWorkflowMessage reserves the next message for the agent. When the
// message is bound to a workflow, the reservation token is indexed and a
// receipt progress step is reported.
func (w *WorkflowCoordinator) ReceiveWorkflowMessage(ctx context.Context, agent AgentID, visibility time.Duration) (*ReceivedMessage, error) {
	received, err := w.coordinator.Receive(ctx, agent, visibility)
	if err != nil || received == nil {
		return received, err
	}

	w.mu.Lock()
	workflowID, bound := w.messageIndex[received.Message.Message.MessageID]
	if bound {
		w.tokenIndex[received.Token] = workflowID
	}
	w.mu.Unlock()

	if bound {
		step := fmt.Sprintf("Message received by %s", NewAgentID(agent.Type, agent.Instance).String())
		w.tracker.UpdateWorkflowProgress(ctx, workflowID, workflow.ProgressUpdate{
			CurrentStep: &step,
		})
	}
	return received, nil
}

// AckWorkflowMessage acks a reservation. A token bound to a workflow
// advances its completed-step count and fires message_ack callbacks.
func (w *WorkflowCoordinator) AckWorkflowMessage(ctx context.Context, agent AgentID, token string) (bool, error) {
	ok, err := w.coordinator.Ack(ctx, agent, token)
	if err != nil || !ok {
		return ok, err
	}

	workflowID, bound := w.releaseToken(token)
	if !bound {
		return ok, nil
	}

	w.mu.Lock()
	w.completedSteps[workflowID]++
	completed := w.completedSteps[workflowID]
	w.mu.Unlock()

	step := fmt.Sprintf("Message acknowledged by %s", NewAgentID(agent.Type, agent.Instance).String())
	w.tracker.UpdateWorkflowProgress(ctx, workflowID, workflow.ProgressUpdate{
		CurrentStep:    &step,
		CompletedSteps: &completed,
	})
	w.fireCallbacks(workflowID, "message_ack", map[string]any{
		"agent":           NewAgentID(agent.Type, agent.Instance).String(),
		"completed_steps": completed,
	})
	return ok, nil
}

// NackWorkflowMessage nacks a reservation. A token bound to a workflow
// reports the failure as a progress step and fires message_nack callbacks.
func (w *WorkflowCoordinator) NackWorkflowMessage(ctx context.Context, agent AgentID, token string, failure FailureType, errMsg string) (bool, error) {
	ok, err := w.coordinator.Nack(ctx, agent, token, failure, errMsg)
	if err != nil || !ok {
		return ok, err
	}

	workflowID, bound := w.releaseToken(token)
	if !bound {
		return ok, nil
	}

	step := fmt.Sprintf("Message failed at %s: %s",
		NewAgentID(agent.Type, agent.Instance).String(), failure)
	w.tracker.UpdateWorkflowProgress(ctx, workflowID, workflow.ProgressUpdate{
		CurrentStep: &step,
	})
	w.fireCallbacks(workflowID, "message_nack", map[string]any{
		"agent":        NewAgentID(agent.Type, agent.Instance).String(),
		"failure_type": string(failure),
		"error":        errMsg,
	})
	return ok, nil
}

// CompleteWorkflow terminates the workflow via the tracker and clears
// every index bound to it.
func (w *WorkflowCoordinator) CompleteWorkflow(ctx context.Context, workflowID string, success bool, errorMessage string, finalMetadata map[string]any) bool {
	var ok bool
	if success {
		ok = w.tracker.CompleteWorkflow(ctx, workflowID, true, finalMetadata)
	} else {
		ok = w.tracker.FailWorkflow(ctx, workflowID, errorMessage, finalMetadata)
	}

	w.mu.Lock()
	for messageID := range w.workflowMsgs[workflowID] {
		delete(w.messageIndex, messageID)
	}
	for token, id := range w.tokenIndex {
		if id == workflowID {
			delete(w.tokenIndex, token)
		}
	}
	delete(w.workflowMsgs, workflowID)
	delete(w.completedSteps, workflowID)
	delete(w.callbacks, workflowID)
	w.mu.Unlock()
	return ok
}

// AddWorkflowCallback registers a message-event callback for a workflow.
// Returns 0 for a workflow that is not being tracked here.
func (w *WorkflowCoordinator) AddWorkflowCallback(workflowID string, cb WorkflowMessageCallback) WorkflowCallbackID {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, exists := w.callbacks[workflowID]
	if !exists {
		return 0
	}
	w.nextCallbackID++
	set[w.nextCallbackID] = cb
	return w.nextCallbackID
}

// RemoveWorkflowCallback removes a previously registered callback.
func (w *WorkflowCoordinator) RemoveWorkflowCallback(workflowID string, id WorkflowCallbackID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, exists := w.callbacks[workflowID]; exists {
		delete(set, id)
	}
}

// WorkflowForMessage reports the workflow a message id is bound to.
func (w *WorkflowCoordinator) WorkflowForMessage(messageID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, exists := w.messageIndex[messageID]
	return id, exists
}

// bindMessage records the message -> workflow association.
func (w *WorkflowCoordinator) bindMessage(workflowID, messageID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messageIndex[messageID] = workflowID
	set, exists := w.workflowMsgs[workflowID]
	if !exists {
		set = make(map[string]struct{})
		w.workflowMsgs[workflowID] = set
	}
	set[messageID] = struct{}{}
}

// releaseToken drops a token binding and returns its workflow, if any.
func (w *WorkflowCoordinator) releaseToken(token string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	workflowID, bound := w.tokenIndex[token]
	if bound {
		delete(w.tokenIndex, token)
	}
	return workflowID, bound
}

// fireCallbacks invokes every callback registered for the workflow,
// isolating panics.
func (w *WorkflowCoordinator) fireCallbacks(workflowID, eventType string, data map[string]any) {
	w.mu.Lock()
	set := w.callbacks[workflowID]
	snapshot := make([]WorkflowMessageCallback, 0, len(set))
	for _, cb := range set {
		snapshot = append(snapshot, cb)
	}
	w.mu.Unlock()

	for _, cb := range snapshot {
		w.invokeCallback(workflowID, eventType, data, cb)
	}
}

func (w *WorkflowCoordinator) invokeCallback(workflowID, eventType string, data map[string]any, cb WorkflowMessageCallback) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Workflow message callback panicked",
				"workflow_id", workflowID, "event_type", eventType, "panic", r)
		}
	}()
	cb(workflowID, eventType, data)
}
