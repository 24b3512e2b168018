package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyweave/agentcore/pkg/config"
	"github.com/storyweave/agentcore/pkg/events"
)

// ProgressSink is the tracking capability consumed by the resource manager
// and the workflow-aware coordinator.
type ProgressSink interface {
	StartWorkflow(ctx context.Context, req StartRequest) (string, error)
	UpdateWorkflowProgress(ctx context.Context, workflowID string, upd ProgressUpdate) bool
	CompleteMilestone(ctx context.Context, workflowID, milestoneID string, metadata map[string]any) bool
	CompleteWorkflow(ctx context.Context, workflowID string, success bool, finalMetadata map[string]any) bool
	FailWorkflow(ctx context.Context, workflowID, errorMessage string, errorMetadata map[string]any) bool
	GetWorkflowStatus(workflowID string) (Progress, bool)
}

// ProgressTracker is the in-process registry of active workflows. All
// state transitions for a workflow are serialized under the tracker's
// lock; callbacks and event publishing run outside it.
type ProgressTracker struct {
	cfg       *config.TrackerConfig
	publisher events.EventPublisher // nil = publishing disabled

	mu             sync.RWMutex
	active         map[string]*Progress
	callbacks      map[string]map[CallbackID]Callback
	nextCallbackID CallbackID

	// now is overridable in tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProgressTracker creates a tracker. publisher may be nil to disable
// event publishing regardless of configuration.
func NewProgressTracker(cfg *config.TrackerConfig, publisher events.EventPublisher) *ProgressTracker {
	return &ProgressTracker{
		cfg:       cfg,
		publisher: publisher,
		active:    make(map[string]*Progress),
		callbacks: make(map[string]map[CallbackID]Callback),
		now:       time.Now,
	}
}

// Start launches the background cleanup loop.
func (t *ProgressTracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	go t.runCleanup(ctx)

	slog.Info("Progress tracker started",
		"cleanup_interval", t.cfg.CleanupInterval,
		"workflow_timeout", t.cfg.WorkflowTimeout)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (t *ProgressTracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	slog.Info("Progress tracker stopped")
}

// StartWorkflow registers a workflow and publishes its initial progress
// event. A duplicate workflow id is rejected.
func (t *ProgressTracker) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	now := t.now()
	progress := &Progress{
		WorkflowID:     workflowID,
		WorkflowType:   req.WorkflowType,
		UserID:         req.UserID,
		StartTime:      now,
		LastUpdate:     now,
		CurrentStage:   StageInitializing,
		Status:         StatusRunning,
		Milestones:     append([]Milestone(nil), req.Milestones...),
		TotalSteps:     req.TotalSteps,
		CompletedSteps: 0,
	}
	if req.EstimatedDuration > 0 {
		est := now.Add(req.EstimatedDuration)
		progress.EstimatedCompletion = &est
	}

	t.mu.Lock()
	if _, exists := t.active[workflowID]; exists {
		t.mu.Unlock()
		return "", fmt.Errorf("workflow %s is already being tracked", workflowID)
	}
	t.active[workflowID] = progress
	t.callbacks[workflowID] = make(map[CallbackID]Callback)
	snapshot := *progress
	t.mu.Unlock()

	slog.Info("Workflow tracking started",
		"workflow_id", workflowID, "workflow_type", req.WorkflowType, "user_id", req.UserID)
	t.publishProgress(ctx, snapshot)
	return workflowID, nil
}

// UpdateWorkflowProgress applies an update and recomputes the progress
// percentage as max(milestone progress, step progress), clamped to
// [0,100]. Returns false for an unknown workflow.
func (t *ProgressTracker) UpdateWorkflowProgress(ctx context.Context, workflowID string, upd ProgressUpdate) bool {
	t.mu.Lock()
	progress, exists := t.active[workflowID]
	if !exists {
		t.mu.Unlock()
		slog.Warn("Progress update for unknown workflow", "workflow_id", workflowID)
		return false
	}

	if upd.Stage != nil {
		progress.CurrentStage = *upd.Stage
	}
	if upd.Status != nil {
		progress.Status = *upd.Status
	}
	if upd.CurrentStep != nil {
		progress.CurrentStep = *upd.CurrentStep
	}
	if upd.TotalSteps != nil {
		progress.TotalSteps = *upd.TotalSteps
	}
	if upd.CompletedSteps != nil {
		progress.CompletedSteps = *upd.CompletedSteps
	}
	if upd.EstimatedCompletion != nil {
		progress.EstimatedCompletion = upd.EstimatedCompletion
	}
	if upd.Metadata != nil {
		if progress.Metadata == nil {
			progress.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			progress.Metadata[k] = v
		}
	}

	t.recomputeLocked(progress)
	snapshot := *progress
	t.mu.Unlock()

	t.notify(ctx, snapshot)
	return true
}

// CompleteMilestone marks a milestone completed, stamps its completion
// time and duration, and recomputes progress.
func (t *ProgressTracker) CompleteMilestone(ctx context.Context, workflowID, milestoneID string, metadata map[string]any) bool {
	t.mu.Lock()
	progress, exists := t.active[workflowID]
	if !exists {
		t.mu.Unlock()
		slog.Warn("Milestone completion for unknown workflow",
			"workflow_id", workflowID, "milestone_id", milestoneID)
		return false
	}

	found := false
	now := t.now()
	for i := range progress.Milestones {
		m := &progress.Milestones[i]
		if m.MilestoneID != milestoneID {
			continue
		}
		found = true
		if !m.Completed {
			m.Completed = true
			m.CompletedAt = &now
			d := now.Sub(progress.StartTime)
			m.Duration = &d
			if metadata != nil {
				if m.Metadata == nil {
					m.Metadata = make(map[string]any, len(metadata))
				}
				for k, v := range metadata {
					m.Metadata[k] = v
				}
			}
		}
		break
	}
	if !found {
		t.mu.Unlock()
		slog.Warn("Unknown milestone", "workflow_id", workflowID, "milestone_id", milestoneID)
		return false
	}

	t.recomputeLocked(progress)
	snapshot := *progress
	t.mu.Unlock()

	t.notify(ctx, snapshot)
	return true
}

// CompleteWorkflow transitions a workflow to its terminal status, emits a
// final event, and removes it from the active set. Success forces the
// progress percentage to 100.
func (t *ProgressTracker) CompleteWorkflow(ctx context.Context, workflowID string, success bool, finalMetadata map[string]any) bool {
	t.mu.Lock()
	progress, exists := t.active[workflowID]
	if !exists {
		t.mu.Unlock()
		slog.Warn("Completion for unknown workflow", "workflow_id", workflowID)
		return false
	}

	if success {
		progress.Status = StatusCompleted
		progress.CurrentStage = StageCompleted
		progress.ProgressPercentage = 100
	} else {
		progress.Status = StatusFailed
		progress.CurrentStage = StageFailed
	}
	progress.LastUpdate = t.now()
	if finalMetadata != nil {
		if progress.Metadata == nil {
			progress.Metadata = make(map[string]any, len(finalMetadata))
		}
		for k, v := range finalMetadata {
			progress.Metadata[k] = v
		}
	}

	snapshot := *progress
	delete(t.active, workflowID)
	delete(t.callbacks, workflowID)
	t.mu.Unlock()

	slog.Info("Workflow completed",
		"workflow_id", workflowID, "status", snapshot.Status,
		"duration", snapshot.LastUpdate.Sub(snapshot.StartTime))
	t.publishProgress(ctx, snapshot)
	return true
}

// FailWorkflow records an error message and completes the workflow
// unsuccessfully.
func (t *ProgressTracker) FailWorkflow(ctx context.Context, workflowID, errorMessage string, errorMetadata map[string]any) bool {
	t.mu.Lock()
	if progress, exists := t.active[workflowID]; exists {
		progress.ErrorMessage = errorMessage
	}
	t.mu.Unlock()
	return t.CompleteWorkflow(ctx, workflowID, false, errorMetadata)
}

// AddWorkflowCallback registers a callback invoked on every update of the
// workflow. Returns 0 for an unknown workflow.
func (t *ProgressTracker) AddWorkflowCallback(workflowID string, cb Callback) CallbackID {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, exists := t.callbacks[workflowID]
	if !exists {
		return 0
	}
	t.nextCallbackID++
	set[t.nextCallbackID] = cb
	return t.nextCallbackID
}

// RemoveWorkflowCallback removes a previously registered callback.
func (t *ProgressTracker) RemoveWorkflowCallback(workflowID string, id CallbackID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, exists := t.callbacks[workflowID]; exists {
		delete(set, id)
	}
}

// GetWorkflowStatus returns a snapshot of one active workflow.
func (t *ProgressTracker) GetWorkflowStatus(workflowID string) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	progress, exists := t.active[workflowID]
	if !exists {
		return Progress{}, false
	}
	return *progress, true
}

// GetActiveWorkflows returns snapshots of active workflows, optionally
// filtered by user.
func (t *ProgressTracker) GetActiveWorkflows(userID string) []Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshots := make([]Progress, 0, len(t.active))
	for _, progress := range t.active {
		if userID != "" && progress.UserID != userID {
			continue
		}
		snapshots = append(snapshots, *progress)
	}
	return snapshots
}

// EstimatedRemaining returns the estimated time left for a workflow. With
// an explicit estimated completion it is the clamped distance to it;
// otherwise elapsed time is extrapolated linearly from the progress
// percentage. Zero when unknown.
func (t *ProgressTracker) EstimatedRemaining(workflowID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	progress, exists := t.active[workflowID]
	if !exists {
		return 0
	}

	now := t.now()
	if progress.EstimatedCompletion != nil {
		remaining := progress.EstimatedCompletion.Sub(now)
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	if progress.ProgressPercentage <= 0 {
		return 0
	}
	elapsed := now.Sub(progress.StartTime)
	total := time.Duration(float64(elapsed) * 100 / progress.ProgressPercentage)
	return total - elapsed
}

// recomputeLocked refreshes the progress percentage and last-update stamp.
// Progress never decreases: milestone and step recomputation only raise it.
func (t *ProgressTracker) recomputeLocked(progress *Progress) {
	milestonePct := 0.0
	totalWeight := 0.0
	doneWeight := 0.0
	for _, m := range progress.Milestones {
		totalWeight += m.Weight
		if m.Completed {
			doneWeight += m.Weight
		}
	}
	if totalWeight > 0 {
		milestonePct = doneWeight / totalWeight * 100
	}

	stepPct := 0.0
	if progress.TotalSteps > 0 {
		stepPct = float64(progress.CompletedSteps) / float64(progress.TotalSteps) * 100
	}

	pct := max(milestonePct, stepPct)
	if pct > 100 {
		pct = 100
	}
	if pct > progress.ProgressPercentage {
		progress.ProgressPercentage = pct
	}
	progress.LastUpdate = t.now()
}

// notify runs callbacks and publishes the progress event for a snapshot.
func (t *ProgressTracker) notify(ctx context.Context, snapshot Progress) {
	t.mu.RLock()
	set := t.callbacks[snapshot.WorkflowID]
	callbacks := make([]Callback, 0, len(set))
	for _, cb := range set {
		callbacks = append(callbacks, cb)
	}
	t.mu.RUnlock()

	for _, cb := range callbacks {
		t.invokeCallback(snapshot.WorkflowID, snapshot, cb)
	}
	t.publishProgress(ctx, snapshot)
}

func (t *ProgressTracker) invokeCallback(workflowID string, snapshot Progress, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Workflow callback panicked", "workflow_id", workflowID, "panic", r)
		}
	}()
	cb(workflowID, snapshot)
}

// publishProgress emits a workflow_progress event when publishing is
// enabled. Publish failures are logged, never propagated.
func (t *ProgressTracker) publishProgress(ctx context.Context, snapshot Progress) {
	if t.publisher == nil || !t.cfg.PublishUpdates() {
		return
	}

	data := map[string]any{
		"workflow_type":       snapshot.WorkflowType,
		"status":              string(snapshot.Status),
		"current_stage":       string(snapshot.CurrentStage),
		"progress_percentage": snapshot.ProgressPercentage,
		"current_step":        snapshot.CurrentStep,
		"total_steps":         snapshot.TotalSteps,
		"completed_steps":     snapshot.CompletedSteps,
	}
	if snapshot.EstimatedCompletion != nil {
		data["estimated_completion"] = snapshot.EstimatedCompletion.Format(time.RFC3339Nano)
	}
	if snapshot.ErrorMessage != "" {
		data["error_message"] = snapshot.ErrorMessage
	}

	if err := t.publisher.Publish(ctx, events.Event{
		EventType:  events.EventTypeWorkflowProgress,
		WorkflowID: snapshot.WorkflowID,
		UserID:     snapshot.UserID,
		Data:       data,
	}); err != nil {
		slog.Warn("Failed to publish workflow progress",
			"workflow_id", snapshot.WorkflowID, "error", err)
	}
}

// runCleanup periodically fails workflows that exceeded the workflow
// timeout or stopped receiving updates.
func (t *ProgressTracker) runCleanup(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cleanupStale(ctx)
		}
	}
}

// cleanupStale fails workflows older than the workflow timeout or idle for
// more than twice the cleanup interval.
func (t *ProgressTracker) cleanupStale(ctx context.Context) {
	now := t.now()
	staleAfter := 2 * t.cfg.CleanupInterval

	t.mu.RLock()
	var stale []string
	for id, progress := range t.active {
		if now.Sub(progress.StartTime) > t.cfg.WorkflowTimeout ||
			now.Sub(progress.LastUpdate) > staleAfter {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range stale {
		slog.Warn("Failing stale workflow", "workflow_id", id)
		t.FailWorkflow(ctx, id, "workflow timed out", nil)
	}
}
