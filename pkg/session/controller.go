package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyweave/agentcore/pkg/config"
	"github.com/storyweave/agentcore/pkg/events"
	"github.com/storyweave/agentcore/pkg/workflow"
)

// Controller drives session lifecycle: starting and resuming sessions,
// pausing with a resume snapshot, ending with a summary, and suggesting
// break points. Each active session is mirrored into the progress tracker
// as a workflow so downstream consumers see session progress the same way
// they see any other workflow.
type Controller struct {
	cfg       *config.SessionConfig
	publisher events.EventPublisher // nil = publishing disabled
	tracker   workflow.ProgressSink // nil = no tracking

	mu       sync.Mutex
	sessions map[string]*GameSession
	paused   map[string]string // user_id -> paused session_id

	// now is overridable in tests.
	now func() time.Time
}

// NewController creates a session controller. publisher and tracker may be
// nil.
func NewController(cfg *config.SessionConfig, publisher events.EventPublisher, tracker workflow.ProgressSink) *Controller {
	return &Controller{
		cfg:       cfg,
		publisher: publisher,
		tracker:   tracker,
		sessions:  make(map[string]*GameSession),
		paused:    make(map[string]string),
		now:       time.Now,
	}
}

// StartSession begins a session for the user. A session the user paused
// within the recovery window is resumed instead of starting fresh; the
// second return value reports which happened.
func (c *Controller) StartSession(ctx context.Context, userID string, sessionContext map[string]any, therapeuticGoals []string) (GameSession, bool, error) {
	if userID == "" {
		return GameSession{}, false, fmt.Errorf("user id is required")
	}

	now := c.now()

	c.mu.Lock()
	if pausedID, exists := c.paused[userID]; exists {
		session := c.sessions[pausedID]
		if session != nil && session.PausedAt != nil &&
			now.Sub(*session.PausedAt) <= c.cfg.RecoveryWindow {
			c.mu.Unlock()
			snapshot, _, err := c.resumeSession(ctx, pausedID)
			return snapshot, true, err
		}
		// Recovery window elapsed; the stale session ends quietly.
		delete(c.paused, userID)
		if session != nil {
			session.State = StateEnded
			delete(c.sessions, pausedID)
		}
	}

	session := &GameSession{
		SessionID:        uuid.NewString(),
		UserID:           userID,
		State:            StateActive,
		TherapeuticGoals: append([]string(nil), therapeuticGoals...),
		StartTime:        now,
		LastActivity:     now,
		EmotionalState:   make(map[string]float64),
		Context:          sessionContext,
		lastBreakAt:      now,
	}
	c.sessions[session.SessionID] = session
	snapshot := *session
	c.mu.Unlock()

	if c.tracker != nil {
		workflowID, err := c.tracker.StartWorkflow(ctx, workflow.StartRequest{
			WorkflowType: "gameplay_session",
			UserID:       userID,
			WorkflowID:   snapshot.SessionID,
		})
		if err != nil {
			slog.Warn("Failed to track session workflow",
				"session_id", snapshot.SessionID, "error", err)
		} else {
			c.mu.Lock()
			if s, exists := c.sessions[snapshot.SessionID]; exists {
				s.WorkflowID = workflowID
			}
			c.mu.Unlock()
			snapshot.WorkflowID = workflowID
		}
	}

	slog.Info("Session started", "session_id", snapshot.SessionID, "user_id", userID)
	c.publish(ctx, events.EventTypeSessionStarted, &snapshot, map[string]any{
		"therapeutic_goals": snapshot.TherapeuticGoals,
	})
	return snapshot, false, nil
}

// PauseSession pauses an active session and snapshots a resume context.
func (c *Controller) PauseSession(ctx context.Context, sessionID string) error {
	now := c.now()

	c.mu.Lock()
	session, exists := c.sessions[sessionID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if session.State != StateActive {
		c.mu.Unlock()
		return fmt.Errorf("session %s is %s, not active", sessionID, session.State)
	}

	session.State = StatePaused
	session.PausedAt = &now
	session.ResumeContext = map[string]any{
		"paused_at":     now.Format(time.RFC3339Nano),
		"scene_count":   len(session.SceneHistory),
		"choice_count":  len(session.ChoiceHistory),
		"current_scene": lastScene(session),
	}
	c.paused[session.UserID] = sessionID
	snapshot := *session
	c.mu.Unlock()

	slog.Info("Session paused", "session_id", sessionID, "user_id", snapshot.UserID)
	c.publish(ctx, events.EventTypeSessionPaused, &snapshot, map[string]any{
		"resume_context": snapshot.ResumeContext,
	})
	return nil
}

// ResumeSession reactivates a paused session and returns a recap of where
// the player left off.
func (c *Controller) ResumeSession(ctx context.Context, sessionID string) (GameSession, string, error) {
	return c.resumeSession(ctx, sessionID)
}

func (c *Controller) resumeSession(ctx context.Context, sessionID string) (GameSession, string, error) {
	now := c.now()

	c.mu.Lock()
	session, exists := c.sessions[sessionID]
	if !exists {
		c.mu.Unlock()
		return GameSession{}, "", fmt.Errorf("unknown session %s", sessionID)
	}
	if session.State != StatePaused {
		c.mu.Unlock()
		return GameSession{}, "", fmt.Errorf("session %s is %s, not paused", sessionID, session.State)
	}
	if session.PausedAt != nil && now.Sub(*session.PausedAt) > c.cfg.RecoveryWindow {
		c.mu.Unlock()
		return GameSession{}, "", fmt.Errorf("session %s recovery window elapsed", sessionID)
	}

	session.State = StateActive
	session.PausedAt = nil
	session.LastActivity = now
	session.lastBreakAt = now
	delete(c.paused, session.UserID)

	recap := buildRecap(session)
	session.ResumeContext = nil
	snapshot := *session
	c.mu.Unlock()

	slog.Info("Session resumed", "session_id", sessionID, "user_id", snapshot.UserID)
	c.publish(ctx, events.EventTypeSessionResumed, &snapshot, map[string]any{
		"recap": recap,
	})
	return snapshot, recap, nil
}

// EndSession ends a session and returns its summary. The mirrored workflow
// is completed successfully.
func (c *Controller) EndSession(ctx context.Context, sessionID string) (Summary, error) {
	now := c.now()

	c.mu.Lock()
	session, exists := c.sessions[sessionID]
	if !exists {
		c.mu.Unlock()
		return Summary{}, fmt.Errorf("unknown session %s", sessionID)
	}
	session.State = StateEnded
	delete(c.paused, session.UserID)
	delete(c.sessions, sessionID)
	snapshot := *session
	c.mu.Unlock()

	summary := Summary{
		SessionID:        snapshot.SessionID,
		UserID:           snapshot.UserID,
		Duration:         now.Sub(snapshot.StartTime),
		ScenesVisited:    len(snapshot.SceneHistory),
		ChoicesMade:      len(snapshot.ChoiceHistory),
		EngagementScore:  engagementScore(&snapshot, now),
		TherapeuticScore: therapeuticScore(&snapshot),
		TherapeuticGoals: snapshot.TherapeuticGoals,
	}

	if c.tracker != nil && snapshot.WorkflowID != "" {
		c.tracker.CompleteWorkflow(ctx, snapshot.WorkflowID, true, map[string]any{
			"scenes_visited": summary.ScenesVisited,
			"choices_made":   summary.ChoicesMade,
		})
	}

	slog.Info("Session ended",
		"session_id", sessionID, "user_id", snapshot.UserID,
		"duration", summary.Duration, "scenes", summary.ScenesVisited)
	c.publish(ctx, events.EventTypeSessionEnded, &snapshot, map[string]any{
		"duration_seconds":  summary.Duration.Seconds(),
		"scenes_visited":    summary.ScenesVisited,
		"choices_made":      summary.ChoicesMade,
		"engagement_score":  summary.EngagementScore,
		"therapeutic_score": summary.TherapeuticScore,
	})
	return summary, nil
}

// RecordScene appends a scene to the session's history.
func (c *Controller) RecordScene(sessionID, sceneID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, exists := c.sessions[sessionID]
	if !exists || session.State != StateActive {
		return false
	}
	session.SceneHistory = append(session.SceneHistory, sceneID)
	session.LastActivity = c.now()
	return true
}

// RecordChoice appends a player choice and publishes a choice_made event.
func (c *Controller) RecordChoice(ctx context.Context, sessionID string, choice Choice) bool {
	c.mu.Lock()
	session, exists := c.sessions[sessionID]
	if !exists || session.State != StateActive {
		c.mu.Unlock()
		return false
	}
	if choice.ChosenAt.IsZero() {
		choice.ChosenAt = c.now()
	}
	session.ChoiceHistory = append(session.ChoiceHistory, choice)
	session.LastActivity = c.now()
	snapshot := *session
	c.mu.Unlock()

	c.publish(ctx, events.EventTypeChoiceMade, &snapshot, map[string]any{
		"choice_id": choice.ChoiceID,
		"scene_id":  choice.SceneID,
	})
	return true
}

// UpdateEmotionalState merges emotional readings into the session.
func (c *Controller) UpdateEmotionalState(sessionID string, readings map[string]float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, exists := c.sessions[sessionID]
	if !exists || session.State != StateActive {
		return false
	}
	for k, v := range readings {
		session.EmotionalState[k] = v
	}
	session.LastActivity = c.now()
	return true
}

// GetSession returns a snapshot of one session.
func (c *Controller) GetSession(sessionID string) (GameSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, exists := c.sessions[sessionID]
	if !exists {
		return GameSession{}, false
	}
	return *session, true
}

// RecordBreakResponse notes the player's answer to a break offer. An
// accepted break pauses the session.
func (c *Controller) RecordBreakResponse(ctx context.Context, sessionID string, accepted bool) error {
	c.mu.Lock()
	session, exists := c.sessions[sessionID]
	if exists {
		session.lastBreakAt = c.now()
	}
	c.mu.Unlock()

	if !exists {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if accepted {
		return c.PauseSession(ctx, sessionID)
	}
	return nil
}

// publish emits a session lifecycle event. Failures are logged, never
// propagated.
func (c *Controller) publish(ctx context.Context, eventType string, session *GameSession, data map[string]any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, events.Event{
		EventType:  eventType,
		SessionID:  session.SessionID,
		UserID:     session.UserID,
		WorkflowID: session.WorkflowID,
		Data:       data,
	}); err != nil {
		slog.Warn("Failed to publish session event",
			"session_id", session.SessionID, "event_type", eventType, "error", err)
	}
}

// buildRecap renders a short resume summary for the player.
func buildRecap(session *GameSession) string {
	scene := lastScene(session)
	if scene == "" {
		return fmt.Sprintf("Welcome back. Your session has %d choices so far.",
			len(session.ChoiceHistory))
	}
	return fmt.Sprintf("Welcome back. You were at %q with %d scenes visited and %d choices made.",
		scene, len(session.SceneHistory), len(session.ChoiceHistory))
}

func lastScene(session *GameSession) string {
	if len(session.SceneHistory) == 0 {
		return ""
	}
	return session.SceneHistory[len(session.SceneHistory)-1]
}

// engagementScore is a coarse [0,1] activity measure: choices per minute
// against a one-per-two-minutes baseline.
func engagementScore(session *GameSession, now time.Time) float64 {
	minutes := now.Sub(session.StartTime).Minutes()
	if minutes <= 0 {
		return 0
	}
	score := float64(len(session.ChoiceHistory)) / minutes * 2
	if score > 1 {
		return 1
	}
	return score
}

// therapeuticScore is a coarse [0,1] measure of goal coverage: the
// fraction of therapeutic goals marked addressed in the session context.
func therapeuticScore(session *GameSession) float64 {
	if len(session.TherapeuticGoals) == 0 {
		return 0
	}
	addressed, _ := session.Context["goals_addressed"].([]string)
	if len(addressed) == 0 {
		return 0
	}
	met := make(map[string]struct{}, len(addressed))
	for _, g := range addressed {
		met[g] = struct{}{}
	}
	count := 0
	for _, g := range session.TherapeuticGoals {
		if _, ok := met[g]; ok {
			count++
		}
	}
	return float64(count) / float64(len(session.TherapeuticGoals))
}
