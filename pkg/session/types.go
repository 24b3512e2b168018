// Package session implements the gameplay session controller: session
// lifecycle with pause/resume recovery, break-point detection, and
// end-of-session summaries. It is the composition layer over the
// coordinator, tracker, and event bus.
package session

import "time"

// State is a session's lifecycle state.
type State string

// Session states.
const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateEnded  State = "ended"
)

// Choice records one player decision inside a scene.
type Choice struct {
	ChoiceID    string    `json:"choice_id"`
	SceneID     string    `json:"scene_id"`
	Description string    `json:"description,omitempty"`
	ChosenAt    time.Time `json:"chosen_at"`
}

// GameSession is the controller's per-session state. The controller owns
// the canonical copy; callers receive snapshots.
type GameSession struct {
	SessionID        string             `json:"session_id"`
	UserID           string             `json:"user_id"`
	State            State              `json:"state"`
	TherapeuticGoals []string           `json:"therapeutic_goals,omitempty"`
	StartTime        time.Time          `json:"start_time"`
	LastActivity     time.Time          `json:"last_activity"`
	PausedAt         *time.Time         `json:"paused_at,omitempty"`
	SceneHistory     []string           `json:"scene_history"`
	ChoiceHistory    []Choice           `json:"choice_history"`
	EmotionalState   map[string]float64 `json:"emotional_state,omitempty"`
	Context          map[string]any     `json:"context,omitempty"`
	WorkflowID       string             `json:"workflow_id,omitempty"`

	// ResumeContext is the snapshot taken at pause time and consumed by
	// the next resume.
	ResumeContext map[string]any `json:"resume_context,omitempty"`

	lastBreakAt time.Time
}

// BreakPointType categorizes a break-point detector.
type BreakPointType string

// Break-point categories.
const (
	BreakTimeBased       BreakPointType = "time_based"
	BreakMilestone       BreakPointType = "milestone"
	BreakEmotional       BreakPointType = "emotional"
	BreakSceneTransition BreakPointType = "scene_transition"
)

// BreakPoint is a suggested pause moment with an appropriateness score in
// [0,1]; higher scores are better moments to offer a break.
type BreakPoint struct {
	Type            BreakPointType `json:"break_type"`
	Reason          string         `json:"reason"`
	Appropriateness float64        `json:"appropriateness"`
	DetectedAt      time.Time      `json:"detected_at"`
}

// Summary is the end-of-session report.
type Summary struct {
	SessionID        string        `json:"session_id"`
	UserID           string        `json:"user_id"`
	Duration         time.Duration `json:"duration"`
	ScenesVisited    int           `json:"scenes_visited"`
	ChoicesMade      int           `json:"choices_made"`
	EngagementScore  float64       `json:"engagement_score"`
	TherapeuticScore float64       `json:"therapeutic_score"`
	TherapeuticGoals []string      `json:"therapeutic_goals,omitempty"`
}
