package session

import (
	"fmt"
	"time"
)

// emotionalBreakThreshold is the intensity reading past which an emotional
// break point fires.
const emotionalBreakThreshold = 0.7

// sceneTransitionWindow is how many scenes a transition break point stays
// relevant after a scene change.
const sceneTransitionWindow = 1

// DetectBreakPoints runs every detector against the session and returns
// the break points found, best first. Returns nil for unknown or inactive
// sessions.
func (c *Controller) DetectBreakPoints(sessionID string) []BreakPoint {
	c.mu.Lock()
	session, exists := c.sessions[sessionID]
	if !exists || session.State != StateActive {
		c.mu.Unlock()
		return nil
	}
	snapshot := *session
	lastBreak := session.lastBreakAt
	c.mu.Unlock()

	now := c.now()
	var points []BreakPoint

	if bp, ok := c.detectTimeBased(&snapshot, lastBreak); ok {
		points = append(points, bp)
	}
	if bp, ok := c.detectMilestone(&snapshot); ok {
		points = append(points, bp)
	}
	if bp, ok := c.detectEmotional(&snapshot); ok {
		points = append(points, bp)
	}
	if bp, ok := c.detectSceneTransition(&snapshot); ok {
		points = append(points, bp)
	}

	for i := range points {
		points[i].DetectedAt = now
	}
	// Highest appropriateness first; detectors emit at most one point
	// each, so a simple insertion pass is enough.
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j].Appropriateness > points[j-1].Appropriateness; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
	return points
}

// detectTimeBased fires when continuous play since the last break exceeds
// the configured interval. Appropriateness grows with overshoot.
func (c *Controller) detectTimeBased(session *GameSession, lastBreak time.Time) (BreakPoint, bool) {
	elapsed := c.now().Sub(lastBreak)
	if elapsed < c.cfg.BreakInterval {
		return BreakPoint{}, false
	}
	appropriateness := 0.5 + 0.5*float64(elapsed-c.cfg.BreakInterval)/float64(c.cfg.BreakInterval)
	if appropriateness > 1 {
		appropriateness = 1
	}
	return BreakPoint{
		Type:            BreakTimeBased,
		Reason:          fmt.Sprintf("playing continuously for %s", elapsed.Round(time.Minute)),
		Appropriateness: appropriateness,
	}, true
}

// detectMilestone fires on every Nth scene visited.
func (c *Controller) detectMilestone(session *GameSession) (BreakPoint, bool) {
	threshold := c.cfg.MilestoneBreakThreshold
	scenes := len(session.SceneHistory)
	if threshold <= 0 || scenes == 0 || scenes%threshold != 0 {
		return BreakPoint{}, false
	}
	return BreakPoint{
		Type:            BreakMilestone,
		Reason:          fmt.Sprintf("reached %d scenes", scenes),
		Appropriateness: 0.8,
	}, true
}

// detectEmotional fires when any emotional reading crosses the intensity
// threshold. The strongest reading drives the score.
func (c *Controller) detectEmotional(session *GameSession) (BreakPoint, bool) {
	peakKey := ""
	peak := 0.0
	for k, v := range session.EmotionalState {
		if v > peak {
			peak = v
			peakKey = k
		}
	}
	if peak < emotionalBreakThreshold {
		return BreakPoint{}, false
	}
	if peak > 1 {
		peak = 1
	}
	return BreakPoint{
		Type:            BreakEmotional,
		Reason:          fmt.Sprintf("elevated %s reading (%.2f)", peakKey, peak),
		Appropriateness: peak,
	}, true
}

// detectSceneTransition fires right after a scene change, a natural pause
// moment with modest appropriateness.
func (c *Controller) detectSceneTransition(session *GameSession) (BreakPoint, bool) {
	scenes := len(session.SceneHistory)
	if scenes < 2 {
		return BreakPoint{}, false
	}
	// A choice after the last scene means the player is mid-scene again.
	recentChoices := 0
	for _, choice := range session.ChoiceHistory {
		if choice.SceneID == session.SceneHistory[scenes-1] {
			recentChoices++
		}
	}
	if recentChoices > sceneTransitionWindow {
		return BreakPoint{}, false
	}
	return BreakPoint{
		Type:            BreakSceneTransition,
		Reason:          fmt.Sprintf("transitioned into scene %q", session.SceneHistory[scenes-1]),
		Appropriateness: 0.6,
	}, true
}
