package checkpoint

import (
	"fmt"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// PauseManager suspends and resumes sessions. Pausing always creates a
// checkpoint so resuming has a known-good restore point.
type PauseManager struct {
	manager *Manager
	store   *store.ProjectStore
}

func NewPauseManager(m *Manager, st *store.ProjectStore) *PauseManager {
	return &PauseManager{manager: m, store: st}
}

// Pause checkpoints the project and records a pause marker.
func (p *PauseManager) Pause(sessionID int, reason string) (*store.Checkpoint, error) {
	cp, err := p.manager.Create(TriggerHumanRequest, sessionID, CreateOptions{
		Metadata: map[string]interface{}{"pause_reason": reason},
	})
	if err != nil {
		return nil, err
	}
	if err := p.store.PauseSession(sessionID, cp.CheckpointID, reason); err != nil {
		return nil, err
	}
	logging.Human("Session %d paused: %s", sessionID, reason)
	return cp, nil
}

// AddNotes attaches human guidance to a paused session for the next run.
func (p *PauseManager) AddNotes(sessionID int, notes string) error {
	return p.store.AddPauseNotes(sessionID, notes)
}

// Resume clears the pause marker and returns the pause state, including
// any notes the human left while the session was suspended.
func (p *PauseManager) Resume(sessionID int) (*store.PausedSession, error) {
	ps, err := p.store.ResumeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		return nil, fmt.Errorf("session %d is not paused", sessionID)
	}
	logging.Human("Session %d resumed (paused at %s)", sessionID, ps.PausedAt.Format("15:04:05"))
	return ps, nil
}

// LatestPaused returns the most recent unresumed pause, or nil.
func (p *PauseManager) LatestPaused() (*store.PausedSession, error) {
	return p.store.LatestPausedSession()
}

// FormatPaused renders the pause banner shown at startup.
func FormatPaused(ps store.PausedSession) string {
	s := fmt.Sprintf("Session %d paused at %s", ps.SessionID, ps.PausedAt.Format("2006-01-02 15:04"))
	if ps.Reason != "" {
		s += fmt.Sprintf("\n  Reason: %s", ps.Reason)
	}
	if ps.CheckpointID != "" {
		s += fmt.Sprintf("\n  Checkpoint: %s", ps.CheckpointID)
	}
	if ps.HumanNotes != "" {
		s += fmt.Sprintf("\n  Notes: %s", ps.HumanNotes)
	}
	return s
}
