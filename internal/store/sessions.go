package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"arcadiaforge/internal/logging"
)

// Session is one execution session of the agent.
type Session struct {
	ID        int
	UUID      string
	StartTime time.Time
	EndTime   *time.Time
	Status    string // running, completed, failed
	TotalCost float64
}

// CreateSession starts a new session row and returns its ID.
func (s *ProjectStore) CreateSession() (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateSession")
	defer timer.Stop()

	var id int64
	err := s.exec(func(db *sql.DB) error {
		res, err := db.Exec(
			"INSERT INTO sessions (session_uuid, status) VALUES (?, 'running')",
			uuid.NewString(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	logging.StoreDebug("Created session %d", id)
	return int(id), nil
}

// EndSession marks a session finished with the given status and cost.
func (s *ProjectStore) EndSession(sessionID int, status string, totalCost float64) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE sessions SET end_time = ?, status = ?, total_cost = ? WHERE id = ?",
			time.Now().UTC(), status, totalCost, sessionID,
		)
		return err
	})
}

// GetSession retrieves a session by ID, or nil if it does not exist.
func (s *ProjectStore) GetSession(sessionID int) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT id, session_uuid, start_time, end_time, status, total_cost FROM sessions WHERE id = ?",
		sessionID,
	)
	return scanSession(row)
}

// ListSessions returns sessions newest first.
func (s *ProjectStore) ListSessions(limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id, session_uuid, start_time, end_time, status, total_cost FROM sessions ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var end sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.UUID, &sess.StartTime, &end, &sess.Status, &sess.TotalCost); err != nil {
			continue
		}
		sess.EndTime = nullTime(end)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TotalCost sums the recorded cost across all sessions.
func (s *ProjectStore) TotalCost() (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	err := s.db.QueryRow("SELECT COALESCE(SUM(total_cost), 0) FROM sessions").Scan(&total)
	return total, err
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var end sql.NullTime
	err := row.Scan(&sess.ID, &sess.UUID, &sess.StartTime, &end, &sess.Status, &sess.TotalCost)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.EndTime = nullTime(end)
	return &sess, nil
}

// PausedSession records a session paused for human attention.
type PausedSession struct {
	SessionID    int
	PausedAt     time.Time
	CheckpointID string
	Reason       string
	HumanNotes   string
	Resumed      bool
	ResumedAt    *time.Time
}

// PauseSession records a pause marker for the session.
func (s *ProjectStore) PauseSession(sessionID int, checkpointID, reason string) error {
	logging.Store("Pausing session %d (checkpoint=%s)", sessionID, checkpointID)
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO paused_sessions (session_id, checkpoint_id, reason)
			 VALUES (?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   paused_at = CURRENT_TIMESTAMP, checkpoint_id = excluded.checkpoint_id,
			   reason = excluded.reason, resumed = 0, resumed_at = NULL`,
			sessionID, checkpointID, reason,
		)
		return err
	})
}

// AddPauseNotes appends human notes to a paused session.
func (s *ProjectStore) AddPauseNotes(sessionID int, notes string) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE paused_sessions SET human_notes = human_notes || ? WHERE session_id = ? AND resumed = 0",
			notes+"\n", sessionID,
		)
		return err
	})
}

// ResumeSession marks the pause record resumed and returns it.
func (s *ProjectStore) ResumeSession(sessionID int) (*PausedSession, error) {
	paused, err := s.GetPausedSession(sessionID)
	if err != nil {
		return nil, err
	}
	if paused == nil {
		return nil, nil
	}

	err = s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE paused_sessions SET resumed = 1, resumed_at = ? WHERE session_id = ?",
			time.Now().UTC(), sessionID,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paused, nil
}

// GetPausedSession returns the unresumed pause record for a session, if any.
func (s *ProjectStore) GetPausedSession(sessionID int) (*PausedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT session_id, paused_at, COALESCE(checkpoint_id, ''), reason, human_notes, resumed, resumed_at
		 FROM paused_sessions WHERE session_id = ? AND resumed = 0`,
		sessionID,
	)
	return scanPaused(row)
}

// LatestPausedSession returns the most recent unresumed pause, if any.
func (s *ProjectStore) LatestPausedSession() (*PausedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT session_id, paused_at, COALESCE(checkpoint_id, ''), reason, human_notes, resumed, resumed_at
		 FROM paused_sessions WHERE resumed = 0 ORDER BY paused_at DESC LIMIT 1`,
	)
	return scanPaused(row)
}

func scanPaused(row *sql.Row) (*PausedSession, error) {
	var p PausedSession
	var resumedAt sql.NullTime
	err := row.Scan(&p.SessionID, &p.PausedAt, &p.CheckpointID, &p.Reason, &p.HumanNotes, &p.Resumed, &resumedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ResumedAt = nullTime(resumedAt)
	return &p, nil
}
