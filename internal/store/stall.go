package store

import (
	"database/sql"
	"time"

	"arcadiaforge/internal/logging"
)

// StallRecord tracks a run of sessions without forward progress.
type StallRecord struct {
	ID         int64
	DetectedAt time.Time
	SessionID  int

	StallType           string // no_progress, cyclic, capability_missing
	ConsecutiveSessions int
	LastPassingCount    int
	LastGitHash         string

	BlockedOn         string
	BlockedFeatures   []int
	MissingCapability string

	Escalated   bool
	EscalatedAt *time.Time
	Resolved    bool
	ResolvedAt  *time.Time
	Resolution  string
}

const stallColumns = `id, detected_at, session_id, stall_type,
	consecutive_sessions, last_passing_count, last_git_hash, blocked_on,
	blocked_features, missing_capability, escalated, escalated_at, resolved,
	resolved_at, resolution`

// InsertStallRecord opens a new stall record and returns its row id.
func (s *ProjectStore) InsertStallRecord(r StallRecord) (int64, error) {
	logging.StallDebug("InsertStallRecord: type=%s session=%d", r.StallType, r.SessionID)
	var id int64
	err := s.exec(func(db *sql.DB) error {
		res, err := db.Exec(
			`INSERT INTO stall_records
			 (session_id, stall_type, consecutive_sessions, last_passing_count,
			  last_git_hash, blocked_on, blocked_features, missing_capability)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.SessionID, r.StallType, r.ConsecutiveSessions, r.LastPassingCount,
			r.LastGitHash, r.BlockedOn, marshalJSON(r.BlockedFeatures),
			r.MissingCapability,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// TouchStallRecord bumps the consecutive counter on an open record.
func (s *ProjectStore) TouchStallRecord(id int64, sessionID, passingCount int, gitHash string) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE stall_records SET consecutive_sessions = consecutive_sessions + 1,
			 session_id = ?, last_passing_count = ?, last_git_hash = ?
			 WHERE id = ? AND resolved = 0`,
			sessionID, passingCount, gitHash, id,
		)
		return err
	})
}

// MarkStallEscalated flags an open record as escalated to a human.
func (s *ProjectStore) MarkStallEscalated(id int64) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE stall_records SET escalated = 1, escalated_at = ?
			 WHERE id = ? AND escalated = 0`,
			time.Now().UTC(), id,
		)
		return err
	})
}

// ResolveStallRecord closes a record with a resolution note.
func (s *ProjectStore) ResolveStallRecord(id int64, resolution string) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE stall_records SET resolved = 1, resolved_at = ?, resolution = ?
			 WHERE id = ?`,
			time.Now().UTC(), resolution, id,
		)
		return err
	})
}

// UnresolvedStall returns the open record of the given type, or nil.
func (s *ProjectStore) UnresolvedStall(stallType string) (*StallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+stallColumns+" FROM stall_records WHERE stall_type = ? AND resolved = 0 ORDER BY id DESC LIMIT 1",
		stallType,
	)
	r, err := scanStall(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListStallRecords returns records newest first.
func (s *ProjectStore) ListStallRecords(unresolvedOnly bool, limit int) ([]StallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + stallColumns + " FROM stall_records"
	if unresolvedOnly {
		query += " WHERE resolved = 0"
	}
	query += " ORDER BY id DESC LIMIT ?"

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StallRecord
	for rows.Next() {
		r, err := scanStall(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanStall(scan func(dest ...interface{}) error) (*StallRecord, error) {
	var r StallRecord
	var gitHash, blockedOn, missing, resolution sql.NullString
	var features string
	var escalatedAt, resolvedAt sql.NullTime

	err := scan(
		&r.ID, &r.DetectedAt, &r.SessionID, &r.StallType,
		&r.ConsecutiveSessions, &r.LastPassingCount, &gitHash, &blockedOn,
		&features, &missing, &r.Escalated, &escalatedAt, &r.Resolved,
		&resolvedAt, &resolution,
	)
	if err != nil {
		return nil, err
	}

	r.LastGitHash = nullString(gitHash)
	r.BlockedOn = nullString(blockedOn)
	r.BlockedFeatures = unmarshalInts(features)
	r.MissingCapability = nullString(missing)
	r.EscalatedAt = nullTime(escalatedAt)
	r.ResolvedAt = nullTime(resolvedAt)
	r.Resolution = nullString(resolution)
	return &r, nil
}
