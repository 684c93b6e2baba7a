package store

import (
	"database/sql"
	"time"

	"arcadiaforge/internal/logging"
)

// InjectionPoint is a pending or answered request for human input.
type InjectionPoint struct {
	PointID   string // "INJ-{session}-{seq}"
	Timestamp time.Time
	SessionID int

	PointType      string // decision, approval, guidance, review, redirect
	Context        map[string]interface{}
	Options        []string
	Recommendation string

	TimeoutSeconds   int
	DefaultOnTimeout string

	Response    string
	RespondedAt *time.Time
	RespondedBy string // pending, human, timeout_default, escalation, cancelled, pause_requested

	Status string // pending, responded, timeout, cancelled

	EscalationRuleID string
	Message          string
	Severity         int
}

const injectionColumns = `point_id, timestamp, session_id, point_type, context,
	options, recommendation, timeout_seconds, default_on_timeout, response,
	responded_at, responded_by, status, escalation_rule_id, message, severity`

// NextInjectionSeq returns the next global injection sequence number.
func (s *ProjectStore) NextInjectionSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "injection_points", "point_id")
}

// InsertInjectionPoint stores a new pending injection point.
func (s *ProjectStore) InsertInjectionPoint(p InjectionPoint) error {
	logging.HumanDebug("InsertInjectionPoint: %s type=%s session=%d", p.PointID, p.PointType, p.SessionID)
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO injection_points
			 (point_id, session_id, point_type, context, options, recommendation,
			  timeout_seconds, default_on_timeout, escalation_rule_id, message, severity)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.PointID, p.SessionID, p.PointType, marshalJSON(p.Context),
			marshalJSON(p.Options), p.Recommendation, p.TimeoutSeconds,
			p.DefaultOnTimeout, p.EscalationRuleID, p.Message, p.Severity,
		)
		return err
	})
}

// RespondToInjection records a response; only pending points accept one.
// Returns false if the point was not pending.
func (s *ProjectStore) RespondToInjection(pointID, response, respondedBy, status string) (bool, error) {
	var updated bool
	err := s.exec(func(db *sql.DB) error {
		res, err := db.Exec(
			`UPDATE injection_points SET response = ?, responded_at = ?,
			 responded_by = ?, status = ? WHERE point_id = ? AND status = 'pending'`,
			response, time.Now().UTC(), respondedBy, status, pointID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	return updated, err
}

// GetInjectionPoint retrieves a point by its ID.
func (s *ProjectStore) GetInjectionPoint(pointID string) (*InjectionPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+injectionColumns+" FROM injection_points WHERE point_id = ?",
		pointID,
	)
	p, err := scanInjection(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListInjectionPoints returns points newest first, optionally filtered
// by status.
func (s *ProjectStore) ListInjectionPoints(status string, limit int) ([]InjectionPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + injectionColumns + " FROM injection_points"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InjectionPoint
	for rows.Next() {
		p, err := scanInjection(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// InjectionStats summarizes the injection table.
type InjectionStats struct {
	Total         int
	PendingCount  int
	ByType        map[string]int
	ByRespondedBy map[string]int
}

// GetInjectionStats aggregates injection point counts.
func (s *ProjectStore) GetInjectionStats() (*InjectionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &InjectionStats{
		ByType:        make(map[string]int),
		ByRespondedBy: make(map[string]int),
	}

	s.db.QueryRow("SELECT COUNT(*) FROM injection_points").Scan(&stats.Total)
	s.db.QueryRow("SELECT COUNT(*) FROM injection_points WHERE status = 'pending'").Scan(&stats.PendingCount)

	rows, err := s.db.Query("SELECT point_type, COUNT(*) FROM injection_points GROUP BY point_type")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ptype string
		var count int
		if err := rows.Scan(&ptype, &count); err == nil {
			stats.ByType[ptype] = count
		}
	}
	rows.Close()

	rows, err = s.db.Query("SELECT responded_by, COUNT(*) FROM injection_points GROUP BY responded_by")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var by string
		var count int
		if err := rows.Scan(&by, &count); err == nil {
			stats.ByRespondedBy[by] = count
		}
	}
	rows.Close()

	return stats, nil
}

func scanInjection(scan func(dest ...interface{}) error) (*InjectionPoint, error) {
	var p InjectionPoint
	var context, options string
	var defaultOnTimeout, response, ruleID, message sql.NullString
	var respondedAt sql.NullTime

	err := scan(
		&p.PointID, &p.Timestamp, &p.SessionID, &p.PointType, &context,
		&options, &p.Recommendation, &p.TimeoutSeconds, &defaultOnTimeout,
		&response, &respondedAt, &p.RespondedBy, &p.Status, &ruleID,
		&message, &p.Severity,
	)
	if err != nil {
		return nil, err
	}

	p.Context = unmarshalMap(context)
	p.Options = unmarshalStrings(options)
	p.DefaultOnTimeout = nullString(defaultOnTimeout)
	p.Response = nullString(response)
	p.RespondedAt = nullTime(respondedAt)
	p.EscalationRuleID = nullString(ruleID)
	p.Message = nullString(message)
	return &p, nil
}
