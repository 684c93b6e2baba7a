package store

import (
	"database/sql"
	"time"
)

// Event is one entry in the run event stream.
type Event struct {
	EventID      string
	RunID        string
	SessionID    int
	Timestamp    time.Time
	Type         string
	Source       string
	FeatureIndex *int
	Payload      map[string]interface{}
}

const eventColumns = `event_id, run_id, session_id, timestamp, type, source,
	feature_index, payload`

// InsertEvent appends an event to the stream.
func (s *ProjectStore) InsertEvent(e Event) error {
	return s.exec(func(db *sql.DB) error {
		var featureIndex interface{}
		if e.FeatureIndex != nil {
			featureIndex = *e.FeatureIndex
		}
		_, err := db.Exec(
			`INSERT INTO events (event_id, run_id, session_id, type, source, feature_index, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, e.RunID, e.SessionID, e.Type, e.Source, featureIndex,
			marshalJSON(e.Payload),
		)
		return err
	})
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	SessionID    int // 0 = any
	Type         string
	Tool         string // matches the payload tool_name field
	FeatureIndex int    // -1 = any
	Limit        int
}

// ListEvents returns events newest first, subject to the filter.
func (s *ProjectStore) ListEvents(filter EventFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + eventColumns + " FROM events WHERE 1=1"
	var args []interface{}

	if filter.SessionID > 0 {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.FeatureIndex >= 0 {
		query += " AND feature_index = ?"
		args = append(args, filter.FeatureIndex)
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			continue
		}
		if filter.Tool != "" {
			tool, _ := e.Payload["tool_name"].(string)
			if tool != filter.Tool {
				continue
			}
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SessionEvents returns the full event stream for one session, oldest first.
func (s *ProjectStore) SessionEvents(sessionID int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+eventColumns+" FROM events WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountEventsByType aggregates event counts for a session (0 = all).
func (s *ProjectStore) CountEventsByType(sessionID int) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT type, COUNT(*) FROM events"
	var args []interface{}
	if sessionID > 0 {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " GROUP BY type"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var etype string
		var count int
		if err := rows.Scan(&etype, &count); err == nil {
			out[etype] = count
		}
	}
	return out, rows.Err()
}

func scanEvent(scan func(dest ...interface{}) error) (*Event, error) {
	var e Event
	var featureIndex sql.NullInt64
	var payload string

	err := scan(
		&e.EventID, &e.RunID, &e.SessionID, &e.Timestamp, &e.Type,
		&e.Source, &featureIndex, &payload,
	)
	if err != nil {
		return nil, err
	}

	e.FeatureIndex = nullInt(featureIndex)
	e.Payload = unmarshalMap(payload)
	return &e, nil
}
