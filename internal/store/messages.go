package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentMessage is a note one session leaves for later sessions.
type AgentMessage struct {
	MessageID        string // "MSG-{session}-{seq}"
	CreatedAt        time.Time
	CreatedBySession int

	MessageType string // handoff, warning, reminder, context
	Priority    int    // 1 highest .. 5 lowest
	Subject     string
	Body        string

	RelatedFeatures []int
	Tags            []string

	ReadBySessions        []int
	Acknowledged          bool
	AcknowledgedBySession *int
	AcknowledgedAt        *time.Time
}

const messageColumns = `message_id, created_at, created_by_session,
	message_type, priority, subject, body, related_features, tags,
	read_by_sessions, acknowledged, acknowledged_by_session, acknowledged_at`

// NextMessageSeq returns the next global message sequence number.
func (s *ProjectStore) NextMessageSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "agent_messages", "message_id")
}

// InsertAgentMessage stores a cross-session message.
func (s *ProjectStore) InsertAgentMessage(m AgentMessage) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO agent_messages
			 (message_id, created_by_session, message_type, priority, subject,
			  body, related_features, tags)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MessageID, m.CreatedBySession, m.MessageType, m.Priority,
			m.Subject, m.Body, marshalJSON(m.RelatedFeatures),
			marshalJSON(m.Tags),
		)
		return err
	})
}

// MarkMessageRead appends the session to the message's reader list.
func (s *ProjectStore) MarkMessageRead(messageID string, sessionID int) error {
	return s.exec(func(db *sql.DB) error {
		var readBy string
		err := db.QueryRow(
			"SELECT read_by_sessions FROM agent_messages WHERE message_id = ?",
			messageID,
		).Scan(&readBy)
		if err == sql.ErrNoRows {
			return fmt.Errorf("message %s not found", messageID)
		}
		if err != nil {
			return err
		}
		sessions := unmarshalInts(readBy)
		if containsInt(sessions, sessionID) {
			return nil
		}
		sessions = append(sessions, sessionID)
		_, err = db.Exec(
			"UPDATE agent_messages SET read_by_sessions = ? WHERE message_id = ?",
			marshalJSON(sessions), messageID,
		)
		return err
	})
}

// AcknowledgeMessage marks a message handled by the given session.
func (s *ProjectStore) AcknowledgeMessage(messageID string, sessionID int) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE agent_messages SET acknowledged = 1,
			 acknowledged_by_session = ?, acknowledged_at = ?
			 WHERE message_id = ?`,
			sessionID, time.Now().UTC(), messageID,
		)
		return err
	})
}

// UnreadMessages returns messages the session has not read yet, highest
// priority first.
func (s *ProjectStore) UnreadMessages(sessionID int) ([]AgentMessage, error) {
	all, err := s.ListAgentMessages(0)
	if err != nil {
		return nil, err
	}
	var out []AgentMessage
	for _, m := range all {
		if !containsInt(m.ReadBySessions, sessionID) && m.CreatedBySession != sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListAgentMessages returns messages ordered by priority then recency.
func (s *ProjectStore) ListAgentMessages(limit int) ([]AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + messageColumns + " FROM agent_messages ORDER BY priority ASC, id DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentMessage
	for rows.Next() {
		var m AgentMessage
		var features, tags, readBy string
		var ackBy sql.NullInt64
		var ackAt sql.NullTime
		err := rows.Scan(
			&m.MessageID, &m.CreatedAt, &m.CreatedBySession, &m.MessageType,
			&m.Priority, &m.Subject, &m.Body, &features, &tags, &readBy,
			&m.Acknowledged, &ackBy, &ackAt,
		)
		if err != nil {
			continue
		}
		m.RelatedFeatures = unmarshalInts(features)
		m.Tags = unmarshalStrings(tags)
		m.ReadBySessions = unmarshalInts(readBy)
		m.AcknowledgedBySession = nullInt(ackBy)
		m.AcknowledgedAt = nullTime(ackAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
