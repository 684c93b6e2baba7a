package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"arcadiaforge/internal/logging"
)

// Evidence is one piece of support for or against a hypothesis.
type Evidence struct {
	AddedAt     time.Time `json:"added_at"`
	SessionID   int       `json:"session_id"`
	Description string    `json:"description"`
	Supports    bool      `json:"supports"`
	Source      string    `json:"source"`
	Confidence  float64   `json:"confidence"`
}

// Hypothesis is an observation tracked across sessions.
type Hypothesis struct {
	HypothesisID   string // "HYP-{session}-{seq}"
	CreatedAt      time.Time
	CreatedSession int

	HypothesisType string
	Observation    string
	Hypothesis     string
	Confidence     float64
	Status         string // open, confirmed, rejected, irrelevant, superseded

	ContextKeywords []string
	RelatedFeatures []int
	RelatedErrors   []string
	RelatedFiles    []string

	EvidenceFor     []Evidence
	EvidenceAgainst []Evidence

	ResolvedAt      *time.Time
	ResolvedSession *int
	Resolution      string
	SupersededBy    string

	LastReviewed *time.Time
	ReviewCount  int
	SessionsSeen []int
}

const hypothesisColumns = `hypothesis_id, created_at, created_session,
	hypothesis_type, observation, hypothesis, confidence, status,
	context_keywords, related_features, related_errors, related_files,
	evidence_for, evidence_against, resolved_at, resolved_session, resolution,
	superseded_by, last_reviewed, review_count, sessions_seen`

// NextHypothesisSeq returns the next global hypothesis sequence number.
func (s *ProjectStore) NextHypothesisSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "hypotheses", "hypothesis_id")
}

// InsertHypothesis stores a hypothesis row.
func (s *ProjectStore) InsertHypothesis(h Hypothesis) error {
	logging.StoreDebug("InsertHypothesis: %s type=%s", h.HypothesisID, h.HypothesisType)
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO hypotheses
			 (hypothesis_id, created_session, hypothesis_type, observation, hypothesis,
			  confidence, status, context_keywords, related_features, related_errors,
			  related_files, evidence_for, evidence_against, sessions_seen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.HypothesisID, h.CreatedSession, h.HypothesisType, h.Observation,
			h.Hypothesis, h.Confidence, h.Status, marshalJSON(h.ContextKeywords),
			marshalJSON(h.RelatedFeatures), marshalJSON(h.RelatedErrors),
			marshalJSON(h.RelatedFiles), marshalJSON(h.EvidenceFor),
			marshalJSON(h.EvidenceAgainst), marshalJSON(h.SessionsSeen),
		)
		return err
	})
}

// UpdateHypothesis rewrites the mutable fields of a hypothesis.
func (s *ProjectStore) UpdateHypothesis(h Hypothesis) error {
	return s.exec(func(db *sql.DB) error {
		var resolvedAt interface{}
		if h.ResolvedAt != nil {
			resolvedAt = *h.ResolvedAt
		}
		var resolvedSession interface{}
		if h.ResolvedSession != nil {
			resolvedSession = *h.ResolvedSession
		}
		var lastReviewed interface{}
		if h.LastReviewed != nil {
			lastReviewed = *h.LastReviewed
		}
		_, err := db.Exec(
			`UPDATE hypotheses SET
			 confidence = ?, status = ?, evidence_for = ?, evidence_against = ?,
			 resolved_at = ?, resolved_session = ?, resolution = ?, superseded_by = ?,
			 last_reviewed = ?, review_count = ?, sessions_seen = ?
			 WHERE hypothesis_id = ?`,
			h.Confidence, h.Status, marshalJSON(h.EvidenceFor),
			marshalJSON(h.EvidenceAgainst), resolvedAt, resolvedSession,
			h.Resolution, h.SupersededBy, lastReviewed, h.ReviewCount,
			marshalJSON(h.SessionsSeen), h.HypothesisID,
		)
		return err
	})
}

// GetHypothesis retrieves a hypothesis by its ID.
func (s *ProjectStore) GetHypothesis(hypothesisID string) (*Hypothesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+hypothesisColumns+" FROM hypotheses WHERE hypothesis_id = ?",
		hypothesisID,
	)
	h, err := scanHypothesis(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// HypothesisFilter narrows ListHypotheses.
type HypothesisFilter struct {
	Status         string
	HypothesisType string
	SessionID      int // 0 = any
	Limit          int
}

// ListHypotheses returns hypotheses newest first, subject to the filter.
func (s *ProjectStore) ListHypotheses(filter HypothesisFilter) ([]Hypothesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + hypothesisColumns + " FROM hypotheses WHERE 1=1"
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.HypothesisType != "" {
		query += " AND hypothesis_type = ?"
		args = append(args, filter.HypothesisType)
	}
	if filter.SessionID > 0 {
		query += " AND created_session = ?"
		args = append(args, filter.SessionID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func scanHypothesis(scan func(dest ...interface{}) error) (*Hypothesis, error) {
	var h Hypothesis
	var keywords, features, errors, files, evFor, evAgainst, sessionsSeen string
	var resolvedAt, lastReviewed sql.NullTime
	var resolvedSession sql.NullInt64
	var resolution, supersededBy sql.NullString

	err := scan(
		&h.HypothesisID, &h.CreatedAt, &h.CreatedSession, &h.HypothesisType,
		&h.Observation, &h.Hypothesis, &h.Confidence, &h.Status,
		&keywords, &features, &errors, &files, &evFor, &evAgainst,
		&resolvedAt, &resolvedSession, &resolution, &supersededBy,
		&lastReviewed, &h.ReviewCount, &sessionsSeen,
	)
	if err != nil {
		return nil, err
	}

	h.ContextKeywords = unmarshalStrings(keywords)
	h.RelatedFeatures = unmarshalInts(features)
	h.RelatedErrors = unmarshalStrings(errors)
	h.RelatedFiles = unmarshalStrings(files)
	json.Unmarshal([]byte(evFor), &h.EvidenceFor)
	json.Unmarshal([]byte(evAgainst), &h.EvidenceAgainst)
	h.ResolvedAt = nullTime(resolvedAt)
	h.ResolvedSession = nullInt(resolvedSession)
	h.Resolution = nullString(resolution)
	h.SupersededBy = nullString(supersededBy)
	h.LastReviewed = nullTime(lastReviewed)
	h.SessionsSeen = unmarshalInts(sessionsSeen)
	return &h, nil
}
