package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"arcadiaforge/internal/logging"
)

// ContextSignature identifies the situation an intervention happened in.
type ContextSignature struct {
	FeatureCategory string `json:"feature_category"`
	ErrorPattern    string `json:"error_pattern"`
	ActionType      string `json:"action_type"`
	ToolName        string `json:"tool_name"`
	FilePattern     string `json:"file_pattern"`
	Hash            string `json:"hash"` // stable 16-hex digest
}

// Intervention is one recorded human correction.
type Intervention struct {
	InterventionID string // "INT-{seq:04d}"
	SessionID      int
	Timestamp      time.Time

	InterventionType string
	Signature        ContextSignature
	ContextDetails   map[string]interface{}

	OriginalAction    string
	OriginalRationale string
	HumanAction       string
	HumanRationale    string

	OutcomeTracked bool
	OutcomeSuccess *bool
	OutcomeNotes   string
}

// InterventionPattern is a learned response to a recurring situation.
type InterventionPattern struct {
	PatternID string // "PAT-{seq:04d}"
	Signature ContextSignature

	TimesMatched int
	TimesApplied int
	SuccessCount int
	FailureCount int

	RecommendedAction string
	Rationale         string

	AutoApply            bool
	Confidence           float64
	MinConfidenceForAuto float64

	SourceInterventionIDs []string
	CreatedAt             time.Time
	LastMatched           *time.Time
}

// CountInterventions returns the number of recorded interventions.
func (s *ProjectStore) CountInterventions() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM interventions").Scan(&count)
	return count, err
}

// CountInterventionPatterns returns the number of learned patterns.
func (s *ProjectStore) CountInterventionPatterns() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM intervention_patterns").Scan(&count)
	return count, err
}

// InsertIntervention stores an intervention record.
func (s *ProjectStore) InsertIntervention(iv Intervention) error {
	logging.InterventionDebug("InsertIntervention: %s type=%s", iv.InterventionID, iv.InterventionType)
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO interventions
			 (intervention_id, session_id, intervention_type, context_signature,
			  context_details, original_action, original_rationale, human_action,
			  human_rationale)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			iv.InterventionID, iv.SessionID, iv.InterventionType,
			marshalJSON(iv.Signature), marshalJSON(iv.ContextDetails),
			iv.OriginalAction, iv.OriginalRationale, iv.HumanAction,
			iv.HumanRationale,
		)
		return err
	})
}

// SetInterventionOutcome records whether a tracked intervention worked.
func (s *ProjectStore) SetInterventionOutcome(interventionID string, success bool, notes string) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE interventions SET outcome_tracked = 1, outcome_success = ?,
			 outcome_notes = ? WHERE intervention_id = ?`,
			success, notes, interventionID,
		)
		return err
	})
}

// ListInterventions returns interventions newest first.
func (s *ProjectStore) ListInterventions(limit int) ([]Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT intervention_id, session_id, timestamp, intervention_type,
		 context_signature, context_details, original_action, original_rationale,
		 human_action, human_rationale, outcome_tracked, outcome_success, outcome_notes
		 FROM interventions ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intervention
	for rows.Next() {
		var iv Intervention
		var signature, details string
		var origAction, origRationale, humanRationale, outcomeNotes sql.NullString
		var outcomeSuccess sql.NullBool
		err := rows.Scan(
			&iv.InterventionID, &iv.SessionID, &iv.Timestamp,
			&iv.InterventionType, &signature, &details, &origAction,
			&origRationale, &iv.HumanAction, &humanRationale,
			&iv.OutcomeTracked, &outcomeSuccess, &outcomeNotes,
		)
		if err != nil {
			continue
		}
		json.Unmarshal([]byte(signature), &iv.Signature)
		iv.ContextDetails = unmarshalMap(details)
		iv.OriginalAction = nullString(origAction)
		iv.OriginalRationale = nullString(origRationale)
		iv.HumanRationale = nullString(humanRationale)
		if outcomeSuccess.Valid {
			v := outcomeSuccess.Bool
			iv.OutcomeSuccess = &v
		}
		iv.OutcomeNotes = nullString(outcomeNotes)
		out = append(out, iv)
	}
	return out, rows.Err()
}

// UpsertInterventionPattern inserts a pattern or rewrites its state.
func (s *ProjectStore) UpsertInterventionPattern(p InterventionPattern) error {
	return s.exec(func(db *sql.DB) error {
		var lastMatched interface{}
		if p.LastMatched != nil {
			lastMatched = *p.LastMatched
		}
		_, err := db.Exec(
			`INSERT INTO intervention_patterns
			 (pattern_id, context_signature, times_matched, times_applied,
			  success_count, failure_count, recommended_action, rationale,
			  auto_apply, confidence, min_confidence_for_auto,
			  source_intervention_ids, last_matched)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(pattern_id) DO UPDATE SET
			   times_matched = excluded.times_matched,
			   times_applied = excluded.times_applied,
			   success_count = excluded.success_count,
			   failure_count = excluded.failure_count,
			   recommended_action = excluded.recommended_action,
			   rationale = excluded.rationale,
			   auto_apply = excluded.auto_apply,
			   confidence = excluded.confidence,
			   source_intervention_ids = excluded.source_intervention_ids,
			   last_matched = excluded.last_matched`,
			p.PatternID, marshalJSON(p.Signature), p.TimesMatched,
			p.TimesApplied, p.SuccessCount, p.FailureCount,
			p.RecommendedAction, p.Rationale, p.AutoApply, p.Confidence,
			p.MinConfidenceForAuto, marshalJSON(p.SourceInterventionIDs),
			lastMatched,
		)
		return err
	})
}

// ListInterventionPatterns returns all learned patterns.
func (s *ProjectStore) ListInterventionPatterns() ([]InterventionPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT pattern_id, context_signature, times_matched, times_applied,
		 success_count, failure_count, recommended_action, rationale, auto_apply,
		 confidence, min_confidence_for_auto, source_intervention_ids, created_at,
		 last_matched
		 FROM intervention_patterns ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InterventionPattern
	for rows.Next() {
		var p InterventionPattern
		var signature, sources string
		var lastMatched sql.NullTime
		err := rows.Scan(
			&p.PatternID, &signature, &p.TimesMatched, &p.TimesApplied,
			&p.SuccessCount, &p.FailureCount, &p.RecommendedAction,
			&p.Rationale, &p.AutoApply, &p.Confidence,
			&p.MinConfidenceForAuto, &sources, &p.CreatedAt, &lastMatched,
		)
		if err != nil {
			continue
		}
		json.Unmarshal([]byte(signature), &p.Signature)
		p.SourceInterventionIDs = unmarshalStrings(sources)
		p.LastMatched = nullTime(lastMatched)
		out = append(out, p)
	}
	return out, rows.Err()
}
