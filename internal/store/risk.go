package store

import (
	"database/sql"
	"time"
)

// RiskPatternRow is a persisted custom risk pattern.
type RiskPatternRow struct {
	PatternID   string
	Description string

	Tool         string
	InputPattern string
	InputField   string

	RiskLevel              int
	IsReversible           bool
	AffectsSourceOfTruth   bool
	HasExternalSideEffects bool

	RequiresApproval   bool
	RequiresCheckpoint bool
	Mitigation         string

	IsCustom  bool
	IsEnabled bool
}

// RiskAssessmentRow records one classified action.
type RiskAssessmentRow struct {
	Timestamp time.Time
	SessionID int

	Action       string
	Tool         string
	InputSummary string

	RiskLevel              int
	IsReversible           bool
	AffectsSourceOfTruth   bool
	HasExternalSideEffects bool
	Concerns               []string

	RequiresApproval    bool
	RequiresCheckpoint  bool
	RequiresReview      bool
	SuggestedMitigation string
}

// UpsertRiskPattern inserts or replaces a custom risk pattern.
func (s *ProjectStore) UpsertRiskPattern(p RiskPatternRow) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO risk_patterns
			 (pattern_id, description, tool, input_pattern, input_field,
			  risk_level, is_reversible, affects_source_of_truth,
			  has_external_side_effects, requires_approval, requires_checkpoint,
			  mitigation, is_custom, is_enabled)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(pattern_id) DO UPDATE SET
			   description = excluded.description,
			   tool = excluded.tool,
			   input_pattern = excluded.input_pattern,
			   input_field = excluded.input_field,
			   risk_level = excluded.risk_level,
			   is_reversible = excluded.is_reversible,
			   affects_source_of_truth = excluded.affects_source_of_truth,
			   has_external_side_effects = excluded.has_external_side_effects,
			   requires_approval = excluded.requires_approval,
			   requires_checkpoint = excluded.requires_checkpoint,
			   mitigation = excluded.mitigation,
			   is_enabled = excluded.is_enabled`,
			p.PatternID, p.Description, p.Tool, p.InputPattern, p.InputField,
			p.RiskLevel, p.IsReversible, p.AffectsSourceOfTruth,
			p.HasExternalSideEffects, p.RequiresApproval, p.RequiresCheckpoint,
			p.Mitigation, p.IsCustom, p.IsEnabled,
		)
		return err
	})
}

// ListRiskPatterns returns persisted custom patterns.
func (s *ProjectStore) ListRiskPatterns() ([]RiskPatternRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT pattern_id, description, tool, input_pattern, input_field,
		 risk_level, is_reversible, affects_source_of_truth,
		 has_external_side_effects, requires_approval, requires_checkpoint,
		 mitigation, is_custom, is_enabled
		 FROM risk_patterns`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RiskPatternRow
	for rows.Next() {
		var p RiskPatternRow
		var tool, inputPattern, inputField, mitigation sql.NullString
		err := rows.Scan(
			&p.PatternID, &p.Description, &tool, &inputPattern, &inputField,
			&p.RiskLevel, &p.IsReversible, &p.AffectsSourceOfTruth,
			&p.HasExternalSideEffects, &p.RequiresApproval,
			&p.RequiresCheckpoint, &mitigation, &p.IsCustom, &p.IsEnabled,
		)
		if err != nil {
			continue
		}
		p.Tool = nullString(tool)
		p.InputPattern = nullString(inputPattern)
		p.InputField = nullString(inputField)
		p.Mitigation = nullString(mitigation)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LogRiskAssessment appends one classified action.
func (s *ProjectStore) LogRiskAssessment(a RiskAssessmentRow) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO risk_assessments
			 (session_id, action, tool, input_summary, risk_level, is_reversible,
			  affects_source_of_truth, has_external_side_effects, concerns,
			  requires_approval, requires_checkpoint, requires_review,
			  suggested_mitigation)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.SessionID, a.Action, a.Tool, a.InputSummary, a.RiskLevel,
			a.IsReversible, a.AffectsSourceOfTruth, a.HasExternalSideEffects,
			marshalJSON(a.Concerns), a.RequiresApproval, a.RequiresCheckpoint,
			a.RequiresReview, a.SuggestedMitigation,
		)
		return err
	})
}

// ListRiskAssessments returns assessments newest first.
func (s *ProjectStore) ListRiskAssessments(sessionID, limit int) ([]RiskAssessmentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT timestamp, session_id, action, tool, input_summary,
		risk_level, is_reversible, affects_source_of_truth,
		has_external_side_effects, concerns, requires_approval,
		requires_checkpoint, requires_review, suggested_mitigation
		FROM risk_assessments`
	var args []interface{}
	if sessionID > 0 {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RiskAssessmentRow
	for rows.Next() {
		var a RiskAssessmentRow
		var concerns string
		var mitigation sql.NullString
		err := rows.Scan(
			&a.Timestamp, &a.SessionID, &a.Action, &a.Tool, &a.InputSummary,
			&a.RiskLevel, &a.IsReversible, &a.AffectsSourceOfTruth,
			&a.HasExternalSideEffects, &concerns, &a.RequiresApproval,
			&a.RequiresCheckpoint, &a.RequiresReview, &mitigation,
		)
		if err != nil {
			continue
		}
		a.Concerns = unmarshalStrings(concerns)
		a.SuggestedMitigation = nullString(mitigation)
		out = append(out, a)
	}
	return out, rows.Err()
}
