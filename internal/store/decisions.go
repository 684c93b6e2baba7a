package store

import (
	"database/sql"
	"time"

	"arcadiaforge/internal/logging"
)

// Decision is a logged decision with context and rationale.
type Decision struct {
	DecisionID string // "D-{session}-{seq}"
	Timestamp  time.Time
	SessionID  int

	DecisionType    string
	Context         string
	Choice          string
	Alternatives    []string
	Rationale       string
	Confidence      float64
	InputsConsulted []string

	Outcome          string
	OutcomeSuccess   *bool
	OutcomeTimestamp *time.Time

	RelatedFeatures []int
	GitCommit       string
	CheckpointID    string
	Metadata        map[string]interface{}
}

const decisionColumns = `decision_id, timestamp, session_id, decision_type,
	context, choice, alternatives, rationale, confidence, inputs_consulted,
	outcome, outcome_success, outcome_timestamp, related_features, git_commit,
	checkpoint_id, metadata`

// NextDecisionSeq returns the next global decision sequence number.
func (s *ProjectStore) NextDecisionSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "decisions", "decision_id")
}

// InsertDecision stores a decision row.
func (s *ProjectStore) InsertDecision(d Decision) error {
	logging.StoreDebug("InsertDecision: %s type=%s session=%d", d.DecisionID, d.DecisionType, d.SessionID)
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO decisions
			 (decision_id, session_id, decision_type, context, choice, alternatives,
			  rationale, confidence, inputs_consulted, related_features, git_commit,
			  checkpoint_id, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.DecisionID, d.SessionID, d.DecisionType, d.Context, d.Choice,
			marshalJSON(d.Alternatives), d.Rationale, d.Confidence,
			marshalJSON(d.InputsConsulted), marshalJSON(d.RelatedFeatures),
			d.GitCommit, d.CheckpointID, marshalJSON(d.Metadata),
		)
		return err
	})
}

// SetDecisionOutcome records the outcome for a decision exactly once.
// A second call for the same decision is a no-op with a warning: the
// first recorded outcome is the audit record.
func (s *ProjectStore) SetDecisionOutcome(decisionID, outcome string, success bool) error {
	return s.exec(func(db *sql.DB) error {
		var existing sql.NullString
		err := db.QueryRow(
			"SELECT outcome FROM decisions WHERE decision_id = ?", decisionID,
		).Scan(&existing)
		if err != nil {
			return err
		}
		if existing.Valid {
			logging.Get(logging.CategoryDecision).Warn(
				"Outcome already recorded for %s, ignoring update", decisionID)
			return nil
		}
		_, err = db.Exec(
			"UPDATE decisions SET outcome = ?, outcome_success = ?, outcome_timestamp = ? WHERE decision_id = ?",
			outcome, success, time.Now().UTC(), decisionID,
		)
		return err
	})
}

// GetDecision retrieves a decision by its ID.
func (s *ProjectStore) GetDecision(decisionID string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+decisionColumns+" FROM decisions WHERE decision_id = ?", decisionID,
	)
	d, err := scanDecision(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	SessionID     int // 0 = any
	DecisionType  string
	FeatureIndex  int // -1 = any
	PendingOnly   bool
	MaxConfidence float64 // 0 = any; otherwise confidence < MaxConfidence
	Limit         int
}

// ListDecisions returns decisions newest first, subject to the filter.
func (s *ProjectStore) ListDecisions(filter DecisionFilter) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + decisionColumns + " FROM decisions WHERE 1=1"
	var args []interface{}

	if filter.SessionID > 0 {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.DecisionType != "" {
		query += " AND decision_type = ?"
		args = append(args, filter.DecisionType)
	}
	if filter.PendingOnly {
		query += " AND outcome IS NULL"
	}
	if filter.MaxConfidence > 0 {
		query += " AND confidence < ?"
		args = append(args, filter.MaxConfidence)
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

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			continue
		}
		// Feature filtering happens on the JSON column, post-scan
		if filter.FeatureIndex >= 0 && !containsInt(d.RelatedFeatures, filter.FeatureIndex) {
			continue
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DecisionStats summarizes the decision log.
type DecisionStats struct {
	Total           int
	ByType          map[string]int
	WithOutcome     int
	SuccessfulCount int
	AvgConfidence   float64
}

// GetDecisionStats aggregates the decision table.
func (s *ProjectStore) GetDecisionStats() (*DecisionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &DecisionStats{ByType: make(map[string]int)}

	rows, err := s.db.Query("SELECT decision_type, COUNT(*) FROM decisions GROUP BY decision_type")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var dtype string
		var count int
		if err := rows.Scan(&dtype, &count); err == nil {
			stats.ByType[dtype] = count
			stats.Total += count
		}
	}
	rows.Close()

	s.db.QueryRow("SELECT COUNT(*) FROM decisions WHERE outcome IS NOT NULL").Scan(&stats.WithOutcome)
	s.db.QueryRow("SELECT COUNT(*) FROM decisions WHERE outcome_success = 1").Scan(&stats.SuccessfulCount)
	s.db.QueryRow("SELECT COALESCE(AVG(confidence), 0) FROM decisions").Scan(&stats.AvgConfidence)

	return stats, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func scanDecision(scan func(dest ...interface{}) error) (*Decision, error) {
	var d Decision
	var alternatives, inputs, relatedFeatures, metadata string
	var outcome, gitCommit, checkpointID sql.NullString
	var outcomeSuccess sql.NullBool
	var outcomeTime sql.NullTime

	err := scan(
		&d.DecisionID, &d.Timestamp, &d.SessionID, &d.DecisionType,
		&d.Context, &d.Choice, &alternatives, &d.Rationale, &d.Confidence,
		&inputs, &outcome, &outcomeSuccess, &outcomeTime, &relatedFeatures,
		&gitCommit, &checkpointID, &metadata,
	)
	if err != nil {
		return nil, err
	}

	d.Alternatives = unmarshalStrings(alternatives)
	d.InputsConsulted = unmarshalStrings(inputs)
	d.Outcome = nullString(outcome)
	if outcomeSuccess.Valid {
		v := outcomeSuccess.Bool
		d.OutcomeSuccess = &v
	}
	d.OutcomeTimestamp = nullTime(outcomeTime)
	d.RelatedFeatures = unmarshalInts(relatedFeatures)
	d.GitCommit = nullString(gitCommit)
	d.CheckpointID = nullString(checkpointID)
	d.Metadata = unmarshalMap(metadata)
	return &d, nil
}
