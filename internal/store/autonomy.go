package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// AutonomyConfigRow is the persisted autonomy configuration (single row).
type AutonomyConfigRow struct {
	Level                 int
	ActionLevels          map[string]int
	ConfidenceThreshold   float64
	ErrorDemotionCount    int
	SuccessPromotionCount int
	AutoAdjust            bool
	MinLevel              int
	MaxLevel              int
}

// AutonomyMetricsRow is the persisted autonomy outcome state (single row).
type AutonomyMetricsRow struct {
	ConsecutiveSuccesses int
	ConsecutiveErrors    int
	TotalActions         int
	TotalErrors          int
	RecentOutcomes       []bool
	LevelChanges         []map[string]interface{}
}

// AutonomyDecisionRow logs one permission check.
type AutonomyDecisionRow struct {
	Timestamp time.Time
	SessionID int

	Action         string
	Tool           string
	Allowed        bool
	RequiredLevel  int
	CurrentLevel   int
	EffectiveLevel int
	Reason         string
	Alternatives   []string

	RequiresApproval   bool
	RequiresCheckpoint bool
	Confidence         *float64
}

// SaveAutonomyConfig upserts the single config row.
func (s *ProjectStore) SaveAutonomyConfig(c AutonomyConfigRow) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO autonomy_config
			 (id, level, action_levels, confidence_threshold, error_demotion_count,
			  success_promotion_count, auto_adjust, min_level, max_level, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   level = excluded.level,
			   action_levels = excluded.action_levels,
			   confidence_threshold = excluded.confidence_threshold,
			   error_demotion_count = excluded.error_demotion_count,
			   success_promotion_count = excluded.success_promotion_count,
			   auto_adjust = excluded.auto_adjust,
			   min_level = excluded.min_level,
			   max_level = excluded.max_level,
			   updated_at = excluded.updated_at`,
			c.Level, marshalJSON(c.ActionLevels), c.ConfidenceThreshold,
			c.ErrorDemotionCount, c.SuccessPromotionCount, c.AutoAdjust,
			c.MinLevel, c.MaxLevel, time.Now().UTC(),
		)
		return err
	})
}

// GetAutonomyConfig loads the config row, or nil when never saved.
func (s *ProjectStore) GetAutonomyConfig() (*AutonomyConfigRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT level, action_levels, confidence_threshold, error_demotion_count,
		 success_promotion_count, auto_adjust, min_level, max_level
		 FROM autonomy_config WHERE id = 1`,
	)

	var c AutonomyConfigRow
	var actionLevels string
	err := row.Scan(
		&c.Level, &actionLevels, &c.ConfidenceThreshold, &c.ErrorDemotionCount,
		&c.SuccessPromotionCount, &c.AutoAdjust, &c.MinLevel, &c.MaxLevel,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ActionLevels = map[string]int{}
	json.Unmarshal([]byte(actionLevels), &c.ActionLevels)
	return &c, nil
}

// SaveAutonomyMetrics upserts the single metrics row.
func (s *ProjectStore) SaveAutonomyMetrics(m AutonomyMetricsRow) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO autonomy_metrics
			 (id, consecutive_successes, consecutive_errors, total_actions,
			  total_errors, recent_outcomes, level_changes, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   consecutive_successes = excluded.consecutive_successes,
			   consecutive_errors = excluded.consecutive_errors,
			   total_actions = excluded.total_actions,
			   total_errors = excluded.total_errors,
			   recent_outcomes = excluded.recent_outcomes,
			   level_changes = excluded.level_changes,
			   updated_at = excluded.updated_at`,
			m.ConsecutiveSuccesses, m.ConsecutiveErrors, m.TotalActions,
			m.TotalErrors, marshalJSON(m.RecentOutcomes),
			marshalJSON(m.LevelChanges), time.Now().UTC(),
		)
		return err
	})
}

// GetAutonomyMetrics loads the metrics row, or nil when never saved.
func (s *ProjectStore) GetAutonomyMetrics() (*AutonomyMetricsRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT consecutive_successes, consecutive_errors, total_actions,
		 total_errors, recent_outcomes, level_changes
		 FROM autonomy_metrics WHERE id = 1`,
	)

	var m AutonomyMetricsRow
	var outcomes, changes string
	err := row.Scan(
		&m.ConsecutiveSuccesses, &m.ConsecutiveErrors, &m.TotalActions,
		&m.TotalErrors, &outcomes, &changes,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(outcomes), &m.RecentOutcomes)
	m.LevelChanges = unmarshalMaps(changes)
	return &m, nil
}

// LogAutonomyDecision appends a permission-check record.
func (s *ProjectStore) LogAutonomyDecision(d AutonomyDecisionRow) error {
	return s.exec(func(db *sql.DB) error {
		var confidence interface{}
		if d.Confidence != nil {
			confidence = *d.Confidence
		}
		_, err := db.Exec(
			`INSERT INTO autonomy_decisions
			 (session_id, action, tool, allowed, required_level, current_level,
			  effective_level, reason, alternatives, requires_approval,
			  requires_checkpoint, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.SessionID, d.Action, d.Tool, d.Allowed, d.RequiredLevel,
			d.CurrentLevel, d.EffectiveLevel, d.Reason,
			marshalJSON(d.Alternatives), d.RequiresApproval,
			d.RequiresCheckpoint, confidence,
		)
		return err
	})
}
