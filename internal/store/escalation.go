package store

import (
	"database/sql"
	"time"
)

// EscalationRuleRow is a persisted custom escalation rule.
type EscalationRuleRow struct {
	RuleID      string
	Name        string
	Description string

	ConditionType   string
	ConditionParams map[string]interface{}

	Severity         int
	InjectionType    string
	MessageTemplate  string
	SuggestedActions []string

	AutoPause      bool
	TimeoutSeconds int
	DefaultAction  string

	IsCustom  bool
	IsEnabled bool
}

// EscalationLogRow records one triggered escalation.
type EscalationLogRow struct {
	Timestamp      time.Time
	SessionID      int
	RuleID         string
	Severity       int
	Message        string
	ContextSummary map[string]interface{}
}

// UpsertEscalationRule inserts or replaces a custom rule.
func (s *ProjectStore) UpsertEscalationRule(r EscalationRuleRow) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO escalation_rules
			 (rule_id, name, description, condition_type, condition_params,
			  severity, injection_type, message_template, suggested_actions,
			  auto_pause, timeout_seconds, default_action, is_custom, is_enabled,
			  updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(rule_id) DO UPDATE SET
			   name = excluded.name,
			   description = excluded.description,
			   condition_type = excluded.condition_type,
			   condition_params = excluded.condition_params,
			   severity = excluded.severity,
			   injection_type = excluded.injection_type,
			   message_template = excluded.message_template,
			   suggested_actions = excluded.suggested_actions,
			   auto_pause = excluded.auto_pause,
			   timeout_seconds = excluded.timeout_seconds,
			   default_action = excluded.default_action,
			   is_enabled = excluded.is_enabled,
			   updated_at = excluded.updated_at`,
			r.RuleID, r.Name, r.Description, r.ConditionType,
			marshalJSON(r.ConditionParams), r.Severity, r.InjectionType,
			r.MessageTemplate, marshalJSON(r.SuggestedActions), r.AutoPause,
			r.TimeoutSeconds, r.DefaultAction, r.IsCustom, r.IsEnabled,
			time.Now().UTC(),
		)
		return err
	})
}

// ListEscalationRules returns persisted custom rules.
func (s *ProjectStore) ListEscalationRules() ([]EscalationRuleRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT rule_id, name, description, condition_type, condition_params,
		 severity, injection_type, message_template, suggested_actions, auto_pause,
		 timeout_seconds, default_action, is_custom, is_enabled
		 FROM escalation_rules`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EscalationRuleRow
	for rows.Next() {
		var r EscalationRuleRow
		var params, actions string
		var defaultAction sql.NullString
		err := rows.Scan(
			&r.RuleID, &r.Name, &r.Description, &r.ConditionType, &params,
			&r.Severity, &r.InjectionType, &r.MessageTemplate, &actions,
			&r.AutoPause, &r.TimeoutSeconds, &defaultAction, &r.IsCustom,
			&r.IsEnabled,
		)
		if err != nil {
			continue
		}
		r.ConditionParams = unmarshalMap(params)
		r.SuggestedActions = unmarshalStrings(actions)
		r.DefaultAction = nullString(defaultAction)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogEscalation appends a triggered-escalation record.
func (s *ProjectStore) LogEscalation(l EscalationLogRow) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO escalation_logs (session_id, rule_id, severity, message, context_summary)
			 VALUES (?, ?, ?, ?, ?)`,
			l.SessionID, l.RuleID, l.Severity, l.Message,
			marshalJSON(l.ContextSummary),
		)
		return err
	})
}

// ListEscalationLogs returns triggered escalations newest first.
func (s *ProjectStore) ListEscalationLogs(limit int) ([]EscalationLogRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT timestamp, session_id, rule_id, severity, message, context_summary
		 FROM escalation_logs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EscalationLogRow
	for rows.Next() {
		var l EscalationLogRow
		var summary string
		if err := rows.Scan(&l.Timestamp, &l.SessionID, &l.RuleID, &l.Severity, &l.Message, &summary); err != nil {
			continue
		}
		l.ContextSummary = unmarshalMap(summary)
		out = append(out, l)
	}
	return out, rows.Err()
}
