package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"arcadiaforge/internal/logging"
)

// ActionRecord is one entry in the hot-memory action window.
type ActionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
}

// ActiveError is a deduplicated error being worked in the current session.
type ActiveError struct {
	ErrorID         string    `json:"error_id"` // "ERR-{session}-{seq}"
	ErrorType       string    `json:"error_type"`
	Message         string    `json:"message"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int       `json:"occurrence_count"`
	RelatedFeatures []int     `json:"related_features"`
	FixAttempts     []string  `json:"fix_attempts"`
	Resolved        bool      `json:"resolved"`
	Resolution      string    `json:"resolution"`
	Hash            string    `json:"hash"`
}

// PendingDecision is a decision awaiting an answer in hot memory.
type PendingDecision struct {
	DecisionID string    `json:"decision_id"` // "PD-{session}-{seq}"
	Question   string    `json:"question"`
	Options    []string  `json:"options"`
	Context    string    `json:"context"`
	CreatedAt  time.Time `json:"created_at"`
}

// HotMemory is the working context of the current session.
type HotMemory struct {
	SessionID         int
	StartedAt         time.Time
	CurrentFeature    *int
	CurrentTask       string
	RecentActions     []ActionRecord
	RecentFiles       []string
	FocusKeywords     []string
	ActiveErrors      []ActiveError
	PendingDecisions  []PendingDecision
	CurrentHypotheses []string
}

// SaveHotMemory upserts the hot-memory row for a session.
func (s *ProjectStore) SaveHotMemory(h HotMemory) error {
	return s.exec(func(db *sql.DB) error {
		var currentFeature interface{}
		if h.CurrentFeature != nil {
			currentFeature = *h.CurrentFeature
		}
		_, err := db.Exec(
			`INSERT INTO hot_memory
			 (session_id, current_feature, current_task, recent_actions, recent_files,
			  focus_keywords, active_errors, pending_decisions, current_hypotheses)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   current_feature = excluded.current_feature,
			   current_task = excluded.current_task,
			   recent_actions = excluded.recent_actions,
			   recent_files = excluded.recent_files,
			   focus_keywords = excluded.focus_keywords,
			   active_errors = excluded.active_errors,
			   pending_decisions = excluded.pending_decisions,
			   current_hypotheses = excluded.current_hypotheses`,
			h.SessionID, currentFeature, h.CurrentTask,
			marshalJSON(h.RecentActions), marshalJSON(h.RecentFiles),
			marshalJSON(h.FocusKeywords), marshalJSON(h.ActiveErrors),
			marshalJSON(h.PendingDecisions), marshalJSON(h.CurrentHypotheses),
		)
		return err
	})
}

// GetHotMemory loads the hot-memory row for a session, or nil.
func (s *ProjectStore) GetHotMemory(sessionID int) (*HotMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT session_id, started_at, current_feature, current_task, recent_actions,
		 recent_files, focus_keywords, active_errors, pending_decisions, current_hypotheses
		 FROM hot_memory WHERE session_id = ?`, sessionID,
	)

	var h HotMemory
	var currentFeature sql.NullInt64
	var actions, files, keywords, errors, decisions, hypotheses string
	err := row.Scan(
		&h.SessionID, &h.StartedAt, &currentFeature, &h.CurrentTask,
		&actions, &files, &keywords, &errors, &decisions, &hypotheses,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h.CurrentFeature = nullInt(currentFeature)
	json.Unmarshal([]byte(actions), &h.RecentActions)
	h.RecentFiles = unmarshalStrings(files)
	h.FocusKeywords = unmarshalStrings(keywords)
	json.Unmarshal([]byte(errors), &h.ActiveErrors)
	json.Unmarshal([]byte(decisions), &h.PendingDecisions)
	h.CurrentHypotheses = unmarshalStrings(hypotheses)
	return &h, nil
}

// DeleteHotMemory removes the hot row at session end.
func (s *ProjectStore) DeleteHotMemory(sessionID int) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM hot_memory WHERE session_id = ?", sessionID)
		return err
	})
}

// SessionSummary is the warm-memory digest of a finished session.
type SessionSummary struct {
	SessionID       int
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds float64

	FeaturesStarted   int
	FeaturesCompleted int
	FeaturesRegressed int

	KeyDecisions      []map[string]interface{}
	ErrorsEncountered []map[string]interface{}
	ErrorsResolved    []map[string]interface{}

	LastFeatureWorked *int
	LastCheckpointID  string
	EndingState       string

	PatternsDiscovered []string
	WarningsForNext    []string

	ToolCalls          int
	Escalations        int
	HumanInterventions int
}

// SaveSessionSummary upserts a warm-memory session summary.
func (s *ProjectStore) SaveSessionSummary(sum SessionSummary) error {
	logging.StoreDebug("SaveSessionSummary: session=%d state=%s", sum.SessionID, sum.EndingState)
	return s.exec(func(db *sql.DB) error {
		var lastFeature interface{}
		if sum.LastFeatureWorked != nil {
			lastFeature = *sum.LastFeatureWorked
		}
		_, err := db.Exec(
			`INSERT INTO warm_memory
			 (session_id, started_at, ended_at, duration_seconds, features_started,
			  features_completed, features_regressed, key_decisions, errors_encountered,
			  errors_resolved, last_feature_worked, last_checkpoint_id, ending_state,
			  patterns_discovered, warnings_for_next, tool_calls, escalations,
			  human_interventions)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   ended_at = excluded.ended_at,
			   duration_seconds = excluded.duration_seconds,
			   features_started = excluded.features_started,
			   features_completed = excluded.features_completed,
			   features_regressed = excluded.features_regressed,
			   key_decisions = excluded.key_decisions,
			   errors_encountered = excluded.errors_encountered,
			   errors_resolved = excluded.errors_resolved,
			   last_feature_worked = excluded.last_feature_worked,
			   last_checkpoint_id = excluded.last_checkpoint_id,
			   ending_state = excluded.ending_state,
			   patterns_discovered = excluded.patterns_discovered,
			   warnings_for_next = excluded.warnings_for_next,
			   tool_calls = excluded.tool_calls,
			   escalations = excluded.escalations,
			   human_interventions = excluded.human_interventions`,
			sum.SessionID, sum.StartedAt, sum.EndedAt, sum.DurationSeconds,
			sum.FeaturesStarted, sum.FeaturesCompleted, sum.FeaturesRegressed,
			marshalJSON(sum.KeyDecisions), marshalJSON(sum.ErrorsEncountered),
			marshalJSON(sum.ErrorsResolved), lastFeature, sum.LastCheckpointID,
			sum.EndingState, marshalJSON(sum.PatternsDiscovered),
			marshalJSON(sum.WarningsForNext), sum.ToolCalls, sum.Escalations,
			sum.HumanInterventions,
		)
		return err
	})
}

// ListSessionSummaries returns warm summaries, oldest session first.
func (s *ProjectStore) ListSessionSummaries() ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT session_id, started_at, ended_at, duration_seconds, features_started,
		 features_completed, features_regressed, key_decisions, errors_encountered,
		 errors_resolved, last_feature_worked, last_checkpoint_id, ending_state,
		 patterns_discovered, warnings_for_next, tool_calls, escalations,
		 human_interventions
		 FROM warm_memory ORDER BY session_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var keyDecisions, errorsEnc, errorsRes, patterns, warnings string
		var lastFeature sql.NullInt64
		var lastCheckpoint sql.NullString
		err := rows.Scan(
			&sum.SessionID, &sum.StartedAt, &sum.EndedAt, &sum.DurationSeconds,
			&sum.FeaturesStarted, &sum.FeaturesCompleted, &sum.FeaturesRegressed,
			&keyDecisions, &errorsEnc, &errorsRes, &lastFeature, &lastCheckpoint,
			&sum.EndingState, &patterns, &warnings, &sum.ToolCalls,
			&sum.Escalations, &sum.HumanInterventions,
		)
		if err != nil {
			continue
		}
		sum.KeyDecisions = unmarshalMaps(keyDecisions)
		sum.ErrorsEncountered = unmarshalMaps(errorsEnc)
		sum.ErrorsResolved = unmarshalMaps(errorsRes)
		sum.LastFeatureWorked = nullInt(lastFeature)
		sum.LastCheckpointID = nullString(lastCheckpoint)
		sum.PatternsDiscovered = unmarshalStrings(patterns)
		sum.WarningsForNext = unmarshalStrings(warnings)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSessionSummary removes a warm summary (after archiving to cold).
func (s *ProjectStore) DeleteSessionSummary(sessionID int) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM warm_memory WHERE session_id = ?", sessionID)
		return err
	})
}

// WarmIssue is an unresolved issue carried between recent sessions.
type WarmIssue struct {
	IssueID        string // "ISSUE-{seq}"
	CreatedAt      time.Time
	CreatedSession int

	IssueType   string
	Description string
	Priority    int // 1=high .. 5=low

	RelatedFeatures []int
	RelatedFiles    []string
	Context         map[string]interface{}

	AttemptedSolutions []string
	LastSeenSession    int
	TimesEncountered   int
	Resolved           bool
}

// NextIssueSeq returns the next warm-issue sequence number.
func (s *ProjectStore) NextIssueSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "warm_memory_issues", "issue_id")
}

// InsertWarmIssue adds a new open issue.
func (s *ProjectStore) InsertWarmIssue(issue WarmIssue) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO warm_memory_issues
			 (issue_id, created_session, issue_type, description, priority,
			  related_features, related_files, context, attempted_solutions,
			  last_seen_session, times_encountered)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			issue.IssueID, issue.CreatedSession, issue.IssueType, issue.Description,
			issue.Priority, marshalJSON(issue.RelatedFeatures),
			marshalJSON(issue.RelatedFiles), marshalJSON(issue.Context),
			marshalJSON(issue.AttemptedSolutions), issue.LastSeenSession,
			issue.TimesEncountered,
		)
		return err
	})
}

// TouchWarmIssue bumps encounter bookkeeping and appends a solution attempt.
func (s *ProjectStore) TouchWarmIssue(issueID string, sessionID int, attemptedSolution string) error {
	return s.exec(func(db *sql.DB) error {
		var attempts string
		if err := db.QueryRow(
			"SELECT attempted_solutions FROM warm_memory_issues WHERE issue_id = ?", issueID,
		).Scan(&attempts); err != nil {
			return err
		}
		list := unmarshalStrings(attempts)
		if attemptedSolution != "" {
			list = append(list, attemptedSolution)
		}
		_, err := db.Exec(
			`UPDATE warm_memory_issues SET times_encountered = times_encountered + 1,
			 last_seen_session = ?, attempted_solutions = ? WHERE issue_id = ?`,
			sessionID, marshalJSON(list), issueID,
		)
		return err
	})
}

// ResolveWarmIssue marks an issue resolved.
func (s *ProjectStore) ResolveWarmIssue(issueID string) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE warm_memory_issues SET resolved = 1 WHERE issue_id = ?", issueID,
		)
		return err
	})
}

// ListWarmIssues returns open issues sorted by priority (high first).
func (s *ProjectStore) ListWarmIssues(includeResolved bool) ([]WarmIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT issue_id, created_at, created_session, issue_type, description,
		priority, related_features, related_files, context, attempted_solutions,
		last_seen_session, times_encountered, resolved
		FROM warm_memory_issues`
	if !includeResolved {
		query += " WHERE resolved = 0"
	}
	query += " ORDER BY priority ASC, created_at ASC"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WarmIssue
	for rows.Next() {
		var issue WarmIssue
		var features, files, context, attempts string
		err := rows.Scan(
			&issue.IssueID, &issue.CreatedAt, &issue.CreatedSession,
			&issue.IssueType, &issue.Description, &issue.Priority,
			&features, &files, &context, &attempts,
			&issue.LastSeenSession, &issue.TimesEncountered, &issue.Resolved,
		)
		if err != nil {
			continue
		}
		issue.RelatedFeatures = unmarshalInts(features)
		issue.RelatedFiles = unmarshalStrings(files)
		issue.Context = unmarshalMap(context)
		issue.AttemptedSolutions = unmarshalStrings(attempts)
		out = append(out, issue)
	}
	return out, rows.Err()
}

// WarmPattern is a proven approach observed in recent sessions.
type WarmPattern struct {
	PatternID      string // "PAT-{seq}"
	CreatedAt      time.Time
	CreatedSession int

	PatternType  string
	Pattern      string
	Context      string
	SuccessCount int
	Confidence   float64

	ContextKeywords []string
	SourceSessions  []int
	LastUsedSession *int
}

// NextWarmPatternSeq returns the next warm-pattern sequence number.
func (s *ProjectStore) NextWarmPatternSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "warm_memory_patterns", "pattern_id")
}

// UpsertWarmPattern inserts a pattern or rewrites its mutable fields.
func (s *ProjectStore) UpsertWarmPattern(p WarmPattern) error {
	return s.exec(func(db *sql.DB) error {
		var lastUsed interface{}
		if p.LastUsedSession != nil {
			lastUsed = *p.LastUsedSession
		}
		_, err := db.Exec(
			`INSERT INTO warm_memory_patterns
			 (pattern_id, created_session, pattern_type, pattern, context,
			  success_count, confidence, context_keywords, source_sessions,
			  last_used_session)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(pattern_id) DO UPDATE SET
			   success_count = excluded.success_count,
			   confidence = excluded.confidence,
			   context_keywords = excluded.context_keywords,
			   source_sessions = excluded.source_sessions,
			   last_used_session = excluded.last_used_session`,
			p.PatternID, p.CreatedSession, p.PatternType, p.Pattern, p.Context,
			p.SuccessCount, p.Confidence, marshalJSON(p.ContextKeywords),
			marshalJSON(p.SourceSessions), lastUsed,
		)
		return err
	})
}

// ListWarmPatterns returns all warm patterns.
func (s *ProjectStore) ListWarmPatterns() ([]WarmPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT pattern_id, created_at, created_session, pattern_type, pattern,
		 context, success_count, confidence, context_keywords, source_sessions,
		 last_used_session
		 FROM warm_memory_patterns ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WarmPattern
	for rows.Next() {
		var p WarmPattern
		var keywords, sources string
		var lastUsed sql.NullInt64
		err := rows.Scan(
			&p.PatternID, &p.CreatedAt, &p.CreatedSession, &p.PatternType,
			&p.Pattern, &p.Context, &p.SuccessCount, &p.Confidence,
			&keywords, &sources, &lastUsed,
		)
		if err != nil {
			continue
		}
		p.ContextKeywords = unmarshalStrings(keywords)
		p.SourceSessions = unmarshalInts(sources)
		p.LastUsedSession = nullInt(lastUsed)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ColdSession is an archived session record.
type ColdSession struct {
	SessionID         int
	StartedAt         time.Time
	EndedAt           time.Time
	EndingState       string
	FeaturesCompleted int
	FeaturesRegressed int
	ErrorsCount       int
	DurationSeconds   float64
}

// ArchiveSession appends a session record to the cold tier.
func (s *ProjectStore) ArchiveSession(c ColdSession) error {
	logging.MemoryDebug("ArchiveSession: session=%d state=%s", c.SessionID, c.EndingState)
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT OR IGNORE INTO cold_memory
			 (session_id, started_at, ended_at, ending_state, features_completed,
			  features_regressed, errors_count, duration_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.SessionID, c.StartedAt, c.EndedAt, c.EndingState,
			c.FeaturesCompleted, c.FeaturesRegressed, c.ErrorsCount,
			c.DurationSeconds,
		)
		return err
	})
}

// ListColdSessions returns archived sessions, oldest first.
func (s *ProjectStore) ListColdSessions() ([]ColdSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT session_id, started_at, ended_at, ending_state, features_completed,
		 features_regressed, errors_count, duration_seconds
		 FROM cold_memory ORDER BY session_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ColdSession
	for rows.Next() {
		var c ColdSession
		if err := rows.Scan(
			&c.SessionID, &c.StartedAt, &c.EndedAt, &c.EndingState,
			&c.FeaturesCompleted, &c.FeaturesRegressed, &c.ErrorsCount,
			&c.DurationSeconds,
		); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Knowledge is a proven lesson extracted from project history.
type Knowledge struct {
	KnowledgeID string // "KNOW-{seq}"
	CreatedAt   time.Time

	KnowledgeType string // fix, pattern, warning, best_practice
	Title         string
	Description   string

	ContextKeywords []string
	SourceSessions  []int
	TimesVerified   int
	Confidence      float64
	LastUsed        *time.Time
}

// NextKnowledgeSeq returns the next knowledge sequence number.
func (s *ProjectStore) NextKnowledgeSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "cold_memory_knowledge", "knowledge_id")
}

// InsertKnowledge stores a new knowledge entry.
func (s *ProjectStore) InsertKnowledge(k Knowledge) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO cold_memory_knowledge
			 (knowledge_id, knowledge_type, title, description, context_keywords,
			  source_sessions, times_verified, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			k.KnowledgeID, k.KnowledgeType, k.Title, k.Description,
			marshalJSON(k.ContextKeywords), marshalJSON(k.SourceSessions),
			k.TimesVerified, k.Confidence,
		)
		return err
	})
}

// VerifyKnowledge records a successful reuse of a knowledge entry.
func (s *ProjectStore) VerifyKnowledge(knowledgeID string, sessionID int) error {
	return s.exec(func(db *sql.DB) error {
		var sources string
		if err := db.QueryRow(
			"SELECT source_sessions FROM cold_memory_knowledge WHERE knowledge_id = ?",
			knowledgeID,
		).Scan(&sources); err != nil {
			return err
		}
		list := unmarshalInts(sources)
		if !containsInt(list, sessionID) {
			list = append(list, sessionID)
		}
		_, err := db.Exec(
			`UPDATE cold_memory_knowledge SET
			 times_verified = times_verified + 1,
			 confidence = MIN(1.0, confidence + 0.1),
			 last_used = ?, source_sessions = ?
			 WHERE knowledge_id = ?`,
			time.Now().UTC(), marshalJSON(list), knowledgeID,
		)
		return err
	})
}

// ListKnowledge returns all knowledge entries.
func (s *ProjectStore) ListKnowledge() ([]Knowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT knowledge_id, created_at, knowledge_type, title, description,
		 context_keywords, source_sessions, times_verified, confidence, last_used
		 FROM cold_memory_knowledge ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Knowledge
	for rows.Next() {
		var k Knowledge
		var keywords, sources string
		var lastUsed sql.NullTime
		err := rows.Scan(
			&k.KnowledgeID, &k.CreatedAt, &k.KnowledgeType, &k.Title,
			&k.Description, &keywords, &sources, &k.TimesVerified,
			&k.Confidence, &lastUsed,
		)
		if err != nil {
			continue
		}
		k.ContextKeywords = unmarshalStrings(keywords)
		k.SourceSessions = unmarshalInts(sources)
		k.LastUsed = nullTime(lastUsed)
		out = append(out, k)
	}
	return out, rows.Err()
}
