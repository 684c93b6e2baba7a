// Package store provides SQLite persistence for all project state.
// A single ProjectStore owns <project>/.arcadia/project.db; every tracker
// (features, checkpoints, decisions, memory tiers, injection points) reads
// and writes through it. Mutations are serialized through one writer
// goroutine that owns the handle; reads go straight to the pool.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"arcadiaforge/internal/logging"
)

// writerQueueDepth bounds the mutation channel. A busy session emits a
// few dozen writes per turn, so 256 absorbs bursts without letting an
// unbounded backlog build up behind a slow disk.
const writerQueueDepth = 256

type mutation struct {
	fn   func(db *sql.DB) error
	done chan error
}

// ProjectStore is the single database handle for a project.
type ProjectStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	writes  chan mutation
	writers errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// NewProjectStore opens (or creates) the database at the given path and
// starts the writer goroutine.
func NewProjectStore(path string) (*ProjectStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The writer goroutine is the only mutator; a second connection
	// would only hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &ProjectStore{
		db:     db,
		dbPath: path,
		writes: make(chan mutation, writerQueueDepth),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db, path); err != nil {
		db.Close()
		return nil, err
	}

	s.writers.Go(s.writerLoop)

	return s, nil
}

// writerLoop applies queued mutations until the channel is closed.
func (s *ProjectStore) writerLoop() error {
	for m := range s.writes {
		s.mu.Lock()
		err := m.fn(s.db)
		s.mu.Unlock()
		m.done <- err
	}
	return nil
}

// exec queues a mutation and waits for the writer to apply it.
func (s *ProjectStore) exec(fn func(db *sql.DB) error) error {
	m := mutation{fn: fn, done: make(chan error, 1)}
	defer func() {
		if r := recover(); r != nil {
			// Send on closed channel: store already shut down.
			logging.StoreError("mutation submitted after Close")
		}
	}()
	s.writes <- m
	return <-m.done
}

// Close drains pending mutations, stops the writer, and closes the DB.
func (s *ProjectStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.writes)
		if err := s.writers.Wait(); err != nil {
			s.closeErr = err
			s.db.Close()
			return
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Path returns the database file path.
func (s *ProjectStore) Path() string {
	return s.dbPath
}

// initialize creates the required tables.
func (s *ProjectStore) initialize() error {
	timer := logging.StartTimer(logging.CategoryStore, "initialize")
	defer timer.Stop()

	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_uuid TEXT NOT NULL,
		start_time DATETIME DEFAULT CURRENT_TIMESTAMP,
		end_time DATETIME,
		status TEXT DEFAULT 'running',
		total_cost REAL DEFAULT 0.0
	);
	`

	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		session_id INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		type TEXT NOT NULL,
		source TEXT DEFAULT 'system',
		feature_index INTEGER,
		payload TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`

	featuresTable := `
	CREATE TABLE IF NOT EXISTS features (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feature_index INTEGER UNIQUE NOT NULL,
		category TEXT DEFAULT 'functional',
		description TEXT NOT NULL,
		steps TEXT DEFAULT '[]',
		passes INTEGER DEFAULT 0,
		verification_skipped INTEGER DEFAULT 0,
		verified_at DATETIME,
		audit_status TEXT,
		audit_notes TEXT DEFAULT '[]',
		audit_reviewer TEXT,
		audit_time DATETIME,
		priority INTEGER DEFAULT 3,
		failure_count INTEGER DEFAULT 0,
		last_worked TEXT,
		blocked_by TEXT DEFAULT '[]',
		blocks TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}'
	);
	`

	artifactsTable := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		session_id INTEGER,
		feature_index INTEGER,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		description TEXT,
		size_bytes INTEGER DEFAULT 0,
		checksum TEXT DEFAULT '',
		parent_artifact_id TEXT,
		metadata TEXT DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_feature ON artifacts(feature_index);
	`

	checkpointsTable := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		checkpoint_id TEXT UNIQUE NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		trigger_type TEXT NOT NULL,
		session_id INTEGER NOT NULL,
		git_commit TEXT DEFAULT '',
		git_branch TEXT DEFAULT '',
		git_clean INTEGER DEFAULT 0,
		feature_status TEXT DEFAULT '{}',
		features_passing INTEGER DEFAULT 0,
		features_total INTEGER DEFAULT 0,
		files_hash TEXT DEFAULT '',
		last_successful_feature INTEGER,
		pending_work TEXT DEFAULT '[]',
		metadata TEXT DEFAULT '{}',
		human_note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_id ON checkpoints(checkpoint_id);
	`

	decisionsTable := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id TEXT UNIQUE NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_id INTEGER NOT NULL,
		decision_type TEXT NOT NULL,
		context TEXT DEFAULT '',
		choice TEXT DEFAULT '',
		alternatives TEXT DEFAULT '[]',
		rationale TEXT DEFAULT '',
		confidence REAL DEFAULT 0.5,
		inputs_consulted TEXT DEFAULT '[]',
		outcome TEXT,
		outcome_success INTEGER,
		outcome_timestamp DATETIME,
		related_features TEXT DEFAULT '[]',
		git_commit TEXT,
		checkpoint_id TEXT,
		metadata TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
	`

	hypothesesTable := `
	CREATE TABLE IF NOT EXISTS hypotheses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hypothesis_id TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_session INTEGER NOT NULL,
		hypothesis_type TEXT NOT NULL,
		observation TEXT DEFAULT '',
		hypothesis TEXT DEFAULT '',
		confidence REAL DEFAULT 0.5,
		status TEXT DEFAULT 'open',
		context_keywords TEXT DEFAULT '[]',
		related_features TEXT DEFAULT '[]',
		related_errors TEXT DEFAULT '[]',
		related_files TEXT DEFAULT '[]',
		evidence_for TEXT DEFAULT '[]',
		evidence_against TEXT DEFAULT '[]',
		resolved_at DATETIME,
		resolved_session INTEGER,
		resolution TEXT,
		superseded_by TEXT,
		last_reviewed DATETIME,
		review_count INTEGER DEFAULT 0,
		sessions_seen TEXT DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_hypotheses_session ON hypotheses(created_session);
	CREATE INDEX IF NOT EXISTS idx_hypotheses_status ON hypotheses(status);
	`

	hotMemoryTable := `
	CREATE TABLE IF NOT EXISTS hot_memory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER UNIQUE NOT NULL,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		current_feature INTEGER,
		current_task TEXT DEFAULT '',
		recent_actions TEXT DEFAULT '[]',
		recent_files TEXT DEFAULT '[]',
		focus_keywords TEXT DEFAULT '[]',
		active_errors TEXT DEFAULT '[]',
		pending_decisions TEXT DEFAULT '[]',
		current_hypotheses TEXT DEFAULT '[]'
	);
	`

	warmMemoryTable := `
	CREATE TABLE IF NOT EXISTS warm_memory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER UNIQUE NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		duration_seconds REAL DEFAULT 0.0,
		features_started INTEGER DEFAULT 0,
		features_completed INTEGER DEFAULT 0,
		features_regressed INTEGER DEFAULT 0,
		key_decisions TEXT DEFAULT '[]',
		errors_encountered TEXT DEFAULT '[]',
		errors_resolved TEXT DEFAULT '[]',
		last_feature_worked INTEGER,
		last_checkpoint_id TEXT,
		ending_state TEXT DEFAULT 'completed',
		patterns_discovered TEXT DEFAULT '[]',
		warnings_for_next TEXT DEFAULT '[]',
		tool_calls INTEGER DEFAULT 0,
		escalations INTEGER DEFAULT 0,
		human_interventions INTEGER DEFAULT 0
	);
	`

	warmIssuesTable := `
	CREATE TABLE IF NOT EXISTS warm_memory_issues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_id TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_session INTEGER NOT NULL,
		issue_type TEXT NOT NULL,
		description TEXT DEFAULT '',
		priority INTEGER DEFAULT 3,
		related_features TEXT DEFAULT '[]',
		related_files TEXT DEFAULT '[]',
		context TEXT DEFAULT '{}',
		attempted_solutions TEXT DEFAULT '[]',
		last_seen_session INTEGER NOT NULL,
		times_encountered INTEGER DEFAULT 1,
		resolved INTEGER DEFAULT 0
	);
	`

	warmPatternsTable := `
	CREATE TABLE IF NOT EXISTS warm_memory_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_session INTEGER NOT NULL,
		pattern_type TEXT NOT NULL,
		pattern TEXT DEFAULT '',
		context TEXT DEFAULT '',
		success_count INTEGER DEFAULT 1,
		confidence REAL DEFAULT 0.5,
		context_keywords TEXT DEFAULT '[]',
		source_sessions TEXT DEFAULT '[]',
		last_used_session INTEGER
	);
	`

	coldMemoryTable := `
	CREATE TABLE IF NOT EXISTS cold_memory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER UNIQUE NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		ending_state TEXT DEFAULT '',
		features_completed INTEGER DEFAULT 0,
		features_regressed INTEGER DEFAULT 0,
		errors_count INTEGER DEFAULT 0,
		duration_seconds REAL DEFAULT 0.0
	);
	`

	coldKnowledgeTable := `
	CREATE TABLE IF NOT EXISTS cold_memory_knowledge (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		knowledge_id TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		knowledge_type TEXT NOT NULL,
		title TEXT DEFAULT '',
		description TEXT DEFAULT '',
		context_keywords TEXT DEFAULT '[]',
		source_sessions TEXT DEFAULT '[]',
		times_verified INTEGER DEFAULT 1,
		confidence REAL DEFAULT 0.5,
		last_used DATETIME
	);
	`

	autonomyTables := `
	CREATE TABLE IF NOT EXISTS autonomy_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		level INTEGER DEFAULT 3,
		action_levels TEXT DEFAULT '{}',
		confidence_threshold REAL DEFAULT 0.5,
		error_demotion_count INTEGER DEFAULT 3,
		success_promotion_count INTEGER DEFAULT 10,
		auto_adjust INTEGER DEFAULT 1,
		min_level INTEGER DEFAULT 1,
		max_level INTEGER DEFAULT 4,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS autonomy_metrics (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		consecutive_successes INTEGER DEFAULT 0,
		consecutive_errors INTEGER DEFAULT 0,
		total_actions INTEGER DEFAULT 0,
		total_errors INTEGER DEFAULT 0,
		recent_outcomes TEXT DEFAULT '[]',
		level_changes TEXT DEFAULT '[]',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS autonomy_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_id INTEGER NOT NULL,
		action TEXT DEFAULT '',
		tool TEXT DEFAULT '',
		allowed INTEGER NOT NULL,
		required_level INTEGER NOT NULL,
		current_level INTEGER NOT NULL,
		effective_level INTEGER NOT NULL,
		reason TEXT DEFAULT '',
		alternatives TEXT DEFAULT '[]',
		requires_approval INTEGER DEFAULT 0,
		requires_checkpoint INTEGER DEFAULT 0,
		confidence REAL
	);
	`

	escalationTables := `
	CREATE TABLE IF NOT EXISTS escalation_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT UNIQUE NOT NULL,
		name TEXT DEFAULT '',
		description TEXT DEFAULT '',
		condition_type TEXT NOT NULL,
		condition_params TEXT DEFAULT '{}',
		severity INTEGER DEFAULT 3,
		injection_type TEXT DEFAULT 'decision',
		message_template TEXT DEFAULT '',
		suggested_actions TEXT DEFAULT '[]',
		auto_pause INTEGER DEFAULT 0,
		timeout_seconds INTEGER DEFAULT 300,
		default_action TEXT,
		is_custom INTEGER DEFAULT 1,
		is_enabled INTEGER DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS escalation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_id INTEGER NOT NULL,
		rule_id TEXT NOT NULL,
		severity INTEGER NOT NULL,
		message TEXT DEFAULT '',
		context_summary TEXT DEFAULT '{}'
	);
	`

	riskTables := `
	CREATE TABLE IF NOT EXISTS risk_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id TEXT UNIQUE NOT NULL,
		description TEXT DEFAULT '',
		tool TEXT,
		input_pattern TEXT,
		input_field TEXT,
		risk_level INTEGER NOT NULL,
		is_reversible INTEGER DEFAULT 1,
		affects_source_of_truth INTEGER DEFAULT 0,
		has_external_side_effects INTEGER DEFAULT 0,
		requires_approval INTEGER DEFAULT 0,
		requires_checkpoint INTEGER DEFAULT 0,
		mitigation TEXT,
		is_custom INTEGER DEFAULT 1,
		is_enabled INTEGER DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS risk_assessments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_id INTEGER NOT NULL,
		action TEXT DEFAULT '',
		tool TEXT DEFAULT '',
		input_summary TEXT DEFAULT '',
		risk_level INTEGER NOT NULL,
		is_reversible INTEGER NOT NULL,
		affects_source_of_truth INTEGER NOT NULL,
		has_external_side_effects INTEGER NOT NULL,
		concerns TEXT DEFAULT '[]',
		requires_approval INTEGER DEFAULT 0,
		requires_checkpoint INTEGER DEFAULT 0,
		requires_review INTEGER DEFAULT 0,
		suggested_mitigation TEXT
	);
	`

	injectionTable := `
	CREATE TABLE IF NOT EXISTS injection_points (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		point_id TEXT UNIQUE NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_id INTEGER NOT NULL,
		point_type TEXT NOT NULL,
		context TEXT DEFAULT '{}',
		options TEXT DEFAULT '[]',
		recommendation TEXT DEFAULT '',
		timeout_seconds INTEGER DEFAULT 300,
		default_on_timeout TEXT,
		response TEXT,
		responded_at DATETIME,
		responded_by TEXT DEFAULT 'pending',
		status TEXT DEFAULT 'pending',
		escalation_rule_id TEXT,
		message TEXT,
		severity INTEGER DEFAULT 3
	);
	CREATE INDEX IF NOT EXISTS idx_injection_status ON injection_points(status);
	`

	interventionTables := `
	CREATE TABLE IF NOT EXISTS interventions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intervention_id TEXT UNIQUE NOT NULL,
		session_id INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		intervention_type TEXT NOT NULL,
		context_signature TEXT DEFAULT '{}',
		context_details TEXT DEFAULT '{}',
		original_action TEXT,
		original_rationale TEXT,
		human_action TEXT DEFAULT '',
		human_rationale TEXT,
		outcome_tracked INTEGER DEFAULT 0,
		outcome_success INTEGER,
		outcome_notes TEXT
	);
	CREATE TABLE IF NOT EXISTS intervention_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id TEXT UNIQUE NOT NULL,
		context_signature TEXT DEFAULT '{}',
		times_matched INTEGER DEFAULT 0,
		times_applied INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0,
		recommended_action TEXT DEFAULT '',
		rationale TEXT DEFAULT '',
		auto_apply INTEGER DEFAULT 0,
		confidence REAL DEFAULT 0.0,
		min_confidence_for_auto REAL DEFAULT 0.8,
		source_intervention_ids TEXT DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_matched DATETIME
	);
	`

	stallTable := `
	CREATE TABLE IF NOT EXISTS stall_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		detected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		session_id INTEGER NOT NULL,
		stall_type TEXT NOT NULL,
		consecutive_sessions INTEGER DEFAULT 1,
		last_passing_count INTEGER DEFAULT 0,
		last_git_hash TEXT,
		blocked_on TEXT,
		blocked_features TEXT DEFAULT '[]',
		missing_capability TEXT,
		escalated INTEGER DEFAULT 0,
		escalated_at DATETIME,
		resolved INTEGER DEFAULT 0,
		resolved_at DATETIME,
		resolution TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_stall_type ON stall_records(stall_type);
	`

	pausedTable := `
	CREATE TABLE IF NOT EXISTS paused_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER UNIQUE NOT NULL,
		paused_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		checkpoint_id TEXT,
		reason TEXT DEFAULT '',
		human_notes TEXT DEFAULT '',
		resumed INTEGER DEFAULT 0,
		resumed_at DATETIME
	);
	`

	messagesTable := `
	CREATE TABLE IF NOT EXISTS agent_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_by_session INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		priority INTEGER DEFAULT 3,
		subject TEXT DEFAULT '',
		body TEXT DEFAULT '',
		related_features TEXT DEFAULT '[]',
		tags TEXT DEFAULT '[]',
		read_by_sessions TEXT DEFAULT '[]',
		acknowledged INTEGER DEFAULT 0,
		acknowledged_by_session INTEGER,
		acknowledged_at DATETIME
	);
	`

	tables := []string{
		sessionsTable, eventsTable, featuresTable, artifactsTable,
		checkpointsTable, decisionsTable, hypothesesTable,
		hotMemoryTable, warmMemoryTable, warmIssuesTable, warmPatternsTable,
		coldMemoryTable, coldKnowledgeTable,
		autonomyTables, escalationTables, riskTables,
		injectionTable, interventionTables, stallTable, pausedTable,
		messagesTable,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}
