package store

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"arcadiaforge/internal/logging"
)

// Checkpoint captures project state at a point in time.
type Checkpoint struct {
	CheckpointID string // "CP-{session}-{seq}"
	Timestamp    time.Time
	Trigger      string
	SessionID    int

	GitCommit string
	GitBranch string
	GitClean  bool

	FeatureStatus   map[int]bool
	FeaturesPassing int
	FeaturesTotal   int

	FilesHash string

	LastSuccessfulFeature *int
	PendingWork           []string

	Metadata  map[string]interface{}
	HumanNote string
}

const checkpointColumns = `checkpoint_id, timestamp, trigger_type, session_id,
	git_commit, git_branch, git_clean, feature_status, features_passing,
	features_total, files_hash, last_successful_feature, pending_work,
	metadata, human_note`

// NextCheckpointSeq returns the next global checkpoint sequence number.
func (s *ProjectStore) NextCheckpointSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "checkpoints", "checkpoint_id")
}

// InsertCheckpoint stores a checkpoint row.
func (s *ProjectStore) InsertCheckpoint(cp Checkpoint) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertCheckpoint")
	defer timer.Stop()

	logging.StoreDebug("InsertCheckpoint: %s trigger=%s session=%d", cp.CheckpointID, cp.Trigger, cp.SessionID)

	return s.exec(func(db *sql.DB) error {
		var lastFeature interface{}
		if cp.LastSuccessfulFeature != nil {
			lastFeature = *cp.LastSuccessfulFeature
		}
		_, err := db.Exec(
			`INSERT INTO checkpoints
			 (checkpoint_id, trigger_type, session_id, git_commit, git_branch, git_clean,
			  feature_status, features_passing, features_total, files_hash,
			  last_successful_feature, pending_work, metadata, human_note)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.CheckpointID, cp.Trigger, cp.SessionID, cp.GitCommit, cp.GitBranch,
			cp.GitClean, marshalFeatureStatus(cp.FeatureStatus), cp.FeaturesPassing,
			cp.FeaturesTotal, cp.FilesHash, lastFeature, marshalJSON(cp.PendingWork),
			marshalJSON(cp.Metadata), cp.HumanNote,
		)
		return err
	})
}

// GetCheckpoint retrieves a checkpoint by its ID.
func (s *ProjectStore) GetCheckpoint(checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE checkpoint_id = ?",
		checkpointID,
	)
	cp, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints newest first.
func (s *ProjectStore) ListCheckpoints(limit int) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		"SELECT "+checkpointColumns+" FROM checkpoints ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the most recent checkpoint, or nil.
func (s *ProjectStore) LatestCheckpoint() (*Checkpoint, error) {
	cps, err := s.ListCheckpoints(1)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return &cps[0], nil
}

// CleanCheckpoints deletes all but the newest keep checkpoints and
// returns the IDs removed.
func (s *ProjectStore) CleanCheckpoints(keep int) ([]string, error) {
	s.mu.RLock()
	rows, err := s.db.Query(
		"SELECT checkpoint_id FROM checkpoints ORDER BY id DESC LIMIT -1 OFFSET ?", keep,
	)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			victims = append(victims, id)
		}
	}
	rows.Close()
	s.mu.RUnlock()

	if len(victims) == 0 {
		return nil, nil
	}

	err = s.exec(func(db *sql.DB) error {
		stmt, err := db.Prepare("DELETE FROM checkpoints WHERE checkpoint_id = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range victims {
			if _, err := stmt.Exec(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Checkpoint("Cleaned %d checkpoints (kept %d)", len(victims), keep)
	return victims, nil
}

// CheckpointStats summarizes the checkpoint table.
type CheckpointStats struct {
	Total     int
	ByTrigger map[string]int
	Oldest    *time.Time
	Newest    *time.Time
}

// GetCheckpointStats aggregates counts by trigger plus the time span.
func (s *ProjectStore) GetCheckpointStats() (*CheckpointStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &CheckpointStats{ByTrigger: make(map[string]int)}

	rows, err := s.db.Query("SELECT trigger_type, COUNT(*) FROM checkpoints GROUP BY trigger_type")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var trigger string
		var count int
		if err := rows.Scan(&trigger, &count); err == nil {
			stats.ByTrigger[trigger] = count
			stats.Total += count
		}
	}
	rows.Close()

	var oldest, newest sql.NullTime
	if err := s.db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM checkpoints").Scan(&oldest, &newest); err == nil {
		stats.Oldest = nullTime(oldest)
		stats.Newest = nullTime(newest)
	}

	return stats, nil
}

// marshalFeatureStatus serializes {index: passes} with string keys for
// JSON compatibility.
func marshalFeatureStatus(m map[int]bool) string {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	return marshalJSON(out)
}

func unmarshalFeatureStatus(s string) map[int]bool {
	raw := map[string]bool{}
	json.Unmarshal([]byte(s), &raw)
	out := make(map[int]bool, len(raw))
	for k, v := range raw {
		if idx, err := strconv.Atoi(k); err == nil {
			out[idx] = v
		}
	}
	return out
}

func scanCheckpoint(scan func(dest ...interface{}) error) (*Checkpoint, error) {
	var cp Checkpoint
	var featureStatus, pendingWork, metadata string
	var lastFeature sql.NullInt64
	var humanNote sql.NullString

	err := scan(
		&cp.CheckpointID, &cp.Timestamp, &cp.Trigger, &cp.SessionID,
		&cp.GitCommit, &cp.GitBranch, &cp.GitClean, &featureStatus,
		&cp.FeaturesPassing, &cp.FeaturesTotal, &cp.FilesHash,
		&lastFeature, &pendingWork, &metadata, &humanNote,
	)
	if err != nil {
		return nil, err
	}

	cp.FeatureStatus = unmarshalFeatureStatus(featureStatus)
	cp.LastSuccessfulFeature = nullInt(lastFeature)
	cp.PendingWork = unmarshalStrings(pendingWork)
	cp.Metadata = unmarshalMap(metadata)
	cp.HumanNote = nullString(humanNote)
	return &cp, nil
}
