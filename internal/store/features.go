package store

import (
	"database/sql"
	"fmt"
	"time"

	"arcadiaforge/internal/logging"
)

// Feature is one requirement from the app spec.
type Feature struct {
	Index               int
	Category            string
	Description         string
	Steps               []string
	Passes              bool
	VerificationSkipped bool
	VerifiedAt          *time.Time

	AuditStatus   string
	AuditNotes    []string
	AuditReviewer string
	AuditTime     *time.Time

	Priority     int // 1=critical, 2=high, 3=medium, 4=low
	FailureCount int
	LastWorked   string // ISO timestamp of last attempt
	BlockedBy    []int
	Blocks       []int

	Metadata map[string]interface{}
}

const featureColumns = `feature_index, category, description, steps, passes,
	verification_skipped, verified_at, audit_status, audit_notes, audit_reviewer,
	audit_time, priority, failure_count, last_worked, blocked_by, blocks, metadata`

// InsertFeature adds a single feature row.
func (s *ProjectStore) InsertFeature(f Feature) error {
	return s.InsertFeatures([]Feature{f})
}

// InsertFeatures bulk-inserts features inside one transaction.
func (s *ProjectStore) InsertFeatures(features []Feature) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertFeatures")
	defer timer.Stop()

	return s.exec(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`INSERT INTO features
			(feature_index, category, description, steps, priority, blocked_by, blocks, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range features {
			if f.Priority == 0 {
				f.Priority = 3
			}
			if f.Category == "" {
				f.Category = "functional"
			}
			if _, err := stmt.Exec(
				f.Index, f.Category, f.Description, marshalJSON(f.Steps),
				f.Priority, marshalJSON(f.BlockedBy), marshalJSON(f.Blocks),
				marshalJSON(f.Metadata),
			); err != nil {
				return fmt.Errorf("failed to insert feature %d: %w", f.Index, err)
			}
		}

		return tx.Commit()
	})
}

// GetFeature retrieves a feature by its index.
func (s *ProjectStore) GetFeature(index int) (*Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+featureColumns+" FROM features WHERE feature_index = ?", index,
	)
	f, err := scanFeature(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFeatures returns all features ordered by index.
func (s *ProjectStore) ListFeatures() ([]Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + featureColumns + " FROM features ORDER BY feature_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feature
	for rows.Next() {
		f, err := scanFeature(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// SetFeaturePasses marks a feature passing or failing.
func (s *ProjectStore) SetFeaturePasses(index int, passes, verificationSkipped bool) error {
	logging.StoreDebug("SetFeaturePasses: feature=%d passes=%v skipped=%v", index, passes, verificationSkipped)
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE features SET passes = ?, verification_skipped = ?, verified_at = ? WHERE feature_index = ?",
			passes, verificationSkipped, time.Now().UTC(), index,
		)
		return err
	})
}

// RecordFeatureAttempt updates attempt bookkeeping. A failed attempt
// increments the failure count; both kinds stamp last_worked.
func (s *ProjectStore) RecordFeatureAttempt(index int, success bool) error {
	return s.exec(func(db *sql.DB) error {
		now := time.Now().UTC().Format(time.RFC3339)
		if success {
			_, err := db.Exec(
				"UPDATE features SET last_worked = ? WHERE feature_index = ?", now, index,
			)
			return err
		}
		_, err := db.Exec(
			"UPDATE features SET failure_count = failure_count + 1, last_worked = ? WHERE feature_index = ?",
			now, index,
		)
		return err
	})
}

// SetFeaturePriority updates a feature's priority (1..4).
func (s *ProjectStore) SetFeaturePriority(index, priority int) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE features SET priority = ? WHERE feature_index = ?", priority, index,
		)
		return err
	})
}

// SetFeatureDependencies replaces the dependency lists for a feature.
func (s *ProjectStore) SetFeatureDependencies(index int, blockedBy, blocks []int) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE features SET blocked_by = ?, blocks = ? WHERE feature_index = ?",
			marshalJSON(blockedBy), marshalJSON(blocks), index,
		)
		return err
	})
}

// SetFeatureMetadata replaces a feature's metadata map.
func (s *ProjectStore) SetFeatureMetadata(index int, metadata map[string]interface{}) error {
	logging.StoreDebug("SetFeatureMetadata: feature=%d keys=%d", index, len(metadata))
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE features SET metadata = ? WHERE feature_index = ?",
			marshalJSON(metadata), index,
		)
		return err
	})
}

// SetFeatureAudit records an audit result for a feature.
func (s *ProjectStore) SetFeatureAudit(index int, status, reviewer string, notes []string) error {
	return s.exec(func(db *sql.DB) error {
		_, err := db.Exec(
			"UPDATE features SET audit_status = ?, audit_reviewer = ?, audit_notes = ?, audit_time = ? WHERE feature_index = ?",
			status, reviewer, marshalJSON(notes), time.Now().UTC(), index,
		)
		return err
	})
}

// CountFeatures returns (passing, total).
func (s *ProjectStore) CountFeatures() (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var passing, total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM features WHERE passes = 1").Scan(&passing); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM features").Scan(&total); err != nil {
		return 0, 0, err
	}
	return passing, total, nil
}

// MaxFeatureIndex returns the highest feature index, or -1 for an empty table.
func (s *ProjectStore) MaxFeatureIndex() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(feature_index) FROM features").Scan(&max); err != nil {
		return -1, err
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// FeatureStatusSnapshot returns {index: passes} for checkpointing.
func (s *ProjectStore) FeatureStatusSnapshot() (map[int]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT feature_index, passes FROM features")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var idx int
		var passes bool
		if err := rows.Scan(&idx, &passes); err != nil {
			continue
		}
		out[idx] = passes
	}
	return out, rows.Err()
}

// RestoreFeatureStatus overwrites passing flags from a checkpoint snapshot.
// Features absent from the snapshot are left untouched.
func (s *ProjectStore) RestoreFeatureStatus(snapshot map[int]bool) error {
	logging.Store("Restoring feature status for %d features", len(snapshot))
	return s.exec(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare("UPDATE features SET passes = ? WHERE feature_index = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for idx, passes := range snapshot {
			if _, err := stmt.Exec(passes, idx); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func scanFeature(scan func(dest ...interface{}) error) (*Feature, error) {
	var f Feature
	var steps, auditNotes, blockedBy, blocks, metadata string
	var verifiedAt, auditTime sql.NullTime
	var auditStatus, auditReviewer, lastWorked sql.NullString

	err := scan(
		&f.Index, &f.Category, &f.Description, &steps, &f.Passes,
		&f.VerificationSkipped, &verifiedAt, &auditStatus, &auditNotes,
		&auditReviewer, &auditTime, &f.Priority, &f.FailureCount,
		&lastWorked, &blockedBy, &blocks, &metadata,
	)
	if err != nil {
		return nil, err
	}

	f.Steps = unmarshalStrings(steps)
	f.VerifiedAt = nullTime(verifiedAt)
	f.AuditStatus = nullString(auditStatus)
	f.AuditNotes = unmarshalStrings(auditNotes)
	f.AuditReviewer = nullString(auditReviewer)
	f.AuditTime = nullTime(auditTime)
	f.LastWorked = nullString(lastWorked)
	f.BlockedBy = unmarshalInts(blockedBy)
	f.Blocks = unmarshalInts(blocks)
	f.Metadata = unmarshalMap(metadata)
	return &f, nil
}
