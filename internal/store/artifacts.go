package store

import (
	"database/sql"
	"time"

	"arcadiaforge/internal/logging"
)

// Artifact is a stored file generated during a session.
type Artifact struct {
	ID           string // "ART-{session}-{seq}"
	SessionID    int
	FeatureIndex *int
	Type         string
	Path         string // relative to project root
	Description  string
	SizeBytes    int64
	Checksum     string // sha256 hex
	ParentID     string // artifact this one derives from, "" for none
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

const artifactColumns = `id, session_id, feature_index, type, path,
	description, size_bytes, checksum, parent_artifact_id, metadata, created_at`

// NextArtifactSeq returns the next global artifact sequence number.
func (s *ProjectStore) NextArtifactSeq() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nextSeq(s.db, "artifacts", "id")
}

// InsertArtifact stores an artifact index row.
func (s *ProjectStore) InsertArtifact(a Artifact) error {
	logging.StoreDebug("InsertArtifact: %s type=%s path=%s", a.ID, a.Type, a.Path)
	return s.exec(func(db *sql.DB) error {
		var featureIndex interface{}
		if a.FeatureIndex != nil {
			featureIndex = *a.FeatureIndex
		}
		var parent interface{}
		if a.ParentID != "" {
			parent = a.ParentID
		}
		_, err := db.Exec(
			`INSERT INTO artifacts
			 (id, session_id, feature_index, type, path, description, size_bytes, checksum, parent_artifact_id, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.SessionID, featureIndex, a.Type, a.Path, a.Description,
			a.SizeBytes, a.Checksum, parent, marshalJSON(a.Metadata),
		)
		return err
	})
}

// GetArtifact retrieves an artifact by its ID.
func (s *ProjectStore) GetArtifact(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+artifactColumns+" FROM artifacts WHERE id = ?", id)
	a, err := scanArtifact(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	SessionID    int // 0 = any
	FeatureIndex int // -1 = any
	Type         string
	Limit        int
}

// ListArtifacts returns artifacts newest first, subject to the filter.
func (s *ProjectStore) ListArtifacts(filter ArtifactFilter) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + artifactColumns + " FROM artifacts WHERE 1=1"
	var args []interface{}

	if filter.SessionID > 0 {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.FeatureIndex >= 0 {
		query += " AND feature_index = ?"
		args = append(args, filter.FeatureIndex)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
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

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArtifact(scan func(dest ...interface{}) error) (*Artifact, error) {
	var a Artifact
	var featureIndex sql.NullInt64
	var description, parent sql.NullString
	var metadata string

	err := scan(
		&a.ID, &a.SessionID, &featureIndex, &a.Type, &a.Path,
		&description, &a.SizeBytes, &a.Checksum, &parent, &metadata, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.FeatureIndex = nullInt(featureIndex)
	a.Description = nullString(description)
	a.ParentID = nullString(parent)
	a.Metadata = unmarshalMap(metadata)
	return &a, nil
}
