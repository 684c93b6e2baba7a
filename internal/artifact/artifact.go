// Package artifact stores session evidence files on disk and indexes
// them in the project database.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Artifact types.
const (
	TypeScreenshot   = "screenshot"
	TypeTestResult   = "test_result"
	TypeGitCommit    = "git_commit"
	TypeFileSnapshot = "file_snapshot"
	TypeLog          = "log"
	TypeError        = "error"
	TypeVerification = "verification"
)

var typeSubdirs = map[string]string{
	TypeScreenshot:   "screenshots",
	TypeTestResult:   "test_results",
	TypeGitCommit:    "commits",
	TypeFileSnapshot: "snapshots",
	TypeLog:          "logs",
	TypeError:        "errors",
	TypeVerification: "verification",
}

// Store copies artifact files under <project>/artifacts/ and records
// them through the project store.
type Store struct {
	projectDir string
	store      *store.ProjectStore
}

func NewStore(projectDir string, st *store.ProjectStore) *Store {
	return &Store{projectDir: projectDir, store: st}
}

// StoreOptions carries the optional fields of Save.
type StoreOptions struct {
	FeatureIndex *int
	Description  string
	Metadata     map[string]interface{}
	ParentID     string // artifact this one derives from
}

// Save copies sourcePath into artifacts/{type}/session_{id}/ and
// indexes it. The stored name is prefixed with the artifact ID so
// collisions across sessions are impossible.
func (s *Store) Save(artifactType, sourcePath string, sessionID int, opts StoreOptions) (*store.Artifact, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source file not found: %s", sourcePath)
	}

	seq, err := s.store.NextArtifactSeq()
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("ART-%d-%d", sessionID, seq)

	checksum, err := checksumFile(sourcePath)
	if err != nil {
		return nil, err
	}

	subdir, ok := typeSubdirs[artifactType]
	if !ok {
		subdir = "other"
	}
	sessionDir := filepath.Join(s.projectDir, "artifacts", subdir, fmt.Sprintf("session_%d", sessionID))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, err
	}

	originalName := filepath.Base(sourcePath)
	storedPath := filepath.Join(sessionDir, id+"_"+originalName)
	if err := copyFile(sourcePath, storedPath); err != nil {
		return nil, err
	}

	relPath, err := filepath.Rel(s.projectDir, storedPath)
	if err != nil {
		relPath = storedPath
	}

	a := store.Artifact{
		ID:           id,
		SessionID:    sessionID,
		FeatureIndex: opts.FeatureIndex,
		Type:         artifactType,
		Path:         relPath,
		Description:  opts.Description,
		SizeBytes:    info.Size(),
		Checksum:     checksum,
		ParentID:     opts.ParentID,
		Metadata:     opts.Metadata,
	}
	if err := s.store.InsertArtifact(a); err != nil {
		return nil, err
	}

	logging.Artifact("Stored %s (%s, %d bytes) as %s", originalName, artifactType, info.Size(), id)
	return &a, nil
}

// Get returns the indexed artifact, or nil when unknown.
func (s *Store) Get(id string) (*store.Artifact, error) {
	return s.store.GetArtifact(id)
}

// Path resolves the absolute path of a stored artifact.
func (s *Store) Path(id string) (string, error) {
	a, err := s.store.GetArtifact(id)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", fmt.Errorf("artifact %s not found", id)
	}
	return filepath.Join(s.projectDir, a.Path), nil
}

// List returns artifacts newest first, subject to the filter.
func (s *Store) List(filter store.ArtifactFilter) ([]store.Artifact, error) {
	return s.store.ListArtifacts(filter)
}

// ListForFeature returns every artifact recorded for a feature.
func (s *Store) ListForFeature(featureIndex int) ([]store.Artifact, error) {
	return s.store.ListArtifacts(store.ArtifactFilter{FeatureIndex: featureIndex})
}

// Summary renders the one-line form used in logs and CLI output.
func Summary(a store.Artifact) string {
	featureStr := ""
	if a.FeatureIndex != nil {
		featureStr = fmt.Sprintf(" feature=#%d", *a.FeatureIndex)
	}
	name := filepath.Base(a.Path)
	return fmt.Sprintf("[%s] %s%s - %s", a.ID, a.Type, featureStr, name)
}

// FindVerificationScreenshots scans the conventional screenshot
// locations for feature evidence the agent left on disk.
func FindVerificationScreenshots(projectDir string, featureIndex int) []string {
	pattern := fmt.Sprintf("feature_%d_*.png", featureIndex)
	seen := make(map[string]bool)
	var out []string

	add := func(matches []string) {
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}

	for _, dir := range []string{"verification", "screenshots", ""} {
		matches, _ := filepath.Glob(filepath.Join(projectDir, dir, pattern))
		add(matches)
	}

	artifactsDir := filepath.Join(projectDir, "artifacts")
	filepath.Walk(artifactsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			add([]string{path})
		} else if ok, _ := filepath.Match("ART-*-*_"+pattern, filepath.Base(path)); ok {
			add([]string{path})
		}
		return nil
	})

	return out
}

// checksumFile hashes a file in 8 KiB chunks.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 8192)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
