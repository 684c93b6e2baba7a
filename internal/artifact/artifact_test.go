package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arcadiaforge/internal/store"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	if err != nil {
		t.Fatalf("NewProjectStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	return NewStore(dir, st), dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestSaveCopiesAndIndexes(t *testing.T) {
	s, dir := newTestStore(t)
	src := writeFile(t, t.TempDir(), "login.png", "fake png bytes")

	idx := 4
	a, err := s.Save(TypeScreenshot, src, 1, StoreOptions{
		FeatureIndex: &idx,
		Description:  "login page after submit",
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if a.ID != "ART-1-1" {
		t.Errorf("expected ART-1-1, got %s", a.ID)
	}
	wantPath := filepath.Join("artifacts", "screenshots", "session_1", "ART-1-1_login.png")
	if a.Path != wantPath {
		t.Errorf("unexpected stored path: %s", a.Path)
	}
	if _, err := os.Stat(filepath.Join(dir, a.Path)); err != nil {
		t.Errorf("stored file missing: %v", err)
	}

	sum := sha256.Sum256([]byte("fake png bytes"))
	if a.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected checksum: %s", a.Checksum)
	}
	if a.SizeBytes != int64(len("fake png bytes")) {
		t.Errorf("unexpected size: %d", a.SizeBytes)
	}

	got, err := s.Get(a.ID)
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FeatureIndex == nil || *got.FeatureIndex != 4 {
		t.Errorf("feature index not persisted: %+v", got.FeatureIndex)
	}

	child, err := s.Save(TypeFileSnapshot, src, 1, StoreOptions{ParentID: a.ID})
	if err != nil {
		t.Fatalf("Save derived artifact failed: %v", err)
	}
	got, err = s.Get(child.ID)
	if err != nil || got == nil {
		t.Fatalf("Get derived artifact failed: %v", err)
	}
	if got.ParentID != a.ID {
		t.Errorf("parent link not persisted: %q", got.ParentID)
	}
}

func TestSaveMissingSourceFails(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Save(TypeLog, "/nonexistent/file.log", 1, StoreOptions{}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestSequenceIsGlobalAcrossSessions(t *testing.T) {
	s, _ := newTestStore(t)
	tmp := t.TempDir()

	a1, err := s.Save(TypeLog, writeFile(t, tmp, "a.log", "aa"), 1, StoreOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	a2, err := s.Save(TypeLog, writeFile(t, tmp, "b.log", "bb"), 2, StoreOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if a1.ID != "ART-1-1" || a2.ID != "ART-2-2" {
		t.Errorf("expected global sequence, got %s and %s", a1.ID, a2.ID)
	}
}

func TestUnknownTypeFallsBackToOther(t *testing.T) {
	s, _ := newTestStore(t)
	src := writeFile(t, t.TempDir(), "dump.bin", "data")

	a, err := s.Save("mystery", src, 1, StoreOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.Contains(a.Path, filepath.Join("artifacts", "other")) {
		t.Errorf("expected other/ subdir, got %s", a.Path)
	}
}

func TestPathResolvesAbsolute(t *testing.T) {
	s, dir := newTestStore(t)
	src := writeFile(t, t.TempDir(), "out.txt", "results")

	a, err := s.Save(TypeTestResult, src, 3, StoreOptions{})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	p, err := s.Path(a.ID)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if p != filepath.Join(dir, a.Path) {
		t.Errorf("unexpected resolved path: %s", p)
	}
	if _, err := s.Path("ART-9-9"); err == nil {
		t.Error("expected error for unknown artifact")
	}
}

func TestListFilters(t *testing.T) {
	s, _ := newTestStore(t)
	tmp := t.TempDir()

	idx := 2
	s.Save(TypeScreenshot, writeFile(t, tmp, "a.png", "a"), 1, StoreOptions{FeatureIndex: &idx})
	s.Save(TypeLog, writeFile(t, tmp, "b.log", "b"), 1, StoreOptions{})
	s.Save(TypeScreenshot, writeFile(t, tmp, "c.png", "c"), 2, StoreOptions{FeatureIndex: &idx})

	screenshots, err := s.List(store.ArtifactFilter{Type: TypeScreenshot, FeatureIndex: -1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(screenshots) != 2 {
		t.Errorf("expected 2 screenshots, got %d", len(screenshots))
	}

	session1, _ := s.List(store.ArtifactFilter{SessionID: 1, FeatureIndex: -1})
	if len(session1) != 2 {
		t.Errorf("expected 2 artifacts in session 1, got %d", len(session1))
	}

	forFeature, _ := s.ListForFeature(2)
	if len(forFeature) != 2 {
		t.Errorf("expected 2 artifacts for feature, got %d", len(forFeature))
	}
}

func TestSummaryFormat(t *testing.T) {
	idx := 7
	a := store.Artifact{
		ID:           "ART-1-3",
		Type:         TypeVerification,
		FeatureIndex: &idx,
		Path:         "artifacts/verification/session_1/ART-1-3_proof.png",
	}
	got := Summary(a)
	want := "[ART-1-3] verification feature=#7 - ART-1-3_proof.png"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindVerificationScreenshots(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "verification"), 0o755)
	os.MkdirAll(filepath.Join(dir, "artifacts", "screenshots", "session_1"), 0o755)

	writeFile(t, filepath.Join(dir, "verification"), "feature_3_login.png", "x")
	writeFile(t, dir, "feature_3_extra.png", "y")
	writeFile(t, filepath.Join(dir, "artifacts", "screenshots", "session_1"), "feature_3_deep.png", "z")
	writeFile(t, dir, "feature_4_other.png", "w")

	found := FindVerificationScreenshots(dir, 3)
	if len(found) != 3 {
		t.Errorf("expected 3 screenshots, got %d: %v", len(found), found)
	}
	for _, p := range found {
		if strings.Contains(p, "feature_4") {
			t.Errorf("matched wrong feature: %s", p)
		}
	}
}
