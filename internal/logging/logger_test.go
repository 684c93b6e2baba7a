package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetState() {
	CloseAll()
	logsDir = ""
	project = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func TestInitializeDefaultsEnabled(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsEnabled() {
		t.Error("Expected logging enabled by default")
	}

	if _, err := os.Stat(filepath.Join(dir, ".arcadia", "logs")); err != nil {
		t.Errorf("Logs directory not created: %v", err)
	}
}

func TestLoggingDisabledByConfig(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	arcDir := filepath.Join(dir, ".arcadia")
	if err := os.MkdirAll(arcDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	cfg := "logging:\n  enabled: false\n"
	if err := os.WriteFile(filepath.Join(arcDir, "config.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsEnabled() {
		t.Error("Expected logging disabled")
	}
	if IsCategoryEnabled(CategoryStore) {
		t.Error("Expected all categories disabled when logging is off")
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	arcDir := filepath.Join(dir, ".arcadia")
	if err := os.MkdirAll(arcDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	cfg := "logging:\n  enabled: true\n  level: debug\n  categories:\n    store: true\n    risk: false\n"
	if err := os.WriteFile(filepath.Join(arcDir, "config.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !IsCategoryEnabled(CategoryStore) {
		t.Error("Expected store category enabled")
	}
	if IsCategoryEnabled(CategoryRisk) {
		t.Error("Expected risk category disabled")
	}
	// Unlisted categories default to enabled
	if !IsCategoryEnabled(CategorySession) {
		t.Error("Expected unlisted category enabled")
	}
}

func TestLogWritesToCategoryFile(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Store("stored %d rows", 3)
	CloseAll()

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, ".arcadia", "logs", date+"_store.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected store log file: %v", err)
	}
	if !strings.Contains(string(data), "stored 3 rows") {
		t.Errorf("Log file missing message, got: %s", data)
	}
}

func TestTimerStop(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	timer := StartTimer(CategoryStore, "test_op")
	elapsed := timer.Stop()
	if elapsed < 0 {
		t.Errorf("Expected non-negative elapsed, got %v", elapsed)
	}
}
