// Package logging provides config-driven categorized file-based logging.
// Logs are written to .arcadia/logs/ with a separate file per category per
// day. Logging is controlled by the logging section of .arcadia/config.yaml.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot          Category = "boot"          // Startup/initialization
	CategoryOrchestrator  Category = "orchestrator"  // Main loop decisions
	CategorySession       Category = "session"       // Agent session lifecycle
	CategoryStore         Category = "store"         // Database operations
	CategoryCheckpoint    Category = "checkpoint"    // Checkpoints and rollback
	CategoryFeature       Category = "feature"       // Feature selection and status
	CategoryArtifact      Category = "artifact"      // Artifact storage
	CategoryDecision      Category = "decision"      // Decision logging
	CategoryHypothesis    Category = "hypothesis"    // Hypothesis tracking
	CategoryMemory        Category = "memory"        // Hot/warm/cold memory
	CategoryRisk          Category = "risk"          // Risk classification
	CategoryAutonomy      Category = "autonomy"      // Autonomy level changes
	CategoryEscalation    Category = "escalation"    // Escalation rules
	CategoryHuman         Category = "human"         // Injection points, responses
	CategoryIntervention  Category = "intervention"  // Intervention learning
	CategoryStall         Category = "stall"         // Stall and loop detection
	CategoryObservability Category = "observability" // Event stream, metrics
)

// loggingConfig mirrors the logging section of .arcadia/config.yaml
// to avoid a circular import with the config package.
type loggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

type configFile struct {
	Logging *loggingConfig `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	project   string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the project path.
func Initialize(projectDir string) error {
	if projectDir == "" {
		return fmt.Errorf("project path required")
	}

	project = projectDir
	logsDir = filepath.Join(project, ".arcadia", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
	}

	if !config.Enabled {
		return nil // Silent no-op when logging is off
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== arcadiaforge logging initialized ===")
	boot.Info("Project: %s", project)
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", config.Level)

	return nil
}

// loadConfig reads the logging section from .arcadia/config.yaml.
// A missing file or section means logging stays enabled at info level,
// the default for an unattended agent run.
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	config = loggingConfig{Enabled: true, Level: "info"}
	logLevel = LevelInfo

	configPath := filepath.Join(project, ".arcadia", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cf.Logging == nil {
		return nil
	}
	config = *cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info", "":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads the config from disk.
func ReloadConfig() error {
	return loadConfig()
}

// IsEnabled returns whether file logging is enabled
func IsEnabled() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.Enabled
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.Enabled {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Orchestrator logs to the orchestrator category
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}

// OrchestratorDebug logs debug to the orchestrator category
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}

// OrchestratorWarn logs warning to the orchestrator category
func OrchestratorWarn(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Warn(format, args...)
}

// OrchestratorError logs error to the orchestrator category
func OrchestratorError(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Error(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// SessionWarn logs warning to the session category
func SessionWarn(format string, args ...interface{}) {
	Get(CategorySession).Warn(format, args...)
}

// SessionError logs error to the session category
func SessionError(format string, args ...interface{}) {
	Get(CategorySession).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Checkpoint logs to the checkpoint category
func Checkpoint(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Info(format, args...)
}

// CheckpointDebug logs debug to the checkpoint category
func CheckpointDebug(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Debug(format, args...)
}

// CheckpointError logs error to the checkpoint category
func CheckpointError(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Error(format, args...)
}

// Feature logs to the feature category
func Feature(format string, args ...interface{}) {
	Get(CategoryFeature).Info(format, args...)
}

// FeatureDebug logs debug to the feature category
func FeatureDebug(format string, args ...interface{}) {
	Get(CategoryFeature).Debug(format, args...)
}

// FeatureWarn logs warning to the feature category
func FeatureWarn(format string, args ...interface{}) {
	Get(CategoryFeature).Warn(format, args...)
}

// Artifact logs to the artifact category
func Artifact(format string, args ...interface{}) {
	Get(CategoryArtifact).Info(format, args...)
}

// ArtifactDebug logs debug to the artifact category
func ArtifactDebug(format string, args ...interface{}) {
	Get(CategoryArtifact).Debug(format, args...)
}

// Decision logs to the decision category
func Decision(format string, args ...interface{}) {
	Get(CategoryDecision).Info(format, args...)
}

// DecisionDebug logs debug to the decision category
func DecisionDebug(format string, args ...interface{}) {
	Get(CategoryDecision).Debug(format, args...)
}

// Hypothesis logs to the hypothesis category
func Hypothesis(format string, args ...interface{}) {
	Get(CategoryHypothesis).Info(format, args...)
}

// HypothesisDebug logs debug to the hypothesis category
func HypothesisDebug(format string, args ...interface{}) {
	Get(CategoryHypothesis).Debug(format, args...)
}

// Memory logs to the memory category
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category
func MemoryDebug(format string, args ...interface{}) {
	Get(CategoryMemory).Debug(format, args...)
}

// Risk logs to the risk category
func Risk(format string, args ...interface{}) {
	Get(CategoryRisk).Info(format, args...)
}

// RiskDebug logs debug to the risk category
func RiskDebug(format string, args ...interface{}) {
	Get(CategoryRisk).Debug(format, args...)
}

// Autonomy logs to the autonomy category
func Autonomy(format string, args ...interface{}) {
	Get(CategoryAutonomy).Info(format, args...)
}

// AutonomyDebug logs debug to the autonomy category
func AutonomyDebug(format string, args ...interface{}) {
	Get(CategoryAutonomy).Debug(format, args...)
}

// Escalation logs to the escalation category
func Escalation(format string, args ...interface{}) {
	Get(CategoryEscalation).Info(format, args...)
}

// EscalationDebug logs debug to the escalation category
func EscalationDebug(format string, args ...interface{}) {
	Get(CategoryEscalation).Debug(format, args...)
}

// EscalationWarn logs warning to the escalation category
func EscalationWarn(format string, args ...interface{}) {
	Get(CategoryEscalation).Warn(format, args...)
}

// Human logs to the human category
func Human(format string, args ...interface{}) {
	Get(CategoryHuman).Info(format, args...)
}

// HumanDebug logs debug to the human category
func HumanDebug(format string, args ...interface{}) {
	Get(CategoryHuman).Debug(format, args...)
}

// HumanWarn logs warning to the human category
func HumanWarn(format string, args ...interface{}) {
	Get(CategoryHuman).Warn(format, args...)
}

// Intervention logs to the intervention category
func Intervention(format string, args ...interface{}) {
	Get(CategoryIntervention).Info(format, args...)
}

// InterventionDebug logs debug to the intervention category
func InterventionDebug(format string, args ...interface{}) {
	Get(CategoryIntervention).Debug(format, args...)
}

// Stall logs to the stall category
func Stall(format string, args ...interface{}) {
	Get(CategoryStall).Info(format, args...)
}

// StallDebug logs debug to the stall category
func StallDebug(format string, args ...interface{}) {
	Get(CategoryStall).Debug(format, args...)
}

// StallWarn logs warning to the stall category
func StallWarn(format string, args ...interface{}) {
	Get(CategoryStall).Warn(format, args...)
}

// Observability logs to the observability category
func Observability(format string, args ...interface{}) {
	Get(CategoryObservability).Info(format, args...)
}

// ObservabilityDebug logs debug to the observability category
func ObservabilityDebug(format string, args ...interface{}) {
	Get(CategoryObservability).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
