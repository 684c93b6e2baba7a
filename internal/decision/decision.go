// Package decision records agent decisions with rationale so features
// can be traced back to the reasoning that shaped them.
package decision

import (
	"fmt"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Decision types.
const (
	TypeFeatureSelection       = "feature_selection"
	TypeImplementationApproach = "implementation_approach"
	TypeBugFixStrategy         = "bug_fix_strategy"
	TypeSkipFeature            = "skip_feature"
	TypeToolChoice             = "tool_choice"
	TypeErrorHandling          = "error_handling"
	TypeArchitecture           = "architecture"
	TypeDependency             = "dependency"
	TypeRefactor               = "refactor"
	TypeTestStrategy           = "test_strategy"
	TypeEscalation             = "escalation"
)

// LowConfidenceThreshold flags decisions for review.
const LowConfidenceThreshold = 0.5

// Request carries everything needed to log a decision.
type Request struct {
	Type            string
	Context         string
	Choice          string
	Alternatives    []string
	Rationale       string
	Confidence      float64
	InputsConsulted []string
	RelatedFeatures []int
	GitCommit       string
	CheckpointID    string
	Metadata        map[string]interface{}
}

// Logger writes decisions through the project store.
type Logger struct {
	store     *store.ProjectStore
	sessionID int
}

func NewLogger(st *store.ProjectStore, sessionID int) *Logger {
	return &Logger{store: st, sessionID: sessionID}
}

func (l *Logger) SetSessionID(id int) { l.sessionID = id }

// Log persists a decision and returns the stored record. Confidence is
// clamped to [0, 1].
func (l *Logger) Log(req Request) (*store.Decision, error) {
	seq, err := l.store.NextDecisionSeq()
	if err != nil {
		return nil, err
	}

	confidence := req.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	d := store.Decision{
		DecisionID:      fmt.Sprintf("D-%d-%d", l.sessionID, seq),
		SessionID:       l.sessionID,
		DecisionType:    req.Type,
		Context:         req.Context,
		Choice:          req.Choice,
		Alternatives:    req.Alternatives,
		Rationale:       req.Rationale,
		Confidence:      confidence,
		InputsConsulted: req.InputsConsulted,
		RelatedFeatures: req.RelatedFeatures,
		GitCommit:       req.GitCommit,
		CheckpointID:    req.CheckpointID,
		Metadata:        req.Metadata,
	}
	if err := l.store.InsertDecision(d); err != nil {
		return nil, err
	}

	logging.Decision("[%s] %s (%.0f%%): %s", d.DecisionID, d.DecisionType,
		confidence*100, truncate(d.Choice, 80))
	return &d, nil
}

// UpdateOutcome records the result of a decision. Outcomes are
// write-once; repeated calls leave the first one in place.
func (l *Logger) UpdateOutcome(decisionID string, success bool, outcome string) (*store.Decision, error) {
	if err := l.store.SetDecisionOutcome(decisionID, outcome, success); err != nil {
		return nil, err
	}
	return l.store.GetDecision(decisionID)
}

// Get returns a decision by ID, nil when unknown.
func (l *Logger) Get(decisionID string) (*store.Decision, error) {
	return l.store.GetDecision(decisionID)
}

// ForFeature returns every decision touching a feature, oldest first.
func (l *Logger) ForFeature(featureIndex int) ([]store.Decision, error) {
	out, err := l.store.ListDecisions(store.DecisionFilter{FeatureIndex: featureIndex})
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// ForSession returns every decision from a session, oldest first.
func (l *Logger) ForSession(sessionID int) ([]store.Decision, error) {
	out, err := l.store.ListDecisions(store.DecisionFilter{SessionID: sessionID, FeatureIndex: -1})
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// LowConfidence returns decisions under the threshold for a session
// (0 = all sessions).
func (l *Logger) LowConfidence(sessionID int, threshold float64) ([]store.Decision, error) {
	if threshold <= 0 {
		threshold = LowConfidenceThreshold
	}
	return l.store.ListDecisions(store.DecisionFilter{
		SessionID:     sessionID,
		FeatureIndex:  -1,
		MaxConfidence: threshold,
	})
}

// PendingOutcomes returns decisions whose outcome was never recorded.
func (l *Logger) PendingOutcomes(sessionID int) ([]store.Decision, error) {
	return l.store.ListDecisions(store.DecisionFilter{
		SessionID:    sessionID,
		FeatureIndex: -1,
		PendingOnly:  true,
	})
}

// Recent returns the newest decisions first.
func (l *Logger) Recent(limit int, sessionID int) ([]store.Decision, error) {
	if limit <= 0 {
		limit = 10
	}
	return l.store.ListDecisions(store.DecisionFilter{
		SessionID:    sessionID,
		FeatureIndex: -1,
		Limit:        limit,
	})
}

// Stats aggregates the decision log.
func (l *Logger) Stats() (*store.DecisionStats, error) {
	return l.store.GetDecisionStats()
}

// IsLowConfidence reports whether a decision falls under the review
// threshold.
func IsLowConfidence(d store.Decision) bool {
	return d.Confidence < LowConfidenceThreshold
}

// NeedsReview reports whether a decision should be surfaced to a human:
// low confidence, skipped features and escalations always qualify.
func NeedsReview(d store.Decision) bool {
	if IsLowConfidence(d) {
		return true
	}
	return d.DecisionType == TypeSkipFeature || d.DecisionType == TypeEscalation
}

// Summary renders the one-line form used in logs and CLI output.
func Summary(d store.Decision) string {
	features := ""
	if len(d.RelatedFeatures) > 0 {
		features = fmt.Sprintf(" features=%v", d.RelatedFeatures)
	}
	return fmt.Sprintf("[%s] %s (%d%%): %s%s",
		d.DecisionID, d.DecisionType, int(d.Confidence*100),
		truncate(d.Choice, 50), features)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func reverse(xs []store.Decision) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}
