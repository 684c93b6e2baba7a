// Package hypothesis tracks observations and root-cause theories across
// sessions, accumulating evidence until they are confirmed or rejected.
package hypothesis

import (
	"fmt"
	"strings"
	"time"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Hypothesis statuses.
const (
	StatusOpen       = "open"
	StatusConfirmed  = "confirmed"
	StatusRejected   = "rejected"
	StatusIrrelevant = "irrelevant"
	StatusSuperseded = "superseded"
)

// Hypothesis types.
const (
	TypeRootCause     = "root_cause"
	TypeSideEffect    = "side_effect"
	TypeDependency    = "dependency"
	TypePerformance   = "performance"
	TypeCompatibility = "compatibility"
	TypeDesign        = "design"
	TypeObservation   = "observation"
)

// Request carries the fields of a new hypothesis.
type Request struct {
	Type            string
	Observation     string
	Hypothesis      string
	Confidence      float64 // defaults to 0.5 when zero
	ContextKeywords []string
	RelatedFeatures []int
	RelatedErrors   []string
	RelatedFiles    []string
}

// Tracker manages hypotheses through the project store.
type Tracker struct {
	store     *store.ProjectStore
	sessionID int
}

func NewTracker(st *store.ProjectStore, sessionID int) *Tracker {
	return &Tracker{store: st, sessionID: sessionID}
}

func (t *Tracker) SetSessionID(id int) { t.sessionID = id }

// Add records a new open hypothesis.
func (t *Tracker) Add(req Request) (*store.Hypothesis, error) {
	seq, err := t.store.NextHypothesisSeq()
	if err != nil {
		return nil, err
	}

	confidence := req.Confidence
	if confidence == 0 {
		confidence = 0.5
	}
	confidence = clamp(confidence)

	h := store.Hypothesis{
		HypothesisID:    fmt.Sprintf("HYP-%d-%d", t.sessionID, seq),
		CreatedSession:  t.sessionID,
		HypothesisType:  req.Type,
		Observation:     req.Observation,
		Hypothesis:      req.Hypothesis,
		Confidence:      confidence,
		Status:          StatusOpen,
		ContextKeywords: req.ContextKeywords,
		RelatedFeatures: req.RelatedFeatures,
		RelatedErrors:   req.RelatedErrors,
		RelatedFiles:    req.RelatedFiles,
		SessionsSeen:    []int{t.sessionID},
	}
	if err := t.store.InsertHypothesis(h); err != nil {
		return nil, err
	}

	logging.Hypothesis("[%s] %s: %s", h.HypothesisID, h.HypothesisType,
		truncate(h.Hypothesis, 80))
	return &h, nil
}

// AddEvidence appends evidence for or against a hypothesis and
// recomputes its confidence as the fraction of supporting items.
// Resolved hypotheses reject further evidence.
func (t *Tracker) AddEvidence(hypothesisID, description string, supports bool, source string, confidence float64) error {
	h, err := t.store.GetHypothesis(hypothesisID)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("hypothesis %s not found", hypothesisID)
	}
	if IsResolved(*h) {
		return fmt.Errorf("hypothesis %s is already resolved (%s)", hypothesisID, h.Status)
	}

	if confidence == 0 {
		confidence = 0.5
	}
	ev := store.Evidence{
		AddedAt:     time.Now().UTC(),
		SessionID:   t.sessionID,
		Description: description,
		Supports:    supports,
		Source:      source,
		Confidence:  clamp(confidence),
	}
	if supports {
		h.EvidenceFor = append(h.EvidenceFor, ev)
	} else {
		h.EvidenceAgainst = append(h.EvidenceAgainst, ev)
	}
	h.Confidence = float64(len(h.EvidenceFor)) / float64(len(h.EvidenceFor)+len(h.EvidenceAgainst))
	return t.store.UpdateHypothesis(*h)
}

// Resolve closes a hypothesis with a terminal status.
func (t *Tracker) Resolve(hypothesisID, status, resolution string) error {
	return t.resolve(hypothesisID, status, resolution, "")
}

// Supersede closes a hypothesis in favor of a newer one.
func (t *Tracker) Supersede(hypothesisID, resolution, supersededBy string) error {
	return t.resolve(hypothesisID, StatusSuperseded, resolution, supersededBy)
}

func (t *Tracker) resolve(hypothesisID, status, resolution, supersededBy string) error {
	h, err := t.store.GetHypothesis(hypothesisID)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("hypothesis %s not found", hypothesisID)
	}

	now := time.Now().UTC()
	session := t.sessionID
	h.Status = status
	h.Resolution = resolution
	h.ResolvedAt = &now
	h.ResolvedSession = &session
	h.SupersededBy = supersededBy

	if err := t.store.UpdateHypothesis(*h); err != nil {
		return err
	}
	logging.Hypothesis("[%s] resolved %s: %s", hypothesisID, status, truncate(resolution, 80))
	return nil
}

// MarkReviewed bumps review bookkeeping and records the session as
// having seen the hypothesis.
func (t *Tracker) MarkReviewed(hypothesisID string) error {
	h, err := t.store.GetHypothesis(hypothesisID)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("hypothesis %s not found", hypothesisID)
	}

	now := time.Now().UTC()
	h.LastReviewed = &now
	h.ReviewCount++
	if !containsInt(h.SessionsSeen, t.sessionID) {
		h.SessionsSeen = append(h.SessionsSeen, t.sessionID)
	}
	return t.store.UpdateHypothesis(*h)
}

// Get returns a hypothesis by ID, nil when unknown.
func (t *Tracker) Get(hypothesisID string) (*store.Hypothesis, error) {
	return t.store.GetHypothesis(hypothesisID)
}

// List returns hypotheses newest first, subject to the filter.
func (t *Tracker) List(filter store.HypothesisFilter) ([]store.Hypothesis, error) {
	return t.store.ListHypotheses(filter)
}

// Open returns every hypothesis still under investigation.
func (t *Tracker) Open() ([]store.Hypothesis, error) {
	return t.store.ListHypotheses(store.HypothesisFilter{Status: StatusOpen})
}

// Search matches the query against observation, hypothesis text, and
// context keywords, case-insensitive, newest first.
func (t *Tracker) Search(query string, limit int) ([]store.Hypothesis, error) {
	all, err := t.store.ListHypotheses(store.HypothesisFilter{})
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var out []store.Hypothesis
	for _, h := range all {
		haystack := strings.ToLower(h.Observation + " " + h.Hypothesis + " " + strings.Join(h.ContextKeywords, " "))
		if strings.Contains(haystack, q) {
			out = append(out, h)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// IsResolved reports whether a hypothesis reached a terminal status.
func IsResolved(h store.Hypothesis) bool {
	switch h.Status {
	case StatusConfirmed, StatusRejected, StatusIrrelevant, StatusSuperseded:
		return true
	}
	return false
}

// EvidenceBalance weighs accumulated evidence. Positive leans toward
// confirmation, negative toward rejection, zero is balanced or empty.
func EvidenceBalance(h store.Hypothesis) float64 {
	var forWeight, againstWeight float64
	for _, e := range h.EvidenceFor {
		forWeight += e.Confidence
	}
	for _, e := range h.EvidenceAgainst {
		againstWeight += e.Confidence
	}
	total := forWeight + againstWeight
	if total == 0 {
		return 0
	}
	return (forWeight - againstWeight) / total
}

// Summary renders the multi-line form used in session briefings.
func Summary(h store.Hypothesis) string {
	evidenceCount := len(h.EvidenceFor) + len(h.EvidenceAgainst)
	return fmt.Sprintf(
		"[%s] %s (%s)\n  Observation: %s\n  Hypothesis: %s\n  Confidence: %.0f%%, Evidence: %d items",
		h.HypothesisID, h.HypothesisType, h.Status,
		truncate(h.Observation, 60), truncate(h.Hypothesis, 60),
		h.Confidence*100, evidenceCount,
	)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
