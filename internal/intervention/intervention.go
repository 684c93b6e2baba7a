// Package intervention learns from human corrections. Each intervention
// is recorded with a context signature; recurring signatures grow into
// patterns whose confidence tracks applied outcomes, and proven patterns
// can be auto-applied when the current context matches closely enough.
package intervention

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Intervention types.
const (
	TypeCorrection         = "correction"
	TypeOverride           = "override"
	TypeGuidance           = "guidance"
	TypeApproval           = "approval"
	TypeRedirect           = "redirect"
	TypeEscalationResponse = "escalation_response"
)

const (
	// SimilarityThreshold is the minimum signature similarity for a
	// pattern to count as matching.
	SimilarityThreshold = 0.7
	// AutoApplyThreshold is the minimum confidence for auto-apply.
	AutoApplyThreshold = 0.8
	// AutoApplyMinSimilarity gates auto-apply on near-exact context.
	AutoApplyMinSimilarity = 0.9
	// MinApplicationsForAuto is the sample size before auto-apply turns on.
	MinApplicationsForAuto = 3
	// DisableConfidence is the floor below which auto-apply turns off.
	DisableConfidence = 0.5

	maxErrorPatternLen = 100
)

var (
	rePath     = regexp.MustCompile(`[/\\][\w./\\-]+\.\w+`)
	reLineWord = regexp.MustCompile(`line \d+`)
	reLineCol  = regexp.MustCompile(`:\d+:\d+`)
	reSingleQ  = regexp.MustCompile(`'[^']+?'`)
	reDoubleQ  = regexp.MustCompile(`"[^"]+?"`)
	reHexAddr  = regexp.MustCompile(`0x[0-9a-f]+`)
)

// NormalizeError reduces an error message to a reusable pattern: paths,
// line numbers, quoted names and addresses are replaced with placeholders
// so the same class of error hashes to the same signature.
func NormalizeError(message string) string {
	n := strings.ToLower(message)
	n = rePath.ReplaceAllString(n, "<path>")
	n = reLineWord.ReplaceAllString(n, "line <n>")
	n = reLineCol.ReplaceAllString(n, ":<n>:<n>")
	n = reSingleQ.ReplaceAllString(n, "'<var>'")
	n = reDoubleQ.ReplaceAllString(n, `"<var>"`)
	n = reHexAddr.ReplaceAllString(n, "<addr>")
	if len(n) > maxErrorPatternLen {
		n = n[:maxErrorPatternLen]
	}
	return n
}

// SignatureHash computes the stable 16-hex digest of a signature's
// fields.
func SignatureHash(sig store.ContextSignature) string {
	content := strings.Join([]string{
		sig.ToolName, sig.ActionType, sig.ErrorPattern,
		sig.FeatureCategory, sig.FilePattern,
	}, "|")
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// NewSignature builds a hashed signature. The error message is
// normalized to a pattern; empty components are simply absent.
func NewSignature(tool, actionType, errorMessage, featureCategory, filePattern string) store.ContextSignature {
	sig := store.ContextSignature{
		ToolName:        tool,
		ActionType:      actionType,
		FeatureCategory: featureCategory,
		FilePattern:     filePattern,
	}
	if errorMessage != "" {
		sig.ErrorPattern = NormalizeError(errorMessage)
	}
	sig.Hash = SignatureHash(sig)
	return sig
}

// Similarity scores two signatures from 0 to 1: the average over fields
// present in either, 1 per exact match, 0.5 when one error pattern
// contains the other.
func Similarity(a, b store.ContextSignature) float64 {
	score, fields := 0.0, 0

	compare := func(x, y string) {
		if x == "" && y == "" {
			return
		}
		fields++
		if x == y {
			score++
		}
	}
	compare(a.ToolName, b.ToolName)
	compare(a.ActionType, b.ActionType)
	compare(a.FeatureCategory, b.FeatureCategory)
	compare(a.FilePattern, b.FilePattern)

	if a.ErrorPattern != "" || b.ErrorPattern != "" {
		fields++
		switch {
		case a.ErrorPattern == b.ErrorPattern:
			score++
		case a.ErrorPattern != "" && b.ErrorPattern != "" &&
			(strings.Contains(a.ErrorPattern, b.ErrorPattern) ||
				strings.Contains(b.ErrorPattern, a.ErrorPattern)):
			score += 0.5
		}
	}

	if fields == 0 {
		return 0
	}
	return score / float64(fields)
}

// Match is one pattern scored against the current context.
type Match struct {
	Pattern         store.InterventionPattern
	Similarity      float64
	ShouldAutoApply bool
	Recommendation  string
	Rationale       string
}

// RecordOptions carries the optional fields of Record.
type RecordOptions struct {
	ContextDetails    map[string]interface{}
	OriginalAction    string
	OriginalRationale string
	HumanRationale    string
}

// Learner records interventions and maintains the learned patterns.
// Patterns live in memory and are written through to the store on every
// change.
type Learner struct {
	mu       sync.Mutex
	store    *store.ProjectStore
	patterns []store.InterventionPattern
	counter  int
}

// NewLearner loads existing patterns and the intervention counter.
func NewLearner(st *store.ProjectStore) (*Learner, error) {
	patterns, err := st.ListInterventionPatterns()
	if err != nil {
		return nil, err
	}
	count, err := st.CountInterventions()
	if err != nil {
		return nil, err
	}
	return &Learner{store: st, patterns: patterns, counter: count}, nil
}

// Record stores a human intervention and folds it into the patterns: a
// sufficiently similar pattern absorbs it (a repeat of the same action
// counts as a successful application), otherwise a new pattern is born.
func (l *Learner) Record(sessionID int, interventionType string, sig store.ContextSignature, humanAction string, opts RecordOptions) (store.Intervention, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	iv := store.Intervention{
		InterventionID:    fmt.Sprintf("INT-%04d", l.counter),
		SessionID:         sessionID,
		Timestamp:         time.Now().UTC(),
		InterventionType:  interventionType,
		Signature:         sig,
		ContextDetails:    opts.ContextDetails,
		OriginalAction:    opts.OriginalAction,
		OriginalRationale: opts.OriginalRationale,
		HumanAction:       humanAction,
		HumanRationale:    opts.HumanRationale,
	}
	if err := l.store.InsertIntervention(iv); err != nil {
		l.counter--
		return store.Intervention{}, err
	}
	logging.Intervention("Recorded %s (%s): %s", iv.InterventionID, interventionType, humanAction)

	best, bestSim := -1, 0.0
	for i := range l.patterns {
		sim := Similarity(l.patterns[i].Signature, sig)
		if sim >= SimilarityThreshold && sim > bestSim {
			best, bestSim = i, sim
		}
	}

	if best >= 0 {
		p := &l.patterns[best]
		p.SourceInterventionIDs = append(p.SourceInterventionIDs, iv.InterventionID)
		recordMatch(p)
		if p.RecommendedAction == humanAction {
			recordApplication(p, true)
		}
	} else {
		now := time.Now().UTC()
		l.patterns = append(l.patterns, store.InterventionPattern{
			PatternID:             fmt.Sprintf("PAT-%04d", len(l.patterns)+1),
			Signature:             sig,
			TimesMatched:          1,
			RecommendedAction:     humanAction,
			Rationale:             opts.HumanRationale,
			MinConfidenceForAuto:  AutoApplyThreshold,
			SourceInterventionIDs: []string{iv.InterventionID},
			CreatedAt:             now,
			LastMatched:           &now,
		})
	}

	if err := l.savePatterns(); err != nil {
		return store.Intervention{}, err
	}
	return iv, nil
}

// RecordOutcome marks whether an intervention worked and feeds the
// result into every pattern that learned from it. Returns false for an
// unknown intervention ID.
func (l *Learner) RecordOutcome(interventionID string, success bool, notes string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var seq int
	if _, err := fmt.Sscanf(interventionID, "INT-%d", &seq); err != nil || seq < 1 || seq > l.counter {
		return false, nil
	}
	if err := l.store.SetInterventionOutcome(interventionID, success, notes); err != nil {
		return false, err
	}

	for i := range l.patterns {
		if containsString(l.patterns[i].SourceInterventionIDs, interventionID) {
			recordApplication(&l.patterns[i], success)
		}
	}
	if err := l.savePatterns(); err != nil {
		return false, err
	}
	logging.Intervention("Outcome for %s: success=%t", interventionID, success)
	return true, nil
}

// FindMatches returns patterns at or above minSimilarity (0 means the
// default threshold), best first. Every hit bumps the pattern's match
// count.
func (l *Learner) FindMatches(sig store.ContextSignature, minSimilarity float64) ([]Match, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findMatches(sig, minSimilarity)
}

func (l *Learner) findMatches(sig store.ContextSignature, minSimilarity float64) ([]Match, error) {
	threshold := minSimilarity
	if threshold <= 0 {
		threshold = SimilarityThreshold
	}

	var matches []Match
	for i := range l.patterns {
		sim := Similarity(l.patterns[i].Signature, sig)
		if sim < threshold {
			continue
		}
		p := &l.patterns[i]
		recordMatch(p)
		matches = append(matches, Match{
			Pattern:    *p,
			Similarity: sim,
			ShouldAutoApply: p.AutoApply &&
				p.Confidence >= AutoApplyThreshold &&
				sim >= AutoApplyMinSimilarity,
			Recommendation: p.RecommendedAction,
			Rationale:      p.Rationale,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if len(matches) > 0 {
		if err := l.savePatterns(); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// Recommendation returns the best match for a context, nil when nothing
// matches.
func (l *Learner) Recommendation(sig store.ContextSignature) (*Match, error) {
	matches, err := l.FindMatches(sig, 0)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

// ShouldAutoApply returns the first proven pattern that may be applied
// without asking, nil when none qualifies.
func (l *Learner) ShouldAutoApply(sig store.ContextSignature) (*Match, error) {
	matches, err := l.FindMatches(sig, 0)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		if matches[i].ShouldAutoApply {
			return &matches[i], nil
		}
	}
	return nil, nil
}

// Interventions returns recorded interventions, newest first.
func (l *Learner) Interventions(limit int) ([]store.Intervention, error) {
	return l.store.ListInterventions(limit)
}

// Patterns returns learned patterns, optionally filtered.
func (l *Learner) Patterns(autoApplyOnly bool, minConfidence float64) []store.InterventionPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []store.InterventionPattern
	for _, p := range l.patterns {
		if autoApplyOnly && !p.AutoApply {
			continue
		}
		if p.Confidence < minConfidence {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Stats summarizes intervention learning.
type Stats struct {
	TotalInterventions   int
	ByType               map[string]int
	OutcomesTracked      int
	SuccessfulOutcomes   int
	OutcomeSuccessRate   float64
	TotalPatterns        int
	AutoApplyPatterns    int
	AvgPatternConfidence float64
}

// LearningStats aggregates the recorded history and pattern state.
func (l *Learner) LearningStats() (*Stats, error) {
	interventions, err := l.store.ListInterventions(1000)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := &Stats{
		TotalInterventions: len(interventions),
		ByType:             map[string]int{},
		TotalPatterns:      len(l.patterns),
	}
	for _, iv := range interventions {
		stats.ByType[iv.InterventionType]++
		if iv.OutcomeTracked {
			stats.OutcomesTracked++
			if iv.OutcomeSuccess != nil && *iv.OutcomeSuccess {
				stats.SuccessfulOutcomes++
			}
		}
	}
	if stats.OutcomesTracked > 0 {
		stats.OutcomeSuccessRate = float64(stats.SuccessfulOutcomes) / float64(stats.OutcomesTracked)
	}

	var confSum float64
	for _, p := range l.patterns {
		confSum += p.Confidence
		if p.AutoApply {
			stats.AutoApplyPatterns++
		}
	}
	if len(l.patterns) > 0 {
		stats.AvgPatternConfidence = confSum / float64(len(l.patterns))
	}
	return stats, nil
}

// FormatPattern renders a pattern for CLI display.
func FormatPattern(p store.InterventionPattern) string {
	rationale := p.Rationale
	if rationale == "" {
		rationale = "(none)"
	}
	auto := "No"
	if p.AutoApply {
		auto = "Yes"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern: %s\n", p.PatternID)
	fmt.Fprintf(&b, "  Recommendation: %s\n", p.RecommendedAction)
	fmt.Fprintf(&b, "  Rationale: %s\n", rationale)
	fmt.Fprintf(&b, "  Confidence: %.0f%%\n", p.Confidence*100)
	fmt.Fprintf(&b, "  Times Applied: %d\n", p.TimesApplied)
	fmt.Fprintf(&b, "  Auto-Apply: %s\n", auto)
	b.WriteString("  Context:")
	if p.Signature.ToolName != "" {
		fmt.Fprintf(&b, "\n    Tool: %s", p.Signature.ToolName)
	}
	if p.Signature.ActionType != "" {
		fmt.Fprintf(&b, "\n    Action: %s", p.Signature.ActionType)
	}
	if p.Signature.ErrorPattern != "" {
		fmt.Fprintf(&b, "\n    Error: %s", p.Signature.ErrorPattern)
	}
	return b.String()
}

func (l *Learner) savePatterns() error {
	for _, p := range l.patterns {
		if err := l.store.UpsertInterventionPattern(p); err != nil {
			return err
		}
	}
	return nil
}

func recordMatch(p *store.InterventionPattern) {
	p.TimesMatched++
	now := time.Now().UTC()
	p.LastMatched = &now
}

// recordApplication updates the pattern after an applied outcome.
// Confidence is the success rate; auto-apply turns on at high confidence
// with enough samples and off when confidence collapses.
func recordApplication(p *store.InterventionPattern, success bool) {
	p.TimesApplied++
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}

	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		p.Confidence = 0
	} else {
		p.Confidence = float64(p.SuccessCount) / float64(total)
	}
	if p.Confidence >= p.MinConfidenceForAuto && total >= MinApplicationsForAuto {
		p.AutoApply = true
	} else if p.Confidence < DisableConfidence || p.FailureCount > p.SuccessCount {
		p.AutoApply = false
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
