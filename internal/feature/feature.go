// Package feature manages the feature list, the source of truth for
// what the agent still has to build and verify.
package feature

import (
	"fmt"
	"sort"
	"strings"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Stats summarizes feature progress.
type Stats struct {
	Total             int
	Passing           int
	Failing           int
	FunctionalTotal   int
	FunctionalPassing int
	StyleTotal        int
	StylePassing      int
}

// ProgressPercent returns passing/total as a percentage.
func (s Stats) ProgressPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passing) / float64(s.Total) * 100
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"Progress: %d/%d (%.1f%%)\n  Functional: %d/%d\n  Style: %d/%d",
		s.Passing, s.Total, s.ProgressPercent(),
		s.FunctionalPassing, s.FunctionalTotal,
		s.StylePassing, s.StyleTotal,
	)
}

// AuditSummary counts audit outcomes across the list.
type AuditSummary struct {
	Flagged []int
	OK      int
	Pending int
	None    int
}

// List provides feature operations over the project store.
type List struct {
	store *store.ProjectStore
}

func NewList(st *store.ProjectStore) *List {
	return &List{store: st}
}

// IsBlocked reports whether f is waiting on an unmet dependency or a
// missing capability.
func IsBlocked(f store.Feature, status map[int]bool) bool {
	if CapabilityBlockReason(f) != "" {
		return true
	}
	for _, idx := range f.BlockedBy {
		if !status[idx] {
			return true
		}
	}
	return false
}

// Stats computes progress counts by category.
func (l *List) Stats() (Stats, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	s.Total = len(features)
	for _, f := range features {
		if f.Passes {
			s.Passing++
		}
		switch f.Category {
		case "style":
			s.StyleTotal++
			if f.Passes {
				s.StylePassing++
			}
		default:
			s.FunctionalTotal++
			if f.Passes {
				s.FunctionalPassing++
			}
		}
	}
	s.Failing = s.Total - s.Passing
	return s, nil
}

// AuditSummary tallies audit status across all features.
func (l *List) AuditSummary() (AuditSummary, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return AuditSummary{}, err
	}

	var sum AuditSummary
	for _, f := range features {
		switch f.AuditStatus {
		case "flagged":
			sum.Flagged = append(sum.Flagged, f.Index)
		case "ok":
			sum.OK++
		case "pending":
			sum.Pending++
		default:
			sum.None++
		}
	}
	return sum, nil
}

// NextIncomplete returns the first failing feature in index order,
// optionally filtered by category. Nil when everything passes.
func (l *List) NextIncomplete(category string) (*store.Feature, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}
	for i := range features {
		f := &features[i]
		if f.Passes {
			continue
		}
		if category != "" && f.Category != category {
			continue
		}
		return f, nil
	}
	return nil, nil
}

// Scored pairs a feature with its computed salience.
type Scored struct {
	Feature  store.Feature
	Salience float64
}

// NextBySalience returns the highest-salience unblocked incomplete
// feature instead of plain index order. Ties within epsilon go to the
// lower index. When blocked features stay in the running, their unmet
// dependencies count against them instead.
func (l *List) NextBySalience(ctx SalienceContext, category string, excludeBlocked bool) (*store.Feature, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}

	status := make(map[int]bool, len(features))
	for _, f := range features {
		status[f.Index] = f.Passes
	}
	if !excludeBlocked && ctx.FeatureStatus == nil {
		ctx.FeatureStatus = status
	}

	var best *store.Feature
	bestScore := -1.0
	for i := range features {
		f := &features[i]
		if f.Passes {
			continue
		}
		if category != "" && f.Category != category {
			continue
		}
		if excludeBlocked && IsBlocked(*f, status) {
			continue
		}
		if score := Salience(*f, ctx); score > bestScore+salienceEpsilon {
			best, bestScore = f, score
		}
	}
	if best != nil {
		logging.FeatureDebug("NextBySalience: feature=%d score=%.2f", best.Index, bestScore)
	}
	return best, nil
}

// RankBySalience returns up to limit features sorted by salience descending.
func (l *List) RankBySalience(ctx SalienceContext, limit int, includePassing bool) ([]Scored, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}

	var out []Scored
	for _, f := range features {
		if !includePassing && f.Passes {
			continue
		}
		out = append(out, Scored{Feature: f, Salience: Salience(f, ctx)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Salience > out[j].Salience })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPassing marks a feature verified. Marking over incomplete
// dependencies is allowed as a human override but logged.
func (l *List) MarkPassing(index int) error {
	l.warnIfDependenciesIncomplete(index)
	logging.Feature("Feature %d marked passing", index)
	return l.store.SetFeaturePasses(index, true, false)
}

func (l *List) warnIfDependenciesIncomplete(index int) {
	f, err := l.store.GetFeature(index)
	if err != nil || f == nil || len(f.BlockedBy) == 0 {
		return
	}
	features, err := l.store.ListFeatures()
	if err != nil {
		return
	}
	status := make(map[int]bool, len(features))
	for _, other := range features {
		status[other.Index] = other.Passes
	}
	for _, dep := range f.BlockedBy {
		if !status[dep] {
			logging.FeatureWarn("Feature %d marked passing while dependency %d is not", index, dep)
		}
	}
}

// MarkFailing reverts a feature to not passing.
func (l *List) MarkFailing(index int) error {
	logging.Feature("Feature %d marked failing", index)
	return l.store.SetFeaturePasses(index, false, false)
}

// RecordAttempt stamps last_worked and bumps the failure count on failure.
func (l *List) RecordAttempt(index int, success bool) error {
	return l.store.RecordFeatureAttempt(index, success)
}

// SetPriority sets a feature's priority, clamped to 1..4.
func (l *List) SetPriority(index, priority int) error {
	if priority < 1 {
		priority = 1
	}
	if priority > 4 {
		priority = 4
	}
	return l.store.SetFeaturePriority(index, priority)
}

// AddDependency records that feature depends on blocker. Both sides of
// the edge are persisted. Edges that would close a dependency cycle are
// rejected, so the graph stays a DAG.
func (l *List) AddDependency(featureIndex, dependsOn int) error {
	if featureIndex == dependsOn {
		return fmt.Errorf("feature %d cannot depend on itself", featureIndex)
	}
	f, err := l.store.GetFeature(featureIndex)
	if err != nil {
		return err
	}
	b, err := l.store.GetFeature(dependsOn)
	if err != nil {
		return err
	}
	if f == nil || b == nil {
		return fmt.Errorf("dependency %d -> %d references a missing feature", featureIndex, dependsOn)
	}

	all, err := l.store.ListFeatures()
	if err != nil {
		return err
	}
	if dependencyPathExists(all, dependsOn, featureIndex) {
		return fmt.Errorf("dependency %d -> %d would create a cycle", featureIndex, dependsOn)
	}

	if !containsInt(f.BlockedBy, dependsOn) {
		f.BlockedBy = append(f.BlockedBy, dependsOn)
	}
	if !containsInt(b.Blocks, featureIndex) {
		b.Blocks = append(b.Blocks, featureIndex)
	}

	if err := l.store.SetFeatureDependencies(f.Index, f.BlockedBy, f.Blocks); err != nil {
		return err
	}
	return l.store.SetFeatureDependencies(b.Index, b.BlockedBy, b.Blocks)
}

// dependencyPathExists walks blocked_by edges depth-first from start
// and reports whether target is reachable.
func dependencyPathExists(features []store.Feature, start, target int) bool {
	edges := make(map[int][]int, len(features))
	for _, f := range features {
		edges[f.Index] = f.BlockedBy
	}

	seen := make(map[int]bool)
	stack := []int{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return false
}

// RemoveDependency deletes the dependency edge in both directions.
func (l *List) RemoveDependency(featureIndex, dependsOn int) error {
	f, err := l.store.GetFeature(featureIndex)
	if err != nil {
		return err
	}
	b, err := l.store.GetFeature(dependsOn)
	if err != nil {
		return err
	}
	if f == nil || b == nil {
		return fmt.Errorf("dependency %d -> %d references a missing feature", featureIndex, dependsOn)
	}

	f.BlockedBy = removeInt(f.BlockedBy, dependsOn)
	b.Blocks = removeInt(b.Blocks, featureIndex)

	if err := l.store.SetFeatureDependencies(f.Index, f.BlockedBy, f.Blocks); err != nil {
		return err
	}
	return l.store.SetFeatureDependencies(b.Index, b.BlockedBy, b.Blocks)
}

// capabilityBlockKey flags features that cannot proceed in the current
// environment (missing credentials, hardware, external services).
const capabilityBlockKey = "blocked_by_capability"

// CapabilityBlockReason returns why a feature is blocked on a missing
// capability, or "" when it is not.
func CapabilityBlockReason(f store.Feature) string {
	if f.Metadata == nil {
		return ""
	}
	reason, _ := f.Metadata[capabilityBlockKey].(string)
	return reason
}

// BlockOnCapability flags features as unworkable until the named
// capability becomes available. Returns how many were flagged.
func (l *List) BlockOnCapability(indices []int, reason string) (int, error) {
	blocked := 0
	for _, idx := range indices {
		f, err := l.store.GetFeature(idx)
		if err != nil {
			return blocked, err
		}
		if f == nil {
			continue
		}
		if f.Metadata == nil {
			f.Metadata = make(map[string]interface{})
		}
		f.Metadata[capabilityBlockKey] = reason
		if err := l.store.SetFeatureMetadata(idx, f.Metadata); err != nil {
			return blocked, err
		}
		blocked++
	}
	if blocked > 0 {
		logging.Feature("Blocked %d feature(s) on missing capability: %s", blocked, truncate(reason, 60))
	}
	return blocked, nil
}

// UnblockCapability clears capability blocks. Empty indices clears every
// flagged feature. Returns how many were cleared.
func (l *List) UnblockCapability(indices []int) (int, error) {
	var targets []store.Feature
	if len(indices) == 0 {
		flagged, err := l.CapabilityBlocked()
		if err != nil {
			return 0, err
		}
		targets = flagged
	} else {
		for _, idx := range indices {
			f, err := l.store.GetFeature(idx)
			if err != nil {
				return 0, err
			}
			if f != nil {
				targets = append(targets, *f)
			}
		}
	}

	cleared := 0
	for _, f := range targets {
		if CapabilityBlockReason(f) == "" {
			continue
		}
		delete(f.Metadata, capabilityBlockKey)
		if err := l.store.SetFeatureMetadata(f.Index, f.Metadata); err != nil {
			return cleared, err
		}
		cleared++
	}
	if cleared > 0 {
		logging.Feature("Cleared capability block on %d feature(s)", cleared)
	}
	return cleared, nil
}

// CapabilityBlocked lists features flagged as blocked on a capability.
func (l *List) CapabilityBlocked() ([]store.Feature, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}
	var out []store.Feature
	for _, f := range features {
		if CapabilityBlockReason(f) != "" {
			out = append(out, f)
		}
	}
	return out, nil
}

// BlockedFeatures returns incomplete features waiting on a dependency.
func (l *List) BlockedFeatures() ([]store.Feature, error) {
	return l.filterByBlocked(true)
}

// UnblockedFeatures returns incomplete features free to work on.
func (l *List) UnblockedFeatures() ([]store.Feature, error) {
	return l.filterByBlocked(false)
}

func (l *List) filterByBlocked(blocked bool) ([]store.Feature, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}
	status := make(map[int]bool, len(features))
	for _, f := range features {
		status[f.Index] = f.Passes
	}

	var out []store.Feature
	for _, f := range features {
		if f.Passes {
			continue
		}
		if IsBlocked(f, status) == blocked {
			out = append(out, f)
		}
	}
	return out, nil
}

// HighFailureFeatures returns features that failed at least minFailures times.
func (l *List) HighFailureFeatures(minFailures int) ([]store.Feature, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}
	var out []store.Feature
	for _, f := range features {
		if f.FailureCount >= minFailures {
			out = append(out, f)
		}
	}
	return out, nil
}

// Filter lists features by status ("passing", "failing" or "") and
// category, up to limit (0 = no limit).
func (l *List) Filter(status, category string, limit int) ([]store.Feature, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}

	var out []store.Feature
	for _, f := range features {
		if status == "passing" && !f.Passes {
			continue
		}
		if status == "failing" && f.Passes {
			continue
		}
		if category != "" && f.Category != category {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Search matches query against descriptions, case-insensitive.
func (l *List) Search(query string, limit int) ([]store.Feature, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var out []store.Feature
	for _, f := range features {
		if strings.Contains(strings.ToLower(f.Description), q) {
			out = append(out, f)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Add appends a new feature at the next free index.
func (l *List) Add(description string, steps []string, category string) (*store.Feature, error) {
	maxIdx, err := l.store.MaxFeatureIndex()
	if err != nil {
		return nil, err
	}
	if category == "" {
		category = "functional"
	}
	f := store.Feature{
		Index:       maxIdx + 1,
		Category:    category,
		Description: description,
		Steps:       steps,
		Priority:    3,
	}
	if err := l.store.InsertFeature(f); err != nil {
		return nil, err
	}
	logging.Feature("Added feature %d: %s", f.Index, truncate(description, 60))
	return &f, nil
}

// AddBatch inserts several features in one transaction and returns the
// number added.
func (l *List) AddBatch(features []store.Feature) (int, error) {
	maxIdx, err := l.store.MaxFeatureIndex()
	if err != nil {
		return 0, err
	}
	for i := range features {
		features[i].Index = maxIdx + 1 + i
		if features[i].Category == "" {
			features[i].Category = "functional"
		}
		if features[i].Priority == 0 {
			features[i].Priority = 3
		}
	}
	if err := l.store.InsertFeatures(features); err != nil {
		return 0, err
	}
	return len(features), nil
}

// Validate flags malformed features. Returns ok plus a list of issues.
func (l *List) Validate() (bool, []string, error) {
	features, err := l.store.ListFeatures()
	if err != nil {
		return false, nil, err
	}

	var issues []string
	for _, f := range features {
		if strings.TrimSpace(f.Description) == "" {
			issues = append(issues, fmt.Sprintf("Feature %d: Empty description", f.Index))
		}
		if len(f.Steps) == 0 {
			issues = append(issues, fmt.Sprintf("Feature %d: No test steps", f.Index))
		}
		if f.Category != "functional" && f.Category != "style" {
			issues = append(issues, fmt.Sprintf("Feature %d: Invalid category %q", f.Index, f.Category))
		}
		if len(f.Description) > 0 && len(f.Description) < 10 {
			issues = append(issues, fmt.Sprintf("Feature %d: Description too short", f.Index))
		}
	}
	return len(issues) == 0, issues, nil
}

// SummaryText renders a human-readable summary of the list.
func (l *List) SummaryText() (string, error) {
	stats, err := l.Stats()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Feature List Summary\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")
	fmt.Fprintf(&b, "Total features: %d\n", stats.Total)
	fmt.Fprintf(&b, "Passing: %d (%.1f%%)\n", stats.Passing, stats.ProgressPercent())
	fmt.Fprintf(&b, "Failing: %d\n\n", stats.Failing)
	b.WriteString("By Category:\n")
	fmt.Fprintf(&b, "  Functional: %d/%d\n", stats.FunctionalPassing, stats.FunctionalTotal)
	fmt.Fprintf(&b, "  Style: %d/%d\n", stats.StylePassing, stats.StyleTotal)

	next, err := l.NextIncomplete("")
	if err != nil {
		return "", err
	}
	if next != nil {
		fmt.Fprintf(&b, "\nNext Feature to Implement:\n  [%d] %s\n", next.Index, truncate(next.Description, 60))
	}
	return b.String(), nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func removeInt(xs []int, x int) []int {
	out := xs[:0]
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
