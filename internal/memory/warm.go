package memory

import (
	"fmt"
	"sort"
	"strings"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// MaxWarmSessions bounds how many session summaries warm memory keeps.
// Older summaries are archived to the cold tier on prune.
const MaxWarmSessions = 5

// Warm is the recent-session tier: summaries of the last few sessions,
// open issues that persist between them, and patterns proven to work.
type Warm struct {
	store *store.ProjectStore
}

func NewWarm(st *store.ProjectStore) *Warm {
	return &Warm{store: st}
}

// AddSessionSummary stores a summary and prunes beyond MaxWarmSessions.
// Pruned summaries are archived to cold storage before deletion.
func (w *Warm) AddSessionSummary(sum store.SessionSummary) error {
	if err := w.store.SaveSessionSummary(sum); err != nil {
		return err
	}

	all, err := w.store.ListSessionSummaries()
	if err != nil {
		return err
	}
	for len(all) > MaxWarmSessions {
		oldest := all[0]
		all = all[1:]

		err := w.store.ArchiveSession(store.ColdSession{
			SessionID:         oldest.SessionID,
			StartedAt:         oldest.StartedAt,
			EndedAt:           oldest.EndedAt,
			EndingState:       oldest.EndingState,
			FeaturesCompleted: oldest.FeaturesCompleted,
			FeaturesRegressed: oldest.FeaturesRegressed,
			ErrorsCount:       len(oldest.ErrorsEncountered),
			DurationSeconds:   oldest.DurationSeconds,
		})
		if err != nil {
			return err
		}
		if err := w.store.DeleteSessionSummary(oldest.SessionID); err != nil {
			return err
		}
		logging.MemoryDebug("Warm prune: session %d archived to cold", oldest.SessionID)
	}
	return nil
}

// Summaries returns warm summaries, newest session first.
func (w *Warm) Summaries() ([]store.SessionSummary, error) {
	all, err := w.store.ListSessionSummaries()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SessionID > all[j].SessionID })
	return all, nil
}

// LastSummary returns the most recent session summary, or nil.
func (w *Warm) LastSummary() (*store.SessionSummary, error) {
	all, err := w.Summaries()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

// IssueOptions carries the optional fields of AddIssue.
type IssueOptions struct {
	Context         map[string]interface{}
	RelatedFeatures []int
	RelatedFiles    []string
	Priority        int // 1=high .. 5=low, default 3
}

// AddIssue records an unresolved issue that should survive the session.
func (w *Warm) AddIssue(issueType, description string, sessionID int, opts IssueOptions) (*store.WarmIssue, error) {
	seq, err := w.store.NextIssueSeq()
	if err != nil {
		return nil, err
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 3
	}

	issue := store.WarmIssue{
		IssueID:          fmt.Sprintf("ISSUE-%d", seq),
		CreatedSession:   sessionID,
		IssueType:        issueType,
		Description:      description,
		Priority:         priority,
		RelatedFeatures:  opts.RelatedFeatures,
		RelatedFiles:     opts.RelatedFiles,
		Context:          opts.Context,
		LastSeenSession:  sessionID,
		TimesEncountered: 1,
	}
	if err := w.store.InsertWarmIssue(issue); err != nil {
		return nil, err
	}
	logging.Memory("Issue %s opened: [%s] %s", issue.IssueID, issueType, truncate(description, 60))
	return &issue, nil
}

// TouchIssue records another encounter and an optional solution attempt.
func (w *Warm) TouchIssue(issueID string, sessionID int, attemptedSolution string) error {
	return w.store.TouchWarmIssue(issueID, sessionID, attemptedSolution)
}

// ResolveIssue closes an issue.
func (w *Warm) ResolveIssue(issueID string) error {
	return w.store.ResolveWarmIssue(issueID)
}

// Issues returns open issues, optionally filtered by type and maximum
// priority value. Sorted high priority first.
func (w *Warm) Issues(issueType string, priorityMax int) ([]store.WarmIssue, error) {
	all, err := w.store.ListWarmIssues(false)
	if err != nil {
		return nil, err
	}
	var out []store.WarmIssue
	for _, issue := range all {
		if issueType != "" && issue.IssueType != issueType {
			continue
		}
		if priorityMax > 0 && issue.Priority > priorityMax {
			continue
		}
		out = append(out, issue)
	}
	return out, nil
}

// HighPriorityIssues returns issues at priority 1 and 2.
func (w *Warm) HighPriorityIssues() ([]store.WarmIssue, error) {
	return w.Issues("", 2)
}

// AddPattern records an approach that worked. Confidence starts at 0.5
// and grows with recorded successes.
func (w *Warm) AddPattern(patternType, problem, solution string, keywords []string, sessionID int) (*store.WarmPattern, error) {
	seq, err := w.store.NextWarmPatternSeq()
	if err != nil {
		return nil, err
	}
	p := store.WarmPattern{
		PatternID:       fmt.Sprintf("PAT-%d", seq),
		CreatedSession:  sessionID,
		PatternType:     patternType,
		Pattern:         problem,
		Context:         solution,
		SuccessCount:    1,
		Confidence:      0.5,
		ContextKeywords: keywords,
		SourceSessions:  []int{sessionID},
	}
	if err := w.store.UpsertWarmPattern(p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordPatternSuccess bumps a pattern's success count and recomputes
// its confidence: 0.5 + 0.1 per success, capped at 1.0.
func (w *Warm) RecordPatternSuccess(patternID string, sessionID int) (bool, error) {
	all, err := w.store.ListWarmPatterns()
	if err != nil {
		return false, err
	}
	for _, p := range all {
		if p.PatternID != patternID {
			continue
		}
		p.SuccessCount++
		if !containsInt(p.SourceSessions, sessionID) {
			p.SourceSessions = append(p.SourceSessions, sessionID)
		}
		p.Confidence = min(1.0, 0.5+float64(p.SuccessCount)*0.1)
		p.LastUsedSession = &sessionID
		return true, w.store.UpsertWarmPattern(p)
	}
	return false, nil
}

// FindPatterns scores patterns against a query: whole-query match in
// problem+solution text counts 2, each query word in the text 1, each
// word matching a context keyword 1.5. Results sort by score times
// confidence, best first.
func (w *Warm) FindPatterns(query string, minConfidence float64) ([]store.WarmPattern, error) {
	all, err := w.store.ListWarmPatterns()
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	words := strings.Fields(queryLower)

	type scored struct {
		pattern store.WarmPattern
		score   float64
	}
	var matches []scored
	for _, p := range all {
		if p.Confidence < minConfidence {
			continue
		}
		text := strings.ToLower(p.Pattern + " " + p.Context)
		keywords := make([]string, len(p.ContextKeywords))
		for i, k := range p.ContextKeywords {
			keywords[i] = strings.ToLower(k)
		}

		score := 0.0
		if strings.Contains(text, queryLower) {
			score += 2
		}
		for _, word := range words {
			if strings.Contains(text, word) {
				score++
			}
			if containsString(keywords, word) {
				score += 1.5
			}
		}
		if score > 0 {
			matches = append(matches, scored{p, score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score*matches[i].pattern.Confidence >
			matches[j].score*matches[j].pattern.Confidence
	})
	out := make([]store.WarmPattern, len(matches))
	for i, m := range matches {
		out[i] = m.pattern
	}
	return out, nil
}

// PatternsByType returns patterns of one type.
func (w *Warm) PatternsByType(patternType string) ([]store.WarmPattern, error) {
	all, err := w.store.ListWarmPatterns()
	if err != nil {
		return nil, err
	}
	var out []store.WarmPattern
	for _, p := range all {
		if p.PatternType == patternType {
			out = append(out, p)
		}
	}
	return out, nil
}

// SummaryText renders the human-readable form of a session summary.
func SummaryText(sum store.SessionSummary) string {
	lines := []string{
		fmt.Sprintf("Session %d (%s)", sum.SessionID, sum.EndingState),
		fmt.Sprintf("  Duration: %.1f minutes", sum.DurationSeconds/60),
		fmt.Sprintf("  Features: %d completed, %d regressed", sum.FeaturesCompleted, sum.FeaturesRegressed),
		fmt.Sprintf("  Errors: %d encountered, %d resolved", len(sum.ErrorsEncountered), len(sum.ErrorsResolved)),
	}
	if len(sum.WarningsForNext) > 0 {
		lines = append(lines, fmt.Sprintf("  Warnings: %d", len(sum.WarningsForNext)))
	}
	return strings.Join(lines, "\n")
}

// ContextForPrompt renders warm memory for inclusion in a prompt.
func (w *Warm) ContextForPrompt() string {
	var lines []string

	last, err := w.LastSummary()
	if err == nil && last != nil {
		lines = append(lines, fmt.Sprintf("Last Session: #%d (%s)", last.SessionID, last.EndingState))
		if last.LastFeatureWorked != nil {
			lines = append(lines, fmt.Sprintf("  Last feature: #%d", *last.LastFeatureWorked))
		}
		if last.FeaturesCompleted > 0 {
			lines = append(lines, fmt.Sprintf("  Completed: %d features", last.FeaturesCompleted))
		}
		if len(last.WarningsForNext) > 0 {
			warnings := last.WarningsForNext
			if len(warnings) > 3 {
				warnings = warnings[:3]
			}
			lines = append(lines, "  Warnings: "+strings.Join(warnings, ", "))
		}
	}

	if issues, err := w.HighPriorityIssues(); err == nil && len(issues) > 0 {
		lines = append(lines, fmt.Sprintf("\nUnresolved Issues: %d high priority", len(issues)))
		for i, issue := range issues {
			if i == 3 {
				break
			}
			lines = append(lines, fmt.Sprintf("  - [%s] %s", issue.IssueType, truncate(issue.Description, 50)))
		}
	}

	if patterns, err := w.store.ListWarmPatterns(); err == nil && len(patterns) > 0 {
		lines = append(lines, fmt.Sprintf("\nKnown Patterns: %d available", len(patterns)))
	}

	if len(lines) == 0 {
		return "No previous session context."
	}
	return strings.Join(lines, "\n")
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
