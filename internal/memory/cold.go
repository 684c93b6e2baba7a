package memory

import (
	"fmt"
	"sort"
	"strings"

	"arcadiaforge/internal/store"
)

// HighConfidenceThreshold marks knowledge reliable enough to surface
// without a matching query.
const HighConfidenceThreshold = 0.7

// AggregateStats summarizes the archived session history.
type AggregateStats struct {
	TotalSessions          int
	TotalFeaturesCompleted int
	TotalFeaturesRegressed int
	TotalErrors            int
	TotalDurationSeconds   float64
	SuccessfulSessions     int
	FailedSessions         int
	AvgSessionDuration     float64
	AvgFeaturesPerSession  float64
}

// Cold is the archive tier: immutable session records plus knowledge
// entries distilled from them.
type Cold struct {
	store *store.ProjectStore
}

func NewCold(st *store.ProjectStore) *Cold {
	return &Cold{store: st}
}

// Archive appends a session record. Archiving the same session twice
// is a no-op.
func (c *Cold) Archive(session store.ColdSession) error {
	return c.store.ArchiveSession(session)
}

// Sessions returns archived sessions, oldest first.
func (c *Cold) Sessions() ([]store.ColdSession, error) {
	return c.store.ListColdSessions()
}

// Session returns one archived session, or nil when not archived.
func (c *Cold) Session(sessionID int) (*store.ColdSession, error) {
	all, err := c.store.ListColdSessions()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].SessionID == sessionID {
			return &all[i], nil
		}
	}
	return nil, nil
}

// Statistics aggregates the archive.
func (c *Cold) Statistics() (*AggregateStats, error) {
	all, err := c.store.ListColdSessions()
	if err != nil {
		return nil, err
	}

	stats := &AggregateStats{}
	for _, s := range all {
		stats.TotalSessions++
		stats.TotalFeaturesCompleted += s.FeaturesCompleted
		stats.TotalFeaturesRegressed += s.FeaturesRegressed
		stats.TotalErrors += s.ErrorsCount
		stats.TotalDurationSeconds += s.DurationSeconds
		switch s.EndingState {
		case "completed":
			stats.SuccessfulSessions++
		case "failed", "error":
			stats.FailedSessions++
		}
	}
	if stats.TotalSessions > 0 {
		stats.AvgSessionDuration = stats.TotalDurationSeconds / float64(stats.TotalSessions)
		stats.AvgFeaturesPerSession = float64(stats.TotalFeaturesCompleted) / float64(stats.TotalSessions)
	}
	return stats, nil
}

// SuccessRate returns the fraction of archived sessions that completed.
func (c *Cold) SuccessRate() (float64, error) {
	stats, err := c.Statistics()
	if err != nil {
		return 0, err
	}
	if stats.TotalSessions == 0 {
		return 0, nil
	}
	return float64(stats.SuccessfulSessions) / float64(stats.TotalSessions), nil
}

// AddKnowledge stores a distilled lesson. Confidence defaults to 0.5.
func (c *Cold) AddKnowledge(knowledgeType, title, description string, keywords []string, sourceSessions []int, confidence float64) (*store.Knowledge, error) {
	seq, err := c.store.NextKnowledgeSeq()
	if err != nil {
		return nil, err
	}
	if confidence == 0 {
		confidence = 0.5
	}
	k := store.Knowledge{
		KnowledgeID:     fmt.Sprintf("KNOW-%d", seq),
		KnowledgeType:   knowledgeType,
		Title:           title,
		Description:     description,
		ContextKeywords: keywords,
		SourceSessions:  sourceSessions,
		TimesVerified:   1,
		Confidence:      confidence,
	}
	if err := c.store.InsertKnowledge(k); err != nil {
		return nil, err
	}
	return &k, nil
}

// Verify records that a knowledge entry worked again, raising its
// confidence by 0.1 up to 1.0.
func (c *Cold) Verify(knowledgeID string, sessionID int) error {
	return c.store.VerifyKnowledge(knowledgeID, sessionID)
}

// SearchKnowledge scores entries against a query: whole-query match in
// title+description counts 3, each query word in the text 1, each word
// matching a context keyword 2. Results sort by score times
// confidence, best first.
func (c *Cold) SearchKnowledge(query, knowledgeType string, minConfidence float64) ([]store.Knowledge, error) {
	all, err := c.store.ListKnowledge()
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	words := strings.Fields(queryLower)

	type scored struct {
		entry store.Knowledge
		score float64
	}
	var matches []scored
	for _, k := range all {
		if k.Confidence < minConfidence {
			continue
		}
		if knowledgeType != "" && k.KnowledgeType != knowledgeType {
			continue
		}
		text := strings.ToLower(k.Title + " " + k.Description)
		keywords := make([]string, len(k.ContextKeywords))
		for i, kw := range k.ContextKeywords {
			keywords[i] = strings.ToLower(kw)
		}

		score := 0.0
		if strings.Contains(text, queryLower) {
			score += 3
		}
		for _, word := range words {
			if strings.Contains(text, word) {
				score++
			}
			if containsString(keywords, word) {
				score += 2
			}
		}
		if score > 0 {
			matches = append(matches, scored{k, score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score*matches[i].entry.Confidence >
			matches[j].score*matches[j].entry.Confidence
	})
	out := make([]store.Knowledge, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out, nil
}

// HighConfidenceKnowledge returns entries at or above the threshold.
func (c *Cold) HighConfidenceKnowledge(minConfidence float64) ([]store.Knowledge, error) {
	if minConfidence == 0 {
		minConfidence = HighConfidenceThreshold
	}
	all, err := c.store.ListKnowledge()
	if err != nil {
		return nil, err
	}
	var out []store.Knowledge
	for _, k := range all {
		if k.Confidence >= minConfidence {
			out = append(out, k)
		}
	}
	return out, nil
}

// ContextForPrompt renders the archive summary for inclusion in a prompt.
func (c *Cold) ContextForPrompt() string {
	var lines []string

	stats, err := c.Statistics()
	if err == nil && stats.TotalSessions > 0 {
		rate := float64(stats.SuccessfulSessions) / float64(stats.TotalSessions)
		lines = append(lines, fmt.Sprintf("Historical: %d sessions archived", stats.TotalSessions))
		lines = append(lines, fmt.Sprintf("  Success rate: %.1f%%", rate*100))
		lines = append(lines, fmt.Sprintf("  Avg features/session: %.1f", stats.AvgFeaturesPerSession))
	}

	if entries, err := c.HighConfidenceKnowledge(0); err == nil && len(entries) > 0 {
		lines = append(lines, fmt.Sprintf("\nProven Knowledge: %d high-confidence entries", len(entries)))
		for i, k := range entries {
			if i == 3 {
				break
			}
			lines = append(lines, "  - "+k.Title)
		}
	}

	if len(lines) == 0 {
		return "No historical data available."
	}
	return strings.Join(lines, "\n")
}
