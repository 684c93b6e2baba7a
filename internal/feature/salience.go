package feature

import (
	"strings"
	"time"

	"arcadiaforge/internal/store"
)

// SalienceContext biases scoring toward the session's recent focus.
// FeatureStatus, when set, lets the score penalize features whose
// dependencies have not passed yet; selection that filters blocked
// features outright leaves it nil.
type SalienceContext struct {
	RelatedFeatures []int
	FocusKeywords   []string
	FeatureStatus   map[int]bool
}

var priorityWeights = map[int]float64{
	1: 0.40,
	2: 0.30,
	3: 0.20,
	4: 0.10,
}

// salienceEpsilon bounds float comparisons so ties resolve by index
// instead of rounding noise.
const salienceEpsilon = 1e-9

// now is swapped out in tests for recency assertions.
var now = time.Now

// Salience scores a feature between 0 and 1. Higher means work on it
// sooner. Priority sets the base, repeated failures push it down,
// unblocking other features pushes it up, unmet dependencies push it
// down, and context boosts apply for related work and keyword matches.
// Recency nudges keep features that just failed from monopolizing
// sessions and keep old ones from starving.
func Salience(f store.Feature, ctx SalienceContext) float64 {
	score, ok := priorityWeights[f.Priority]
	if !ok {
		score = 0.20
	}

	// Cap at 3 failures so a feature is never buried entirely.
	score -= 0.08 * float64(min(f.FailureCount, 3))

	score += 0.04 * float64(min(len(f.Blocks), 5))

	if ctx.FeatureStatus != nil {
		unsatisfied := 0
		for _, idx := range f.BlockedBy {
			if !ctx.FeatureStatus[idx] {
				unsatisfied++
			}
		}
		score -= 0.05 * float64(min(unsatisfied, 3))
	}

	for _, idx := range ctx.RelatedFeatures {
		if idx == f.Index {
			score += 0.15
			break
		}
	}

	if len(ctx.FocusKeywords) > 0 {
		desc := strings.ToLower(f.Description)
		matches := 0
		for _, kw := range ctx.FocusKeywords {
			if kw != "" && strings.Contains(desc, strings.ToLower(kw)) {
				matches++
			}
		}
		score += 0.05 * float64(min(matches, 3))
	}

	if f.LastWorked != "" {
		if last, err := time.Parse(time.RFC3339, f.LastWorked); err == nil {
			hours := now().UTC().Sub(last).Hours()
			switch {
			case hours < 1:
				score -= 0.05
			case hours > 24:
				score += 0.03
			}
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
