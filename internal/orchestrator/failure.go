package orchestrator

import (
	"fmt"
	"strings"

	"arcadiaforge/internal/session"
	"arcadiaforge/internal/stall"
)

// FailureReport summarizes why a run stopped so a human can fix the
// cause before restarting instead of replaying the same failure.
type FailureReport struct {
	Type           string
	Cause          string
	SuggestedFixes []string
	RecentErrors   []string
}

// analyzeFailure classifies the terminal failure from the last session's
// errors. The buckets mirror how runs actually die: credentials,
// flaky transport, policy blocks, broken builds, everything else.
func analyzeFailure(result session.Result, history *stall.History) FailureReport {
	joined := strings.ToLower(strings.Join(result.ErrorTexts, "\n") + "\n" + result.Reason)

	report := FailureReport{RecentErrors: lastN(result.ErrorTexts, 3)}
	switch {
	case containsAny(joined, "authentication", "unauthorized", "401", "api key", "invalid bearer"):
		report.Type = "authentication"
		report.Cause = "The model API rejected the configured credentials"
		report.SuggestedFixes = []string{
			"Set ARCADIA_API_KEY (or GEMINI_API_KEY) to a valid key",
			"Check that the key's project has billing enabled",
			"Restart the run once the key works with a direct API call",
		}
	case containsAny(joined, "rate limit", "429", "quota", "timeout", "timed out", "connection", "unavailable", "503"):
		report.Type = "network"
		report.Cause = "Repeated transport or quota failures talking to the model API"
		report.SuggestedFixes = []string{
			"Wait for the quota window to reset, then restart",
			"Check network connectivity from this machine",
			"Lower max_iterations or the budget to reduce pressure on the quota",
		}
	case len(result.BlockedCommands) > 0 && result.ToolBlocked >= result.ToolErrors:
		report.Type = "policy"
		report.Cause = "The agent kept choosing actions the autonomy policy blocks"
		report.SuggestedFixes = []string{
			"Review the blocked commands and raise autonomy_level if they are safe",
			"Answer pending approvals with 'arcadia respond --list'",
			"Add guidance to the next session via pause notes",
		}
	case containsAny(joined, "npm err", "build failed", "compilation", "syntax error", "test suite failed", "cannot find module"):
		report.Type = "build"
		report.Cause = "The project's build or test toolchain is failing repeatedly"
		report.SuggestedFixes = []string{
			"Run the project's init script and fix the toolchain by hand",
			"Roll back to the last good checkpoint with 'arcadia checkpoints rollback'",
			"Inspect the failing command output in the session events",
		}
	default:
		report.Type = "unknown"
		report.Cause = "Sessions failed without a recognizable error pattern"
		report.SuggestedFixes = []string{
			"Read the recent events with 'arcadia events'",
			"Roll back to the last checkpoint and restart",
			"Reduce scope: lower NUM_NEW_FEATURES or split the spec",
		}
	}

	if n := history.RepeatedRecentErrors(); n > 1 {
		report.Cause += fmt.Sprintf(" (same error repeated %d times)", n)
	}
	return report
}

func (r FailureReport) Format() string {
	var b strings.Builder
	b.WriteString("FAILURE ANALYSIS\n")
	fmt.Fprintf(&b, "Type:  %s\n", r.Type)
	fmt.Fprintf(&b, "Cause: %s\n", r.Cause)
	b.WriteString("Suggested fixes:\n")
	for i, fix := range r.SuggestedFixes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, fix)
	}
	if len(r.RecentErrors) > 0 {
		b.WriteString("Recent errors:\n")
		for _, e := range r.RecentErrors {
			fmt.Fprintf(&b, "  - %s\n", firstLine(e))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func lastN(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
