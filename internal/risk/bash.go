package risk

import (
	"regexp"
	"strings"
)

var (
	rmRe      = regexp.MustCompile(`\brm\s`)
	packageRe = regexp.MustCompile(`(npm|pip|yarn)\s+(install|add|remove|uninstall)`)
	dbRe      = regexp.MustCompile(`(drop|truncate|delete\s+from)\s`)
	networkRe = regexp.MustCompile(`(curl|wget|ssh|scp)\s`)
	sysPermRe = regexp.MustCompile(`(chmod|chown|sudo)\s`)
)

// AssessBashCommand applies heuristics for shell commands that go beyond
// the generic pattern table.
func AssessBashCommand(command string) Assessment {
	a := Assessment{
		Action:       "Run: " + truncate(command, 50) + "...",
		Tool:         "bash",
		InputSummary: truncate(command, 100),
		Level:        Moderate,
		IsReversible: true,
	}

	lower := strings.ToLower(command)

	if rmRe.MatchString(lower) {
		if strings.Contains(lower, "-r") || strings.Contains(lower, "-f") {
			a.raise(High)
			a.Concerns = append(a.Concerns, "Destructive file deletion")
			a.IsReversible = false
			a.RequiresCheckpoint = true
		}
		if strings.Contains(lower, "-rf") {
			a.Level = Critical
			a.RequiresApproval = true
		}
	}

	if strings.Contains(lower, "git push") {
		a.raise(High)
		a.Concerns = append(a.Concerns, "Pushing to remote repository")
		a.HasExternalSideEffects = true
		a.IsReversible = false
		if strings.Contains(lower, "--force") || strings.Contains(lower, "-f") {
			a.Level = Critical
			a.Concerns = append(a.Concerns, "Force push - may overwrite history")
			a.RequiresApproval = true
		}
	}

	if strings.Contains(lower, "git reset --hard") {
		a.raise(High)
		a.Concerns = append(a.Concerns, "Hard reset - discards uncommitted changes")
		a.IsReversible = false
		a.RequiresCheckpoint = true
	}

	if packageRe.MatchString(lower) {
		a.raise(Moderate)
		a.Concerns = append(a.Concerns, "Package manager operation")
		a.HasExternalSideEffects = true
		a.RequiresCheckpoint = true
	}

	if dbRe.MatchString(lower) {
		a.raise(High)
		a.Concerns = append(a.Concerns, "Database destructive operation")
		a.IsReversible = false
		a.RequiresApproval = true
		a.SuggestedMitigation = "Create backup before executing"
	}

	if networkRe.MatchString(lower) {
		a.HasExternalSideEffects = true
		if strings.Contains(command, "-X") || strings.Contains(command, "-d") || strings.Contains(command, "POST") {
			a.raise(Moderate)
			a.Concerns = append(a.Concerns, "HTTP request with side effects")
		}
	}

	if sysPermRe.MatchString(lower) {
		a.raise(High)
		a.Concerns = append(a.Concerns, "System permission modification")
		a.RequiresApproval = true
	}

	a.RequiresReview = a.Level >= High
	return a
}

func (a *Assessment) raise(level Level) {
	if level > a.Level {
		a.Level = level
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
