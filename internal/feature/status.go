package feature

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	"arcadiaforge/internal/logging"
)

// WriteStatusFile renders a compact status.txt in the project root so
// the agent can orient itself without reading the full progress log.
func (l *List) WriteStatusFile(projectDir string, sessionNumber int) error {
	_, total, err := l.store.CountFeatures()
	if err != nil {
		return err
	}

	var content string
	if total == 0 {
		content = newProjectStatus(sessionNumber)
	} else {
		content, err = l.renderStatus(projectDir, sessionNumber)
		if err != nil {
			return err
		}
	}

	path := filepath.Join(projectDir, "status.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	logging.FeatureDebug("Wrote %s (%d bytes)", path, len(content))
	return nil
}

func newProjectStatus(sessionNumber int) string {
	return fmt.Sprintf(`# Project Status
Generated: %s
Session: %d

## Status
This appears to be a NEW PROJECT - no features in database yet.
You are the INITIALIZER agent. Populate the features database first.

## Your Task
1. Read app_spec.txt to understand the project requirements
2. Populate the features database with ~200 detailed test cases
3. Create init.sh/init.bat for environment setup
4. Initialize git repository
5. Set up basic project structure
`, time.Now().Format("2006-01-02 15:04"), sessionNumber)
}

func (l *List) renderStatus(projectDir string, sessionNumber int) (string, error) {
	stats, err := l.Stats()
	if err != nil {
		return "", err
	}
	next, err := l.NextIncomplete("")
	if err != nil {
		return "", err
	}
	audit, err := l.AuditSummary()
	if err != nil {
		return "", err
	}

	flaggedPreview := "none"
	if len(audit.Flagged) > 0 {
		var parts []string
		for _, idx := range audit.Flagged {
			parts = append(parts, fmt.Sprintf("%d", idx))
			if len(parts) == 5 {
				break
			}
		}
		flaggedPreview = strings.Join(parts, ", ")
	}

	nextInfo := "## Status: ALL FEATURES COMPLETE!"
	if next != nil {
		nextInfo = fmt.Sprintf(`## Next Feature to Implement
Index: #%d
Category: %s
Description: %s
Steps: %d steps`, next.Index, next.Category, next.Description, len(next.Steps))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Project Status\nGenerated: %s\nSession: %d\n\n",
		time.Now().Format("2006-01-02 15:04"), sessionNumber)
	fmt.Fprintf(&b, "## Progress\nTests Passing: %d/%d (%.1f%%)\nTests Remaining: %d\n\n",
		stats.Passing, stats.Total, stats.ProgressPercent(), stats.Failing)
	fmt.Fprintf(&b, "By Category:\n  Functional: %d/%d\n  Style: %d/%d\n\n",
		stats.FunctionalPassing, stats.FunctionalTotal, stats.StylePassing, stats.StyleTotal)
	fmt.Fprintf(&b, "Audit Flags: %d flagged\nFlagged indices (up to 5): %s\n\n",
		len(audit.Flagged), flaggedPreview)
	b.WriteString(nextInfo + "\n\n")
	fmt.Fprintf(&b, "## Recent Git Commits\n%s\n\n", recentCommits(projectDir, 5))
	b.WriteString(`## Instructions
1. Run verification tests on 1-2 existing passing tests
2. If issues found, fix them before new work
3. Implement the next incomplete feature
4. Test thoroughly with browser automation
5. Mark feature as passing using the feature_mark tool
6. Commit your progress

## Available Tools

### Feature Management
- feature_stats - Show progress stats
- feature_next with count=1 - Show next feature to implement
- feature_show with index=42 - Show details for feature #42
- feature_list with passing=false - List incomplete features
- feature_search with query="keyword" - Search features
- feature_mark with index=42 - Mark feature #42 as passing
- feature_audit with index=42 status="flagged" - Record audit result

### Progress Tracking
- progress_get_last with count=1 - Get last session's progress
- progress_add - Add progress entry at end of session

## Notes
- Do NOT access the database directly (use the tools)
- Features are stored in .arcadia/project.db
- Use git log for history
`)
	return b.String(), nil
}

// recentCommits returns the last n commit subjects, one per line.
func recentCommits(projectDir string, n int) string {
	repo, err := git.PlainOpen(projectDir)
	if err != nil {
		return "No git history"
	}
	head, err := repo.Head()
	if err != nil {
		return "No git history"
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return "Unable to get git history"
	}
	defer iter.Close()

	var lines []string
	for len(lines) < n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject := c.Message
		if i := strings.IndexByte(subject, '\n'); i >= 0 {
			subject = subject[:i]
		}
		lines = append(lines, fmt.Sprintf("%s %s", c.Hash.String()[:7], subject))
	}
	if len(lines) == 0 {
		return "No git history"
	}
	return strings.Join(lines, "\n")
}
