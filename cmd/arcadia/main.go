// Package main implements the arcadia CLI: the autonomous run loop plus
// inspection commands over a project's features, checkpoints, injection
// points and event stream.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/store"
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:   "arcadia",
	Short: "ArcadiaForge - autonomous coding agent orchestrator",
	Long: `ArcadiaForge drives an autonomous coding agent against a project
directory. Progress lives in a feature database, not in the agent's
claims: sessions break the spec into features, implement them, verify
them end-to-end and only then mark them passing. Checkpoints, audits
and human injection points keep long unattended runs recoverable.

Start a run with 'arcadia run', then inspect it from another terminal:

  arcadia features stats        overall progress
  arcadia checkpoints list      recovery points
  arcadia respond --list        questions waiting for you
  arcadia events --limit 50     raw event stream
  arcadia metrics               aggregated run metrics
  arcadia artifacts             stored verification evidence
  arcadia hypotheses            the agent's open theories`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "Project directory")
}

// resolveProject turns the --project flag (or an explicit positional
// argument) into an absolute path.
func resolveProject(args []string) (string, error) {
	dir := projectDir
	if len(args) > 0 {
		dir = args[0]
	}
	return filepath.Abs(dir)
}

// openProjectStore opens the database of an existing project. The
// inspection commands refuse to create one; only 'arcadia run' does.
func openProjectStore(dir string) (*store.ProjectStore, error) {
	path := filepath.Join(dir, ".arcadia", "project.db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no project database at %s (run 'arcadia run' first)", path)
	}
	return store.NewProjectStore(path)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
