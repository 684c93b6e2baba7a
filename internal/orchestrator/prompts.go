package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"arcadiaforge/internal/memory"
)

// defaultUpdateFeatures is used when update_config.txt is missing or
// does not parse.
const defaultUpdateFeatures = 10

// systemPrompt is shared by every session type. Session-specific
// instructions go in the user prompt.
const systemPrompt = `You are an autonomous software engineer working inside a project directory.
Nobody is available to answer questions; decide and act.

Tools:
- bash runs shell commands in the project directory.
- read_file, write_file, edit_file, list_files operate on project files.
- feature_* tools manage the feature list, which is the single source of
  truth for progress. Never modify the feature database any other way.
- hypothesis_* tools record theories about bugs and design problems so
  the next session does not rediscover them. Check hypothesis_list when
  something looks familiar.

Work in small verified steps: implement, run the code, observe the
result, then mark the feature with feature_mark. Marking a feature
passing requires evidence saved as verification/feature_<index>_evidence.png;
capture it while you verify. Commit working states with git so progress
survives session boundaries. If a command is blocked by policy, take a
different approach instead of retrying it. If features need a capability
this environment lacks, use feature_block so the gap is reported instead
of burning sessions on it. When every feature passes, say so and stop.`

func (o *Orchestrator) buildPrompt(sessionType string, mem *memory.Manager) (string, error) {
	switch sessionType {
	case SessionInitializer:
		return o.initializerPrompt()
	case SessionUpdate:
		return o.updatePrompt()
	default:
		return o.codingPrompt(mem)
	}
}

func (o *Orchestrator) initializerPrompt() (string, error) {
	specPath := filepath.Join(o.projectDir, "app_spec.txt")
	if _, err := os.Stat(specPath); err != nil {
		return "", fmt.Errorf("app_spec.txt not found in %s; write the project specification there before the first run", o.projectDir)
	}

	return `You are starting a brand-new project in the current directory.

The full project specification is in app_spec.txt. Read it first.

Then, in order:
1. Initialize a git repository and make an initial commit.
2. Break the specification into concrete, independently verifiable
   features using feature_add. Cover every requirement. Put behavior in
   the "functional" category and visual or layout requirements in
   "style". Each feature should be small enough to finish and verify in
   one sitting.
3. Create an init script (init.sh) that sets up the environment from a
   clean checkout.
4. Start implementing: pick the first feature, build it, run it, and
   only then mark it with feature_mark.
5. Commit after every working change.

Do not mark a feature passing without having seen it work. The feature
list is how progress is measured; an unverified mark corrupts it.`, nil
}

func (o *Orchestrator) codingPrompt(mem *memory.Manager) (string, error) {
	var b strings.Builder
	b.WriteString(`You are continuing work on an existing project in the current directory.

Orient yourself first:
1. Read status.txt for progress and the suggested next feature.
2. Run git log --oneline -10 to see recent work.
3. Use feature_list to inspect failing features.

Then pick ONE failing feature, set it with feature_focus, implement it,
verify it end-to-end, and mark it with feature_mark. Fix any regression
you notice before moving on. Commit working states as you go.

Leave the project in a clean state: no half-applied changes, no
uncommitted work that passes.`)

	if mem != nil {
		if ctx := strings.TrimSpace(mem.FullContext()); ctx != "" {
			b.WriteString("\n\n# Context carried over from earlier sessions\n")
			b.WriteString(ctx)
		}
	}
	return b.String(), nil
}

func (o *Orchestrator) updatePrompt() (string, error) {
	data, err := os.ReadFile(newRequirementsPath(o.projectDir))
	if err != nil {
		return "", fmt.Errorf("failed to read new_requirements.txt: %w", err)
	}
	count := readUpdateCount(o.projectDir)

	return fmt.Sprintf(`The project has new requirements, reproduced below from
new_requirements.txt.

1. Read the existing code and feature list to understand the current
   state. Do not break passing features.
2. Translate the requirements into about %d new features with
   feature_add.
3. Implement them one at a time: build, verify end-to-end, then
   feature_mark. Commit after each working change.

<requirements>
%s
</requirements>`, count, strings.TrimSpace(string(data))), nil
}

func newRequirementsPath(projectDir string) string {
	return filepath.Join(projectDir, "new_requirements.txt")
}

func hasNewRequirements(projectDir string) bool {
	info, err := os.Stat(newRequirementsPath(projectDir))
	return err == nil && !info.IsDir()
}

// archiveNewRequirements renames the consumed requirements file so a
// restarted run does not replay it.
func archiveNewRequirements(projectDir string) error {
	src := newRequirementsPath(projectDir)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(src, filepath.Join(projectDir, "new_requirements.done.txt"))
}

// readUpdateCount parses NUM_NEW_FEATURES=<n> from update_config.txt.
func readUpdateCount(projectDir string) int {
	data, err := os.ReadFile(filepath.Join(projectDir, "update_config.txt"))
	if err != nil {
		return defaultUpdateFeatures
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || strings.TrimSpace(key) != "NUM_NEW_FEATURES" {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
			return n
		}
	}
	return defaultUpdateFeatures
}
