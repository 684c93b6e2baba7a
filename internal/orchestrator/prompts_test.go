package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"arcadiaforge/internal/config"
	"arcadiaforge/internal/memory"
)

func writeProjectFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInitializerPromptRequiresSpec(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, dir, config.Default())

	_, err := o.initializerPrompt()
	require.Error(t, err)
	require.Contains(t, err.Error(), "app_spec.txt not found")

	writeProjectFile(t, dir, "app_spec.txt", "Build a todo app.")
	prompt, err := o.initializerPrompt()
	require.NoError(t, err)
	require.Contains(t, prompt, "app_spec.txt")
	require.Contains(t, prompt, "feature_add")
	require.Contains(t, prompt, "git repository")
}

func TestCodingPromptCarriesMemoryContext(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, dir, config.Default())

	prompt, err := o.codingPrompt(nil)
	require.NoError(t, err)
	require.Contains(t, prompt, "status.txt")
	require.Contains(t, prompt, "feature_focus")
	require.NotContains(t, prompt, "# Context carried over")

	mem, err := memory.NewManager(o.store, 1)
	require.NoError(t, err)
	_, err = mem.RecordError("build_error", "npm ERR! missing script: test", nil)
	require.NoError(t, err)

	prompt, err = o.codingPrompt(mem)
	require.NoError(t, err)
	require.Contains(t, prompt, "# Context carried over from earlier sessions")
	require.Contains(t, prompt, "npm ERR! missing script: test")
}

func TestUpdatePromptInlinesRequirements(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, dir, config.Default())

	_, err := o.updatePrompt()
	require.Error(t, err, "no requirements file staged")

	writeProjectFile(t, dir, "new_requirements.txt", "Add CSV export.\n")
	writeProjectFile(t, dir, "update_config.txt", "NUM_NEW_FEATURES=5\n")

	prompt, err := o.updatePrompt()
	require.NoError(t, err)
	require.Contains(t, prompt, "about 5 new features")
	require.Contains(t, prompt, "<requirements>\nAdd CSV export.\n</requirements>")
}

func TestReadUpdateCount(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, defaultUpdateFeatures, readUpdateCount(dir), "missing file")

	cases := []struct {
		name    string
		content string
		want    int
	}{
		{"plain", "NUM_NEW_FEATURES=7", 7},
		{"spaced", "  NUM_NEW_FEATURES = 12  ", 12},
		{"comments and blanks", "# how many\n\nNUM_NEW_FEATURES=4\n", 4},
		{"other keys ignored", "MODE=fast\nNUM_NEW_FEATURES=3", 3},
		{"garbage value", "NUM_NEW_FEATURES=lots", defaultUpdateFeatures},
		{"zero rejected", "NUM_NEW_FEATURES=0", defaultUpdateFeatures},
		{"negative rejected", "NUM_NEW_FEATURES=-2", defaultUpdateFeatures},
		{"no key", "just some text", defaultUpdateFeatures},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writeProjectFile(t, dir, "update_config.txt", tc.content)
			require.Equal(t, tc.want, readUpdateCount(dir))
		})
	}
}

func TestArchiveNewRequirements(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, archiveNewRequirements(dir), "missing file is not an error")

	writeProjectFile(t, dir, "new_requirements.txt", "Add search.\n")
	require.NoError(t, archiveNewRequirements(dir))
	require.False(t, hasNewRequirements(dir))

	data, err := os.ReadFile(filepath.Join(dir, "new_requirements.done.txt"))
	require.NoError(t, err)
	require.Equal(t, "Add search.\n", string(data))
}
