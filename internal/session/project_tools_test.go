package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"arcadiaforge/internal/artifact"
	"arcadiaforge/internal/feature"
	"arcadiaforge/internal/hypothesis"
	"arcadiaforge/internal/stall"
	"arcadiaforge/internal/store"
)

func newProjectTools(t *testing.T) *ProjectTools {
	t.Helper()
	st, err := store.NewProjectStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	return &ProjectTools{
		Workspace:  NewWorkspaceTools(dir),
		Features:   feature.NewList(st),
		Store:      st,
		Artifacts:  artifact.NewStore(dir, st),
		Hypotheses: hypothesis.NewTracker(st, 3),
		Stalls:     stall.NewDetector(st, 0),
		ProjectDir: dir,
		SessionID:  3,
	}
}

func addTestFeature(t *testing.T, p *ProjectTools, description string) int {
	t.Helper()
	f, err := p.Features.Add(description, []string{"open the page", "check the result"}, "functional")
	require.NoError(t, err)
	return f.Index
}

func saveEvidenceFile(t *testing.T, p *ProjectTools, index int) {
	t.Helper()
	dir := filepath.Join(p.ProjectDir, "verification")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	name := filepath.Join(dir, fmt.Sprintf("feature_%d_evidence.png", index))
	require.NoError(t, os.WriteFile(name, []byte("png"), 0o644))
}

func TestMarkFeatureRequiresEvidence(t *testing.T) {
	p := newProjectTools(t)
	ctx := context.Background()
	index := addTestFeature(t, p, "login form validates email addresses")

	out := p.Dispatch(ctx, ToolCall{Name: "feature_mark", Input: map[string]interface{}{
		"index": float64(index),
	}})
	require.True(t, out.IsError)
	require.Contains(t, out.Content, "VALIDATION FAILED")
	require.Contains(t, out.Content, "verification/feature_0_evidence.png")

	f, err := p.Store.GetFeature(index)
	require.NoError(t, err)
	require.False(t, f.Passes, "gate must not mark without evidence")

	saveEvidenceFile(t, p, index)
	out = p.Dispatch(ctx, ToolCall{Name: "feature_mark", Input: map[string]interface{}{
		"index": float64(index),
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "marked passing (1/1 passing)")

	f, err = p.Store.GetFeature(index)
	require.NoError(t, err)
	require.True(t, f.Passes)
	require.False(t, f.VerificationSkipped)

	saved, err := p.Artifacts.ListForFeature(index)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, artifact.TypeVerification, saved[0].Type)
}

func TestMarkFeatureSkipVerification(t *testing.T) {
	p := newProjectTools(t)
	index := addTestFeature(t, p, "nightly job compacts the database")

	out := p.Dispatch(context.Background(), ToolCall{Name: "feature_mark", Input: map[string]interface{}{
		"index":             float64(index),
		"skip_verification": true,
	}})
	require.False(t, out.IsError, out.Content)

	f, err := p.Store.GetFeature(index)
	require.NoError(t, err)
	require.True(t, f.Passes)
	require.True(t, f.VerificationSkipped, "skip must flag the feature for audit")
}

func TestMarkFeatureFailingNeedsNoEvidence(t *testing.T) {
	p := newProjectTools(t)
	index := addTestFeature(t, p, "search returns ranked results")

	out := p.Dispatch(context.Background(), ToolCall{Name: "feature_mark", Input: map[string]interface{}{
		"index":  float64(index),
		"passes": false,
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "marked failing")

	f, err := p.Store.GetFeature(index)
	require.NoError(t, err)
	require.False(t, f.Passes)
}

func TestFeatureSkipKeepsSkippedFlag(t *testing.T) {
	p := newProjectTools(t)
	index := addTestFeature(t, p, "emails are sent through the relay")

	out := p.Dispatch(context.Background(), ToolCall{Name: "feature_skip", Input: map[string]interface{}{
		"index":  float64(index),
		"reason": "no SMTP credentials in this environment",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "no SMTP credentials")

	f, err := p.Store.GetFeature(index)
	require.NoError(t, err)
	require.True(t, f.Passes)
	require.True(t, f.VerificationSkipped)
}

func TestFeatureBlockAndUnblock(t *testing.T) {
	p := newProjectTools(t)
	ctx := context.Background()
	first := addTestFeature(t, p, "containerized build produces an image")
	second := addTestFeature(t, p, "image pushes to the registry")

	out := p.Dispatch(ctx, ToolCall{Name: "feature_block", Input: map[string]interface{}{
		"feature_ids": []interface{}{float64(first), float64(second)},
		"capability":  "docker",
		"reason":      "docker daemon is not available in this sandbox",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "Blocked 2 feature(s)")
	require.Contains(t, out.Content, "docker")

	f, err := p.Store.GetFeature(first)
	require.NoError(t, err)
	require.Contains(t, feature.CapabilityBlockReason(*f), "docker daemon")

	records, err := p.Store.ListStallRecords(true, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, stall.TypeCapabilityMissing, records[0].StallType)
	require.Equal(t, "docker", records[0].MissingCapability)
	require.ElementsMatch(t, []int{first, second}, records[0].BlockedFeatures)

	out = p.Dispatch(ctx, ToolCall{Name: "feature_list", Input: map[string]interface{}{
		"status": "blocked",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "2 feature(s) blocked")
	require.Contains(t, out.Content, "docker daemon is not available")

	out = p.Dispatch(ctx, ToolCall{Name: "feature_unblock", Input: map[string]interface{}{}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "Unblocked 2 feature(s)")

	out = p.Dispatch(ctx, ToolCall{Name: "feature_list", Input: map[string]interface{}{
		"status": "blocked",
	}})
	require.Contains(t, out.Content, "No features are blocked")
}

func TestFeatureBlockRequiresCapability(t *testing.T) {
	p := newProjectTools(t)

	out := p.Dispatch(context.Background(), ToolCall{Name: "feature_block", Input: map[string]interface{}{
		"feature_ids": []interface{}{float64(0)},
	}})
	require.True(t, out.IsError)
	require.Contains(t, out.Content, "capability")
}

func TestHypothesisLifecycle(t *testing.T) {
	p := newProjectTools(t)
	ctx := context.Background()

	out := p.Dispatch(ctx, ToolCall{Name: "hypothesis_create", Input: map[string]interface{}{
		"hypothesis_type":  "root_cause",
		"observation":      "session focus is empty after every restart",
		"hypothesis":       "focus is held in process memory and never persisted",
		"confidence":       0.7,
		"related_features": []interface{}{float64(2)},
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "HYP-3-1")
	require.Contains(t, out.Content, "confidence 70%")

	out = p.Dispatch(ctx, ToolCall{Name: "hypothesis_list", Input: map[string]interface{}{}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "HYP-3-1")
	require.Contains(t, out.Content, "root_cause")

	out = p.Dispatch(ctx, ToolCall{Name: "hypothesis_add_evidence", Input: map[string]interface{}{
		"hypothesis_id": "HYP-3-1",
		"description":   "focus table has no rows after restart",
		"supports":      true,
		"source":        "test",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "1 for, 0 against")

	out = p.Dispatch(ctx, ToolCall{Name: "hypothesis_show", Input: map[string]interface{}{
		"hypothesis_id": "HYP-3-1",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "session focus is empty after every restart")
	require.Contains(t, out.Content, "+ focus table has no rows after restart")
	require.Contains(t, out.Content, "Related features: [2]")

	out = p.Dispatch(ctx, ToolCall{Name: "hypothesis_resolve", Input: map[string]interface{}{
		"hypothesis_id": "HYP-3-1",
		"status":        "confirmed",
		"resolution":    "focus now written to the store on every change",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "resolved as confirmed")

	out = p.Dispatch(ctx, ToolCall{Name: "hypothesis_list", Input: map[string]interface{}{}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "No open hypotheses")
}

func TestHypothesisResolveRejectsUnknownStatus(t *testing.T) {
	p := newProjectTools(t)

	out := p.Dispatch(context.Background(), ToolCall{Name: "hypothesis_resolve", Input: map[string]interface{}{
		"hypothesis_id": "HYP-3-1",
		"status":        "maybe",
		"resolution":    "unclear",
	}})
	require.True(t, out.IsError)
	require.Contains(t, out.Content, "confirmed, rejected, irrelevant, or superseded")
}

func TestHypothesisCreateDefaults(t *testing.T) {
	p := newProjectTools(t)

	out := p.Dispatch(context.Background(), ToolCall{Name: "hypothesis_create", Input: map[string]interface{}{
		"hypothesis_type": "banana",
		"observation":     "builds are slower on Tuesdays",
		"hypothesis":      "cache eviction job overlaps the build window",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "observation", "unknown type falls back to observation")
	require.Contains(t, out.Content, "confidence 50%")
}

func TestHypothesisSearchMatchesKeywords(t *testing.T) {
	p := newProjectTools(t)
	ctx := context.Background()

	for _, in := range []map[string]interface{}{
		{
			"hypothesis_type": "dependency",
			"observation":     "oauth callback 500s on staging",
			"hypothesis":      "redirect URI mismatch between envs",
		},
		{
			"hypothesis_type": "performance",
			"observation":     "list endpoint is slow over 1k rows",
			"hypothesis":      "missing index on created_at",
		},
	} {
		out := p.Dispatch(ctx, ToolCall{Name: "hypothesis_create", Input: in})
		require.False(t, out.IsError, out.Content)
	}

	out := p.Dispatch(ctx, ToolCall{Name: "hypothesis_search", Input: map[string]interface{}{
		"query": "oauth",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "redirect URI mismatch")
	require.NotContains(t, out.Content, "created_at")

	out = p.Dispatch(ctx, ToolCall{Name: "hypothesis_search", Input: map[string]interface{}{
		"query": "kubernetes",
	}})
	require.False(t, out.IsError, out.Content)
	require.Contains(t, out.Content, "No hypotheses match")
}

func TestHypothesisToolsRequireTracker(t *testing.T) {
	p := newProjectTools(t)
	p.Hypotheses = nil

	out := p.Dispatch(context.Background(), ToolCall{Name: "hypothesis_list", Input: map[string]interface{}{}})
	require.True(t, out.IsError)
	require.Contains(t, out.Content, "not attached")
}

func TestProjectDeclarationsCoverTools(t *testing.T) {
	p := newProjectTools(t)

	names := map[string]bool{}
	for _, d := range p.Declarations() {
		names[d.Name] = true
	}
	for _, want := range []string{
		"bash", "read_file", "write_file", "edit_file", "list_files",
		"feature_mark", "feature_skip", "feature_add", "feature_list", "feature_focus",
		"feature_block", "feature_unblock",
		"hypothesis_create", "hypothesis_list", "hypothesis_show",
		"hypothesis_add_evidence", "hypothesis_resolve", "hypothesis_search",
	} {
		require.True(t, names[want], "missing declaration for %s", want)
	}
}
