package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"arcadiaforge/internal/config"
	"arcadiaforge/internal/session"
	"arcadiaforge/internal/store"
)

// toolScriptClient executes a fixed list of tool calls through the
// dispatcher, the way a real client drives its function-calling loop.
type toolScriptClient struct {
	calls []session.ToolCall
}

func (c *toolScriptClient) Run(ctx context.Context, prompt string, tools session.Dispatcher) iter.Seq2[*session.Message, error] {
	return func(yield func(*session.Message, error) bool) {
		for i, call := range c.calls {
			if call.ID == "" {
				call.ID = fmt.Sprintf("tool-%d", i+1)
			}
			if !yield(&session.Message{ToolUse: &call}, nil) {
				return
			}
			out := tools.Dispatch(ctx, call)
			result := &session.ToolResult{ToolUseID: call.ID, Content: out.Content, IsError: out.IsError}
			if !yield(&session.Message{ToolResult: result}, nil) {
				return
			}
		}
		yield(&session.Message{Text: "audit complete"}, nil)
	}
}

func (c *toolScriptClient) Close() error { return nil }

func passingFeature(index int, description string, steps int) store.Feature {
	f := store.Feature{
		Index:       index,
		Category:    "functional",
		Description: description,
		Passes:      true,
	}
	for i := 0; i < steps; i++ {
		f.Steps = append(f.Steps, fmt.Sprintf("step %d", i+1))
	}
	return f
}

func TestSelectAuditCandidatesPriorities(t *testing.T) {
	features := []store.Feature{
		{Index: 1, Description: "regressed feature", Passes: false},
		func() store.Feature {
			f := passingFeature(2, "previously flagged", 2)
			f.AuditStatus = "flagged"
			return f
		}(),
		passingFeature(3, "user login with oauth token", 2),
		passingFeature(4, "long verification flow", 9),
		passingFeature(5, "plain feature five", 2),
		passingFeature(6, "plain feature six", 2),
		passingFeature(7, "plain feature seven", 2),
	}
	snapshot := map[int]bool{1: true}

	rng := rand.New(rand.NewSource(1))
	out := selectAuditCandidates(features, snapshot, rng)

	require.NotEmpty(t, out)
	require.Equal(t, 1, out[0].Index, "regression comes first")

	indexes := make(map[int]bool)
	for _, f := range out {
		require.False(t, indexes[f.Index], "no duplicate candidates")
		indexes[f.Index] = true
	}
	require.True(t, indexes[2], "flagged feature selected")
	require.True(t, indexes[3], "keyword-risky feature selected")
	require.True(t, indexes[4], "long-flow feature selected")
	require.LessOrEqual(t, len(out), auditMaxCandidates)
}

func TestSelectAuditCandidatesCapsAtMax(t *testing.T) {
	var features []store.Feature
	snapshot := make(map[int]bool)
	for i := 1; i <= 20; i++ {
		features = append(features, store.Feature{Index: i, Description: "was passing", Passes: false})
		snapshot[i] = true
	}
	out := selectAuditCandidates(features, snapshot, rand.New(rand.NewSource(1)))
	require.Len(t, out, auditMaxCandidates)
}

func TestRiskScore(t *testing.T) {
	require.Equal(t, 2, riskScore(passingFeature(1, "handles payment checkout", 2)))
	require.Equal(t, 1, riskScore(passingFeature(2, "renders dashboard", 9)))
	require.Equal(t, 0, riskScore(passingFeature(3, "renders dashboard", 2)))

	skipped := passingFeature(4, "renders dashboard", 2)
	skipped.VerificationSkipped = true
	require.Equal(t, 1, riskScore(skipped))
}

func TestShouldRunAuditFollowsCadence(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.AuditCadence = 10
	o := newTestOrchestrator(t, dir, cfg)

	stats, err := o.features.Stats()
	require.NoError(t, err)
	require.False(t, o.shouldRunAudit(stats), "empty project never audits")

	for i := 1; i <= 10; i++ {
		f, err := o.features.Add(fmt.Sprintf("feature %d", i), []string{"run"}, "functional")
		require.NoError(t, err)
		require.NoError(t, o.features.MarkPassing(f.Index))
	}
	stats, err = o.features.Stats()
	require.NoError(t, err)
	require.True(t, o.shouldRunAudit(stats), "ten new passes since the last audit")

	require.NoError(t, saveAuditState(dir, stats.Passing))
	require.False(t, o.shouldRunAudit(stats), "watermark advanced")

	state := loadAuditState(dir)
	require.Equal(t, stats.Passing, state.LastPassingCount)
	require.NotEmpty(t, state.LastAuditAt)
}

func TestRunAuditRecordsVerdicts(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, dir, config.Default())
	fakeGit(t, dir)

	risky, err := o.features.Add("oauth token refresh", []string{"request a token"}, "functional")
	require.NoError(t, err)
	require.NoError(t, o.features.MarkPassing(risky.Index))
	plain, err := o.features.Add("renders footer", []string{"open /"}, "style")
	require.NoError(t, err)
	require.NoError(t, o.features.MarkPassing(plain.Index))

	client := &toolScriptClient{calls: []session.ToolCall{
		{Name: "feature_mark", Input: map[string]interface{}{"index": float64(risky.Index), "passes": false}},
	}}
	o.newClient = stubFactory(client)
	o.sessionID = 1

	require.NoError(t, o.runAudit(context.Background()))

	demoted, err := o.store.GetFeature(risky.Index)
	require.NoError(t, err)
	require.False(t, demoted.Passes)
	require.Equal(t, "flagged", demoted.AuditStatus)

	kept, err := o.store.GetFeature(plain.Index)
	require.NoError(t, err)
	require.True(t, kept.Passes)
	require.Equal(t, "ok", kept.AuditStatus)

	state := loadAuditState(dir)
	require.Equal(t, 2, state.LastPassingCount, "watermark saved from pre-audit stats")
}

func TestBuildAuditPrompt(t *testing.T) {
	prompt := buildAuditPrompt([]store.Feature{
		passingFeature(3, "user can reset password", 2),
	})
	require.Contains(t, prompt, "[3] user can reset password")
	require.Contains(t, prompt, "1. step 1")
	require.Contains(t, prompt, "passes=false")
	require.Contains(t, prompt, "re-verify")
}
