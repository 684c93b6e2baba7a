package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"arcadiaforge/internal/decision"
	"arcadiaforge/internal/feature"
	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/session"
	"arcadiaforge/internal/store"
)

// Audit sessions re-verify a sample of passing features between coding
// sessions. They catch unverified marks and silent regressions that the
// forward-only coding loop would otherwise carry to the end of the run.
const (
	auditMaxCandidates = 8
	auditHighRiskCount = 3
	auditRandomCount   = 3
	auditStepThreshold = 8

	auditStateFilename = "audit_state.json"
)

// Features whose descriptions touch these areas get audited first.
var highRiskKeywords = []string{
	"auth", "login", "logout", "password", "payment", "billing",
	"checkout", "admin", "permissions", "security", "oauth", "token",
	"encryption", "bank", "card", "subscription",
}

type auditState struct {
	LastPassingCount int    `json:"last_passing_count"`
	LastAuditAt      string `json:"last_audit_at"`
}

func auditStatePath(projectDir string) string {
	return filepath.Join(projectDir, ".arcadia", auditStateFilename)
}

func loadAuditState(projectDir string) auditState {
	var state auditState
	data, err := os.ReadFile(auditStatePath(projectDir))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		logging.OrchestratorWarn("unreadable audit state, starting fresh: %v", err)
		return auditState{}
	}
	return state
}

func saveAuditState(projectDir string, passing int) error {
	state := auditState{
		LastPassingCount: passing,
		LastAuditAt:      time.Now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	path := auditStatePath(projectDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// shouldRunAudit reports whether enough features passed since the last
// audit to justify another one.
func (o *Orchestrator) shouldRunAudit(stats feature.Stats) bool {
	if o.cfg.AuditCadence <= 0 || stats.Total == 0 || stats.Passing == 0 {
		return false
	}
	state := loadAuditState(o.projectDir)
	return stats.Passing >= state.LastPassingCount+o.cfg.AuditCadence
}

// runAudit runs a verification session over the selected candidates.
// Audit sessions never complete the run and ignore stop phrases; their
// verdicts land as feature marks and audit flags. The audit watermark
// is saved even when the session fails, so a broken audit cannot wedge
// the loop into auditing every iteration.
func (o *Orchestrator) runAudit(ctx context.Context) error {
	stats, err := o.features.Stats()
	if err != nil {
		return err
	}
	defer func() {
		if err := saveAuditState(o.projectDir, stats.Passing); err != nil {
			logging.OrchestratorWarn("failed to save audit state: %v", err)
		}
	}()

	candidates, err := o.selectAuditCandidates(rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		logging.Orchestrator("Audit due but no candidates to verify")
		return nil
	}

	logging.Orchestrator("--- Audit session: re-verifying %d feature(s) ---", len(candidates))
	o.logAuditDecision(len(candidates), stats.Passing)

	tools := &session.ProjectTools{
		Workspace:   o.workspace,
		Features:    o.features,
		Store:       o.store,
		Checkpoints: o.checkpoints,
		Observer:    o.observer,
		Artifacts:   o.artifacts,
		Hypotheses:  o.hypotheses,
		Stalls:      o.stalls,
		ProjectDir:  o.projectDir,
		SessionID:   o.sessionID,
	}
	client, err := o.newClient(ctx, o.cfg, systemPrompt, tools.Declarations())
	if err != nil {
		return err
	}

	result := session.Run(ctx, client, buildAuditPrompt(candidates), session.Options{
		Tools:           tools,
		Features:        o.features,
		Risk:            o.risks,
		Autonomy:        o.autonomy,
		Human:           o.humans,
		Checkpoints:     o.checkpoints,
		Observer:        o.observer,
		Budget:          o.cfg.Budget,
		SessionID:       o.sessionID,
		CheckStop:       false,
		CheckCompletion: false,
	})
	if cerr := client.Close(); cerr != nil {
		logging.OrchestratorWarn("client close failed: %v", cerr)
	}
	if result.Status == session.StatusError || result.Status == session.StatusAuthError {
		return fmt.Errorf("audit session ended with %s: %s", result.Status, result.Reason)
	}

	o.recordAuditVerdicts(candidates)
	return nil
}

// recordAuditVerdicts flags candidates the audit demoted and clears
// flags on the ones that held up.
func (o *Orchestrator) recordAuditVerdicts(candidates []store.Feature) {
	failed := 0
	for _, c := range candidates {
		f, err := o.store.GetFeature(c.Index)
		if err != nil || f == nil {
			continue
		}
		if c.Passes && !f.Passes {
			failed++
			if err := o.store.SetFeatureAudit(c.Index, "flagged", "audit", []string{"failed re-verification"}); err != nil {
				logging.OrchestratorWarn("failed to flag feature %d: %v", c.Index, err)
			}
			continue
		}
		if f.Passes {
			if err := o.store.SetFeatureAudit(c.Index, "ok", "audit", nil); err != nil {
				logging.OrchestratorWarn("failed to record audit pass for feature %d: %v", c.Index, err)
			}
		}
	}
	logging.Orchestrator("Audit finished: %d/%d candidate(s) demoted", failed, len(candidates))
}

func (o *Orchestrator) logAuditDecision(candidates, passing int) {
	rationale := fmt.Sprintf("%d features passing since the last audit", passing)
	if _, err := o.decisions.Log(decision.Request{
		Type:            decision.TypeTestStrategy,
		Context:         "Audit cadence reached",
		Choice:          "run_audit",
		Alternatives:    []string{"skip_audit", "defer_audit"},
		Rationale:       rationale,
		Confidence:      0.9,
		InputsConsulted: []string{"features_database", "audit_state"},
		Metadata:        map[string]interface{}{"candidates": candidates},
	}); err != nil {
		logging.OrchestratorWarn("audit decision log failed: %v", err)
	}
	if _, err := o.observer.LogDecision(decision.TypeTestStrategy, "run_audit", []string{"skip_audit"}, rationale, 0.9, nil); err != nil {
		logging.OrchestratorWarn("audit decision event failed: %v", err)
	}
}

// selectAuditCandidates picks up to auditMaxCandidates features, in
// priority order: regressions against the latest checkpoint, features
// flagged by earlier audits, the highest-risk passing features, then a
// random sample of the rest.
func (o *Orchestrator) selectAuditCandidates(rng *rand.Rand) ([]store.Feature, error) {
	features, err := o.store.ListFeatures()
	if err != nil {
		return nil, err
	}

	var lastSnapshot map[int]bool
	if cp, err := o.checkpoints.Latest(); err == nil && cp != nil {
		lastSnapshot = cp.FeatureStatus
	}
	return selectAuditCandidates(features, lastSnapshot, rng), nil
}

func selectAuditCandidates(features []store.Feature, lastSnapshot map[int]bool, rng *rand.Rand) []store.Feature {
	byIndex := make(map[int]store.Feature, len(features))
	for _, f := range features {
		byIndex[f.Index] = f
	}
	picked := make(map[int]bool)
	var out []store.Feature
	add := func(f store.Feature) {
		if len(out) >= auditMaxCandidates || picked[f.Index] {
			return
		}
		picked[f.Index] = true
		out = append(out, f)
	}

	// Regressions: passing at the last checkpoint, failing now.
	for _, f := range features {
		if lastSnapshot != nil && lastSnapshot[f.Index] && !f.Passes {
			add(f)
		}
	}

	// Flagged by a previous audit.
	for _, f := range features {
		if f.AuditStatus == "flagged" {
			add(f)
		}
	}

	// Highest-risk passing features.
	var risky []store.Feature
	for _, f := range features {
		if f.Passes && riskScore(f) > 0 {
			risky = append(risky, f)
		}
	}
	sort.SliceStable(risky, func(i, j int) bool { return riskScore(risky[i]) > riskScore(risky[j]) })
	for i := 0; i < len(risky) && i < auditHighRiskCount; i++ {
		add(risky[i])
	}

	// Random sample of the remaining passing features.
	var rest []int
	for _, f := range features {
		if f.Passes && !picked[f.Index] {
			rest = append(rest, f.Index)
		}
	}
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	for i := 0; i < len(rest) && i < auditRandomCount; i++ {
		add(byIndex[rest[i]])
	}

	return out
}

// riskScore weighs a feature for audit priority. Keyword hits count
// double; long verification flows count once.
func riskScore(f store.Feature) int {
	score := 0
	desc := strings.ToLower(f.Description)
	for _, kw := range highRiskKeywords {
		if strings.Contains(desc, kw) {
			score += 2
			break
		}
	}
	if len(f.Steps) >= auditStepThreshold {
		score++
	}
	if f.VerificationSkipped {
		score++
	}
	return score
}

func buildAuditPrompt(candidates []store.Feature) string {
	var b strings.Builder
	b.WriteString(`You are auditing features that were previously marked passing.
Nothing is assumed correct; re-verify each one end-to-end.

For every feature below:
1. Follow its verification steps against the running code.
2. If it genuinely works, leave it as-is.
3. If it does not work, mark it with feature_mark passes=false and note
   what is broken.

Do not fix anything during the audit; marking is the deliverable.

Features to audit:
`)
	for _, f := range candidates {
		fmt.Fprintf(&b, "\n[%d] %s (category %s", f.Index, f.Description, f.Category)
		if f.VerificationSkipped {
			b.WriteString(", verification previously skipped")
		}
		b.WriteString(")\n")
		for i, s := range f.Steps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
		}
	}
	return b.String()
}
