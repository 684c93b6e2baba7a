// Package orchestrator drives the autonomous session loop: it decides
// what kind of session to run next, wires the per-session components
// together, and turns session outcomes into continue/stop decisions.
//
// Progress is defined by the feature store, never by what the agent says.
// Sessions are stateless between runs; continuity comes from the store
// (features, checkpoints, memory, events) plus the status file written
// into the project before each session.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/genai"

	"arcadiaforge/internal/artifact"
	"arcadiaforge/internal/autonomy"
	"arcadiaforge/internal/checkpoint"
	"arcadiaforge/internal/config"
	"arcadiaforge/internal/decision"
	"arcadiaforge/internal/escalation"
	"arcadiaforge/internal/feature"
	"arcadiaforge/internal/human"
	"arcadiaforge/internal/hypothesis"
	"arcadiaforge/internal/intervention"
	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/memory"
	"arcadiaforge/internal/observability"
	"arcadiaforge/internal/risk"
	"arcadiaforge/internal/session"
	"arcadiaforge/internal/stall"
	"arcadiaforge/internal/store"
)

// Session types. Initializer runs until the project has features and a
// git repository, update runs once when new requirements are staged,
// coding is everything else. Audit sessions are spliced in between
// coding sessions by cadence.
const (
	SessionInitializer = "initializer"
	SessionCoding      = "coding"
	SessionUpdate      = "update"
	SessionAudit       = "audit"
)

const (
	autoContinueDelay    = 3 * time.Second
	betweenSessionsDelay = 1 * time.Second
	maxConsecutiveErrors = 3

	cyclicErrorThreshold = 5
	cyclicBlockThreshold = 5
)

// ClientFactory builds the model client for one session. Swappable so
// tests can run the loop against a scripted client.
type ClientFactory func(ctx context.Context, cfg config.Config, systemPrompt string, decls []*genai.FunctionDeclaration) (session.Client, error)

func defaultClientFactory(ctx context.Context, cfg config.Config, systemPrompt string, decls []*genai.FunctionDeclaration) (session.Client, error) {
	key, err := config.APIKey()
	if err != nil {
		return nil, err
	}
	return session.NewGeminiClient(ctx, session.GeminiOptions{
		APIKey:       key,
		Model:        cfg.Model,
		SystemPrompt: systemPrompt,
		Tools:        decls,
	})
}

// Orchestrator owns one project's autonomous run.
type Orchestrator struct {
	projectDir string
	cfg        config.Config

	store       *store.ProjectStore
	features    *feature.List
	checkpoints *checkpoint.Manager
	pauser      *checkpoint.PauseManager
	decisions   *decision.Logger
	escalator   *escalation.Engine
	risks       *risk.Classifier
	autonomy    *autonomy.Manager
	humans      *human.Interface
	learner     *intervention.Learner
	stalls      *stall.Detector
	observer    *observability.Observer
	history     *stall.History
	workspace   *session.WorkspaceTools
	artifacts   *artifact.Store
	hypotheses  *hypothesis.Tracker

	newClient ClientFactory

	// Delays are fields so tests can run the loop without waiting.
	autoDelay    time.Duration
	betweenDelay time.Duration

	iteration         int // loop count this process
	sessionID         int // store-allocated, survives restarts
	consecutiveErrors int
	updateRun         bool
}

// New opens (or creates) the project in projectDir and wires the
// orchestration components around its store.
func New(projectDir string, cfg config.Config) (*Orchestrator, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, err
	}
	projectDir = abs
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	st, err := store.NewProjectStore(filepath.Join(projectDir, ".arcadia", "project.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open project store: %w", err)
	}
	o, err := NewWithStore(projectDir, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return o, nil
}

// NewWithStore wires an orchestrator around an existing store. Tests use
// it with an in-memory store.
func NewWithStore(projectDir string, cfg config.Config, st *store.ProjectStore) (*Orchestrator, error) {
	acfg := autonomy.DefaultConfig()
	if cfg.AutonomyLevel != "" {
		acfg.Level = autonomy.ParseLevel(cfg.AutonomyLevel)
	}
	auto, err := autonomy.NewManager(st, acfg, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to init autonomy manager: %w", err)
	}
	auto.RegisterChecker("bash", bashRiskChecker)
	risks, err := risk.NewClassifier(st, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to init risk classifier: %w", err)
	}
	esc, err := escalation.NewEngine(st, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to init escalation engine: %w", err)
	}
	learner, err := intervention.NewLearner(st)
	if err != nil {
		return nil, fmt.Errorf("failed to init intervention learner: %w", err)
	}

	cpm := checkpoint.NewManager(projectDir, st)
	o := &Orchestrator{
		projectDir:  projectDir,
		cfg:         cfg,
		store:       st,
		features:    feature.NewList(st),
		checkpoints: cpm,
		pauser:      checkpoint.NewPauseManager(cpm, st),
		decisions:   decision.NewLogger(st, 0),
		escalator:   esc,
		risks:       risks,
		autonomy:    auto,
		humans:      human.New(st, projectDir, 0),
		learner:     learner,
		stalls:      stall.NewDetector(st, 0),
		observer:    observability.NewObserver(st, projectDir, nil),
		history:     &stall.History{},
		workspace:   session.NewWorkspaceTools(projectDir),
		artifacts:   artifact.NewStore(projectDir, st),
		hypotheses:  hypothesis.NewTracker(st, 0),
		newClient:   defaultClientFactory,

		autoDelay:    autoContinueDelay,
		betweenDelay: betweenSessionsDelay,
	}

	stats, err := o.features.Stats()
	if err != nil {
		return nil, err
	}
	hasFeatures := stats.Total > 0
	if hasNewRequirements(projectDir) {
		if !hasFeatures {
			return nil, fmt.Errorf("new_requirements.txt is staged but the feature store is empty; initialize the project from app_spec.txt first")
		}
		o.updateRun = true
	}
	return o, nil
}

// Store exposes the project store for the CLI surfaces built on top.
func (o *Orchestrator) Store() *store.ProjectStore { return o.store }

// Humans exposes the human interface so a signal handler can request a
// pause from outside the loop.
func (o *Orchestrator) Humans() *human.Interface { return o.humans }

// Run drives sessions until the project completes, the budget runs out,
// progress stalls, or a human pauses the run. A non-nil error means the
// loop itself failed; agent-level failures end the run with a logged
// reason and a nil error.
func (o *Orchestrator) Run(ctx context.Context) error {
	logging.Orchestrator("Starting autonomous run in %s (model %s)", o.projectDir, o.cfg.Model)
	o.logResumeBanner()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.iteration++

		if o.budgetExhausted() {
			break
		}
		if o.cfg.MaxIterations > 0 && o.iteration > o.cfg.MaxIterations {
			logging.Orchestrator("Reached max iterations (%d)", o.cfg.MaxIterations)
			break
		}
		if o.humans.PauseRequested() {
			o.handlePause()
			break
		}

		stop, err := o.runSession(ctx)
		if err != nil {
			return err
		}
		if stop {
			break
		}
		logging.OrchestratorDebug("Preparing next session...")
		if !sleep(ctx, o.betweenDelay) {
			return ctx.Err()
		}
	}

	o.logRunSummary()
	return nil
}

// runSession executes one session end to end and reports whether the
// run should stop.
func (o *Orchestrator) runSession(ctx context.Context) (bool, error) {
	sessionType := o.sessionType()

	// Session IDs come from the store so they stay unique across
	// process restarts; the iteration counter only drives loop limits.
	id, err := o.store.CreateSession()
	if err != nil {
		return false, fmt.Errorf("failed to create session row: %w", err)
	}
	o.sessionID = id
	logging.Orchestrator("=== Session %d (%s, iteration %d) ===", o.sessionID, sessionType, o.iteration)

	o.setSessionIDs(o.sessionID)
	mem, err := memory.NewManager(o.store, o.sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to start session memory: %w", err)
	}

	if _, err := o.observer.StartSession(o.sessionID); err != nil {
		logging.OrchestratorWarn("failed to record session start: %v", err)
	}
	o.logSessionTypeDecision(sessionType)

	if _, err := o.checkpoints.Create(checkpoint.TriggerSessionStart, o.sessionID, checkpoint.CreateOptions{
		Metadata: map[string]interface{}{"session_type": sessionType},
	}); err != nil {
		logging.OrchestratorWarn("session start checkpoint failed: %v", err)
	}
	if err := o.features.WriteStatusFile(o.projectDir, o.sessionID); err != nil {
		logging.OrchestratorWarn("status file write failed: %v", err)
	}

	prompt, err := o.buildPrompt(sessionType, mem)
	if err != nil {
		return false, err
	}

	stats, err := o.features.Stats()
	if err != nil {
		return false, err
	}
	o.stalls.SetSessionBaseline(o.sessionID, stats.Passing, stall.GitStateHash(o.projectDir))

	tools := &session.ProjectTools{
		Workspace:   o.workspace,
		Features:    o.features,
		Store:       o.store,
		Checkpoints: o.checkpoints,
		Observer:    o.observer,
		Memory:      mem,
		Artifacts:   o.artifacts,
		Hypotheses:  o.hypotheses,
		Stalls:      o.stalls,
		ProjectDir:  o.projectDir,
		SessionID:   o.sessionID,
	}

	client, err := o.newClient(ctx, o.cfg, systemPrompt, tools.Declarations())
	if err != nil {
		return false, fmt.Errorf("failed to create session client: %w", err)
	}

	result := session.Run(ctx, client, prompt, session.Options{
		Tools:           tools,
		Features:        o.features,
		Risk:            o.risks,
		Autonomy:        o.autonomy,
		Human:           o.humans,
		Memory:          mem,
		Checkpoints:     o.checkpoints,
		Observer:        o.observer,
		Budget:          o.cfg.Budget,
		SessionID:       o.sessionID,
		CheckStop:       true,
		CheckCompletion: true,
	})
	if cerr := client.Close(); cerr != nil {
		logging.OrchestratorWarn("client close failed: %v", cerr)
	}

	o.finishSessionType(sessionType, result.Status)
	o.updateHistory(result)

	switch result.Status {
	case session.StatusComplete:
		o.handleComplete(mem, result)
		return true, nil
	case session.StatusAuthError:
		o.handleAuthError(result)
		return true, nil
	case session.StatusIntervention:
		o.handleIntervention(mem, result)
		return true, nil
	case session.StatusError:
		return o.handleError(ctx, result), nil
	default:
		return o.handleContinue(ctx, result), nil
	}
}

// sessionType picks the next session kind from project state. The
// initializer repeats until the project has both features and a git
// repository, so a crashed first session is retried rather than skipped.
func (o *Orchestrator) sessionType() string {
	stats, err := o.features.Stats()
	hasFeatures := err == nil && stats.Total > 0
	if !hasFeatures || !dirExists(filepath.Join(o.projectDir, ".git")) {
		return SessionInitializer
	}
	if o.updateRun {
		return SessionUpdate
	}
	return SessionCoding
}

// finishSessionType retires one-shot session types. The update input is
// archived after any run that got far enough to read it, so a process
// restart does not replay the same requirements.
func (o *Orchestrator) finishSessionType(sessionType, status string) {
	if sessionType != SessionUpdate {
		return
	}
	o.updateRun = false
	if status == session.StatusError || status == session.StatusAuthError {
		return
	}
	if err := archiveNewRequirements(o.projectDir); err != nil {
		logging.OrchestratorWarn("failed to archive new_requirements.txt: %v", err)
	}
}

func (o *Orchestrator) setSessionIDs(id int) {
	o.decisions.SetSessionID(id)
	o.escalator.SetSessionID(id)
	o.risks.SetSessionID(id)
	o.autonomy.SetSessionID(id)
	o.humans.SetSessionID(id)
	o.hypotheses.SetSessionID(id)
}

func (o *Orchestrator) logSessionTypeDecision(sessionType string) {
	alternatives := []string{SessionInitializer, SessionUpdate, SessionCoding}
	rationale := "Based on project state and configuration"
	if _, err := o.decisions.Log(decision.Request{
		Type:            decision.TypeFeatureSelection,
		Context:         "Starting new session",
		Choice:          sessionType,
		Alternatives:    alternatives,
		Rationale:       rationale,
		Confidence:      1.0,
		InputsConsulted: []string{"features_database", "update_config.txt"},
	}); err != nil {
		logging.OrchestratorWarn("session decision log failed: %v", err)
	}
	if _, err := o.observer.LogDecision(decision.TypeFeatureSelection, sessionType, alternatives, rationale, 1.0, nil); err != nil {
		logging.OrchestratorWarn("session decision event failed: %v", err)
	}
}

// budgetExhausted stops the run once estimated spend crosses the cap.
func (o *Orchestrator) budgetExhausted() bool {
	if o.cfg.Budget.MaxBudgetUSD <= 0 {
		return false
	}
	status, err := o.observer.CheckBudget(o.cfg.Budget)
	if err != nil {
		logging.OrchestratorWarn("budget check failed: %v", err)
		return false
	}
	if status.Over {
		msg := fmt.Sprintf("Budget exceeded: $%.2f > $%.2f", status.CostUSD, o.cfg.Budget.MaxBudgetUSD)
		logging.OrchestratorWarn("%s", msg)
		if _, err := o.observer.LogEvent(observability.EventWarning, observability.EventOptions{
			Data: map[string]interface{}{"warning": msg},
		}); err != nil {
			logging.OrchestratorWarn("budget warning event failed: %v", err)
		}
		return true
	}
	if o.cfg.Budget.WarningThreshold > 0 && status.PercentUsed >= o.cfg.Budget.WarningThreshold {
		logging.OrchestratorWarn("Budget at %.0f%%: $%.2f of $%.2f",
			status.PercentUsed*100, status.CostUSD, o.cfg.Budget.MaxBudgetUSD)
	}
	return false
}

func (o *Orchestrator) handlePause() {
	cp, err := o.pauser.Pause(o.sessionID, "Pause requested by human")
	if err != nil {
		logging.OrchestratorError("pause failed: %v", err)
		return
	}
	logging.Orchestrator("Paused at checkpoint %s. Leave notes with 'arcadia respond' and start a new run to resume.", cp.CheckpointID)
}

// logResumeBanner surfaces an unresumed pause from a previous run,
// along with any notes the human left, then clears it.
func (o *Orchestrator) logResumeBanner() {
	ps, err := o.pauser.LatestPaused()
	if err != nil || ps == nil {
		return
	}
	logging.Orchestrator("Resuming paused run:\n%s", checkpoint.FormatPaused(*ps))
	if _, err := o.pauser.Resume(ps.SessionID); err != nil {
		logging.OrchestratorWarn("failed to clear pause marker: %v", err)
	}
}

func (o *Orchestrator) updateHistory(result session.Result) {
	for _, e := range result.ErrorTexts {
		o.history.AddError(e)
	}
	for _, c := range result.BlockedCommands {
		o.history.AddBlockedCommand(c)
	}
	o.history.AddGitHash(stall.GitStateHash(o.projectDir))
	if stats, err := o.features.Stats(); err == nil && stats.Total > 0 {
		o.history.AddPassingCount(stats.Passing)
	}
}

func (o *Orchestrator) handleComplete(mem *memory.Manager, result session.Result) {
	o.endSession("completed", result.Reason)

	completed := 0
	if stats, err := o.features.Stats(); err == nil {
		if d := stats.Passing - o.history.PreviousPassing(); d > 0 {
			completed = d
		}
	}
	if _, err := mem.EndSession("completed", memory.EndSessionOptions{
		FeaturesStarted:   1,
		FeaturesCompleted: completed,
		ToolCalls:         result.ToolCalls,
	}); err != nil {
		logging.OrchestratorWarn("memory end failed: %v", err)
	}
	if _, err := o.checkpoints.Create(checkpoint.TriggerSessionEnd, o.sessionID, checkpoint.CreateOptions{
		Metadata: map[string]interface{}{"status": result.Status, "reason": result.Reason},
	}); err != nil {
		logging.OrchestratorWarn("session end checkpoint failed: %v", err)
	}

	logging.Orchestrator("%s", result.Reason)
	if summary, err := o.observer.SessionSummary(o.sessionID); err == nil {
		logging.Orchestrator("%s", summary)
	}
	status := o.autonomy.GetStatus()
	logging.Orchestrator("Autonomy: level %s, success rate %.0f%%", status.EffectiveLevel, status.SuccessRate*100)
}

func (o *Orchestrator) handleAuthError(result session.Result) {
	logging.OrchestratorError("%s", result.Reason)
	o.endSession("auth_error", result.Reason)
}

// handleIntervention ends the run paused. The intervention is recorded
// so the learner can predict the same situation next time.
func (o *Orchestrator) handleIntervention(mem *memory.Manager, result session.Result) {
	o.endSession("intervention", result.Reason)

	if _, err := mem.EndSession("interrupted", memory.EndSessionOptions{
		WarningsForNext: []string{"Human intervention required: " + result.Reason},
	}); err != nil {
		logging.OrchestratorWarn("memory end failed: %v", err)
	}

	errMsg := ""
	if len(result.ErrorTexts) > 0 {
		errMsg = result.Reason
	}
	sig := intervention.NewSignature("", "intervention_required", errMsg, "", "")
	if _, err := o.learner.Record(o.sessionID, intervention.TypeGuidance, sig, "Session paused for human intervention", intervention.RecordOptions{
		ContextDetails: map[string]interface{}{"reason": result.Reason},
	}); err != nil {
		logging.OrchestratorWarn("intervention record failed: %v", err)
	}

	if _, err := o.pauser.Pause(o.sessionID, result.Reason); err != nil {
		logging.OrchestratorWarn("pause failed: %v", err)
	} else {
		logging.Orchestrator("Paused for human input. Review with 'arcadia respond --list', then start a new run.")
	}
}

func (o *Orchestrator) handleError(ctx context.Context, result session.Result) bool {
	o.consecutiveErrors++
	if o.consecutiveErrors >= maxConsecutiveErrors {
		reason := fmt.Sprintf("Too many consecutive errors: %d", o.consecutiveErrors)
		o.endSession("error", reason)
		report := analyzeFailure(result, o.history)
		logging.OrchestratorError("%s", report.Format())
		return true
	}
	o.endSession("error_retry", result.Reason)
	logging.OrchestratorWarn("Session error (%d/%d): %s", o.consecutiveErrors, maxConsecutiveErrors, result.Reason)
	sleep(ctx, o.autoDelay)
	return false
}

// handleContinue decides whether the loop keeps going after a normal
// session. Progress means more tests passing or a changed git state.
func (o *Orchestrator) handleContinue(ctx context.Context, result session.Result) bool {
	o.consecutiveErrors = 0

	stats, err := o.features.Stats()
	if err != nil {
		logging.OrchestratorWarn("feature stats failed: %v", err)
	}
	currentGit := stall.GitStateHash(o.projectDir)
	prevPassing := o.history.PreviousPassing()
	prevGit := o.history.PreviousGitHash()
	madeProgress := stats.Passing > prevPassing || (currentGit != prevGit && prevGit != "")

	if status, serr := o.stalls.CheckProgress(stats.Passing, currentGit); serr == nil && status.IsStalled {
		logging.OrchestratorWarn("%s", status.Message)
	}

	if !madeProgress {
		ectx := escalation.NewContext()
		ectx.Confidence = 0.5
		ectx.ConsecutiveFailures = o.history.RepeatedRecentErrors()
		if res := o.escalator.Evaluate(ectx); res != nil && res.Rule.AutoPause {
			o.logEscalationDecision(res)
		}
	}

	gitThreshold := o.cfg.MaxNoProgress
	if gitThreshold <= 0 {
		gitThreshold = 999
	}
	if looping, reason := o.history.CheckCyclic(cyclicErrorThreshold, cyclicBlockThreshold, gitThreshold); looping {
		o.logStopDecision("Cyclic behavior", reason)
		o.endSession("cyclic", reason)
		return true
	}
	if stats.Total > 0 && o.cfg.MaxNoProgress > 0 {
		if stalled, reason := o.history.DetectNoTestProgress(o.cfg.MaxNoProgress); stalled {
			o.logStopDecision("No test progress", reason)
			o.endSession("no_progress", reason)
			return true
		}
	}

	o.endSession("continue", fmt.Sprintf("Progress: %d/%d tests passing", stats.Passing, stats.Total))

	if o.shouldRunAudit(stats) {
		if err := o.runAudit(ctx); err != nil {
			logging.OrchestratorWarn("audit session failed: %v", err)
		}
	}

	sleep(ctx, o.autoDelay)
	return false
}

func (o *Orchestrator) logEscalationDecision(res *escalation.Result) {
	logging.OrchestratorWarn("Escalation rule %s matched: %s", res.Rule.RuleID, res.Message)
	if _, err := o.decisions.Log(decision.Request{
		Type:         decision.TypeEscalation,
		Context:      "No progress detected",
		Choice:       "pause_for_human_review",
		Alternatives: res.Rule.SuggestedActions,
		Rationale:    res.Message,
		Confidence:   0.3,
	}); err != nil {
		logging.OrchestratorWarn("escalation decision log failed: %v", err)
	}
	if _, err := o.observer.LogDecision(decision.TypeEscalation, "pause_for_human_review", res.Rule.SuggestedActions, res.Message, 0.3, nil); err != nil {
		logging.OrchestratorWarn("escalation decision event failed: %v", err)
	}
}

func (o *Orchestrator) logStopDecision(context, reason string) {
	logging.Orchestrator("Stopping: %s", reason)
	if _, err := o.decisions.Log(decision.Request{
		Type:            decision.TypeErrorHandling,
		Context:         context,
		Choice:          "stop_session",
		Alternatives:    []string{"continue", "skip_feature", "rollback"},
		Rationale:       "Agent is stuck or not making progress",
		Confidence:      0.8,
		InputsConsulted: []string{"session_history", "test_results"},
	}); err != nil {
		logging.OrchestratorWarn("stop decision log failed: %v", err)
	}
}

func (o *Orchestrator) endSession(status, reason string) {
	if _, err := o.observer.EndSession(status, reason, nil); err != nil {
		logging.OrchestratorWarn("session end event failed: %v", err)
	}
	cost := 0.0
	if m, err := o.observer.SessionMetrics(o.sessionID); err == nil {
		cost = m.EstimatedCostUSD
	}
	if err := o.store.EndSession(o.sessionID, status, cost); err != nil {
		logging.OrchestratorWarn("session row close failed: %v", err)
	}
}

func (o *Orchestrator) logRunSummary() {
	if stats, err := o.features.Stats(); err == nil && stats.Total > 0 {
		logging.Orchestrator("Final: %d/%d tests passing after %d session(s)", stats.Passing, stats.Total, o.iteration)
	}
	if m, err := o.observer.RunMetrics(); err == nil {
		logging.Orchestrator("%s", observability.FormatMetricsSummary(m))
	}
}

// bashRiskChecker raises the autonomy bar with the command's risk, so a
// critical command (force push, recursive delete) needs FULL_AUTO or a
// human override while ordinary commands run at EXECUTE_SAFE.
func bashRiskChecker(input map[string]interface{}) autonomy.Level {
	cmd, _ := input["command"].(string)
	if cmd == "" {
		return autonomy.ExecuteSafe
	}
	a := risk.AssessBashCommand(cmd)
	switch {
	case a.Level >= risk.Critical:
		return autonomy.FullAuto
	case a.Level >= risk.High:
		return autonomy.ExecuteReview
	default:
		return autonomy.ExecuteSafe
	}
}

// sleep waits d unless the context is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
