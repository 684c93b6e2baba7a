package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/genai"

	"arcadiaforge/internal/artifact"
	"arcadiaforge/internal/checkpoint"
	"arcadiaforge/internal/feature"
	"arcadiaforge/internal/hypothesis"
	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/memory"
	"arcadiaforge/internal/observability"
	"arcadiaforge/internal/stall"
	"arcadiaforge/internal/store"
)

// ProjectTools layers the feature-store and hypothesis tools on top of
// the workspace tools. The feature store is the source of truth for
// progress, so the agent mutates it through these tools instead of
// touching the database. Marking a feature passing requires screenshot
// evidence on disk unless the agent explicitly skips verification, and
// a verified passing mark takes a feature_complete checkpoint, which is
// what later rollbacks restore to.
type ProjectTools struct {
	Workspace   *WorkspaceTools
	Features    *feature.List
	Store       *store.ProjectStore
	Checkpoints *checkpoint.Manager
	Observer    *observability.Observer
	Memory      *memory.Manager
	Artifacts   *artifact.Store
	Hypotheses  *hypothesis.Tracker
	Stalls      *stall.Detector

	// ProjectDir enables the verification gate on feature_mark. Empty
	// means no evidence is required.
	ProjectDir string
	SessionID  int
}

func (p *ProjectTools) Dispatch(ctx context.Context, call ToolCall) ToolOutput {
	switch call.Name {
	case "feature_mark":
		return p.markFeature(call.Input)
	case "feature_skip":
		return p.skipFeature(call.Input)
	case "feature_add":
		return p.addFeature(call.Input)
	case "feature_list":
		return p.listFeatures(call.Input)
	case "feature_focus":
		return p.focusFeature(call.Input)
	case "feature_block":
		return p.blockFeatures(call.Input)
	case "feature_unblock":
		return p.unblockFeatures(call.Input)
	case "hypothesis_create":
		return p.createHypothesis(call.Input)
	case "hypothesis_list":
		return p.listHypotheses(call.Input)
	case "hypothesis_show":
		return p.showHypothesis(call.Input)
	case "hypothesis_add_evidence":
		return p.addHypothesisEvidence(call.Input)
	case "hypothesis_resolve":
		return p.resolveHypothesis(call.Input)
	case "hypothesis_search":
		return p.searchHypotheses(call.Input)
	default:
		return p.Workspace.Dispatch(ctx, call)
	}
}

func (p *ProjectTools) markFeature(input map[string]interface{}) ToolOutput {
	if input["index"] == nil {
		return ToolOutput{Content: "feature_mark requires an integer 'index'", IsError: true}
	}
	index := intArg(input, "index")

	passes := true
	if v, ok := input["passes"].(bool); ok {
		passes = v
	}
	skipVerification := boolArg(input, "skip_verification")

	// Passing marks need evidence on disk. The agent can bypass the
	// gate with skip_verification, which flags the feature for audit.
	var evidence []string
	if passes && !skipVerification && p.ProjectDir != "" {
		evidence = artifact.FindVerificationScreenshots(p.ProjectDir, index)
		if len(evidence) == 0 {
			return ToolOutput{
				Content: fmt.Sprintf("VALIDATION FAILED: no screenshots found for feature %d. Save evidence to 'verification/feature_%d_evidence.png' first, or pass skip_verification=true if this feature cannot be verified here.", index, index),
				IsError: true,
			}
		}
	}

	var err error
	switch {
	case passes && skipVerification:
		err = p.Store.SetFeaturePasses(index, true, true)
	case passes:
		err = p.Features.MarkPassing(index)
	default:
		err = p.Features.MarkFailing(index)
	}
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to mark feature %d: %v", index, err), IsError: true}
	}

	switch {
	case passes && skipVerification:
		p.logFeatureEvent(observability.EventFeatureSkipped, index, "verification skipped")
	case passes:
		p.saveVerificationEvidence(index, evidence)
		if p.Checkpoints != nil {
			if _, cperr := p.Checkpoints.Create(checkpoint.TriggerFeatureComplete, p.SessionID, checkpoint.CreateOptions{
				Metadata: map[string]interface{}{"feature_index": index},
			}); cperr != nil {
				logging.SessionWarn("feature_complete checkpoint failed: %v", cperr)
			}
		}
		p.logFeatureEvent(observability.EventFeatureCompleted, index, "")
	default:
		p.logFeatureEvent(observability.EventFeatureFailed, index, "")
	}

	state := "failing"
	if passes {
		state = "passing"
	}
	if stats, serr := p.Features.Stats(); serr == nil {
		return ToolOutput{Content: fmt.Sprintf("Feature %d marked %s (%d/%d passing)", index, state, stats.Passing, stats.Total)}
	}
	return ToolOutput{Content: fmt.Sprintf("Feature %d marked %s", index, state)}
}

// saveVerificationEvidence indexes the screenshots that satisfied the
// gate. Files already stored under artifacts/ are left alone.
func (p *ProjectTools) saveVerificationEvidence(index int, shots []string) {
	if p.Artifacts == nil {
		return
	}
	artifactsDir := filepath.Join(p.ProjectDir, "artifacts") + string(os.PathSeparator)
	for _, shot := range shots {
		if strings.HasPrefix(shot, artifactsDir) {
			continue
		}
		if _, err := p.Artifacts.Save(artifact.TypeVerification, shot, p.SessionID, artifact.StoreOptions{
			FeatureIndex: &index,
			Description:  fmt.Sprintf("screenshot evidence for feature %d", index),
		}); err != nil {
			logging.SessionWarn("verification artifact save failed: %v", err)
		}
	}
}

func (p *ProjectTools) skipFeature(input map[string]interface{}) ToolOutput {
	if input["index"] == nil {
		return ToolOutput{Content: "feature_skip requires an integer 'index'", IsError: true}
	}
	index := intArg(input, "index")
	reason := stringArg(input, "reason")

	// Skipped features count as passing but keep the skipped flag so the
	// audit pass can revisit them.
	if err := p.Store.SetFeaturePasses(index, true, true); err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to skip feature %d: %v", index, err), IsError: true}
	}
	p.logFeatureEvent(observability.EventFeatureSkipped, index, reason)

	if reason != "" {
		return ToolOutput{Content: fmt.Sprintf("Feature %d skipped: %s", index, reason)}
	}
	return ToolOutput{Content: fmt.Sprintf("Feature %d skipped", index)}
}

func (p *ProjectTools) addFeature(input map[string]interface{}) ToolOutput {
	description := stringArg(input, "description")
	if description == "" {
		return ToolOutput{Content: "feature_add requires a 'description'", IsError: true}
	}
	category := stringArg(input, "category")
	if category == "" {
		category = "functional"
	}

	f, err := p.Features.Add(description, stringSliceArg(input, "steps"), category)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to add feature: %v", err), IsError: true}
	}
	p.logFeatureEvent(observability.EventFeatureStarted, f.Index, description)
	return ToolOutput{Content: fmt.Sprintf("Added feature %d: %s", f.Index, description)}
}

func (p *ProjectTools) listFeatures(input map[string]interface{}) ToolOutput {
	status := stringArg(input, "status")
	if status == "blocked" {
		return p.listBlockedFeatures()
	}
	category := stringArg(input, "category")
	limit := intArg(input, "limit")
	if limit <= 0 {
		limit = 20
	}

	features, err := p.Features.Filter(status, category, limit)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to list features: %v", err), IsError: true}
	}

	var b strings.Builder
	if stats, serr := p.Features.Stats(); serr == nil {
		fmt.Fprintf(&b, "%d/%d passing\n", stats.Passing, stats.Total)
	}
	for _, f := range features {
		mark := "✗"
		if f.Passes {
			mark = "✓"
		}
		if f.VerificationSkipped {
			mark = "s"
		}
		fmt.Fprintf(&b, "[%3d] %s %s (%s)\n", f.Index, mark, f.Description, f.Category)
	}
	if len(features) == 0 {
		b.WriteString("no features match\n")
	}
	return ToolOutput{Content: strings.TrimRight(b.String(), "\n")}
}

func (p *ProjectTools) listBlockedFeatures() ToolOutput {
	features, err := p.Features.CapabilityBlocked()
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to list blocked features: %v", err), IsError: true}
	}
	if len(features) == 0 {
		return ToolOutput{Content: "No features are blocked on a missing capability."}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d feature(s) blocked on missing capabilities\n", len(features))
	for _, f := range features {
		fmt.Fprintf(&b, "[%3d] %s\n      blocked: %s\n", f.Index, f.Description, feature.CapabilityBlockReason(f))
	}
	return ToolOutput{Content: strings.TrimRight(b.String(), "\n")}
}

func (p *ProjectTools) focusFeature(input map[string]interface{}) ToolOutput {
	if p.Memory == nil {
		return ToolOutput{Content: "no session memory attached", IsError: true}
	}
	if input["index"] == nil {
		return ToolOutput{Content: "feature_focus requires an integer 'index'", IsError: true}
	}
	index := intArg(input, "index")
	task := stringArg(input, "task")
	if task == "" {
		if f, err := p.Store.GetFeature(index); err == nil && f != nil {
			task = f.Description
		}
	}
	if err := p.Memory.SetFocus(&index, task, nil); err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to set focus: %v", err), IsError: true}
	}
	return ToolOutput{Content: fmt.Sprintf("Focused feature %d", index)}
}

func (p *ProjectTools) blockFeatures(input map[string]interface{}) ToolOutput {
	indices := intSliceArg(input, "feature_ids")
	capability := stringArg(input, "capability")
	if len(indices) == 0 || capability == "" {
		return ToolOutput{Content: "feature_block requires 'feature_ids' and the missing 'capability'", IsError: true}
	}
	reason := stringArg(input, "reason")
	if reason == "" {
		reason = "missing capability: " + capability
	}

	blocked, err := p.Features.BlockOnCapability(indices, reason)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to block features: %v", err), IsError: true}
	}
	if blocked == 0 {
		return ToolOutput{Content: "No matching features to block.", IsError: true}
	}

	// The stall record is what escalation reports to the operator, so the
	// block stays visible even after the session ends.
	if p.Stalls != nil {
		if _, serr := p.Stalls.RecordCapabilityStall(capability, reason, indices); serr != nil {
			logging.SessionWarn("capability stall record failed: %v", serr)
		}
	}
	return ToolOutput{Content: fmt.Sprintf(
		"Blocked %d feature(s) on missing capability %q. They are excluded from selection until feature_unblock clears them.",
		blocked, capability)}
}

func (p *ProjectTools) unblockFeatures(input map[string]interface{}) ToolOutput {
	cleared, err := p.Features.UnblockCapability(intSliceArg(input, "feature_ids"))
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to unblock features: %v", err), IsError: true}
	}
	if cleared == 0 {
		return ToolOutput{Content: "No capability-blocked features to clear."}
	}
	return ToolOutput{Content: fmt.Sprintf("Unblocked %d feature(s).", cleared)}
}

var hypothesisTypeNames = map[string]bool{
	hypothesis.TypeRootCause:     true,
	hypothesis.TypeSideEffect:    true,
	hypothesis.TypeDependency:    true,
	hypothesis.TypePerformance:   true,
	hypothesis.TypeCompatibility: true,
	hypothesis.TypeDesign:        true,
	hypothesis.TypeObservation:   true,
}

func (p *ProjectTools) createHypothesis(input map[string]interface{}) ToolOutput {
	if p.Hypotheses == nil {
		return ToolOutput{Content: "hypothesis tracking is not attached", IsError: true}
	}
	observation := stringArg(input, "observation")
	theory := stringArg(input, "hypothesis")
	if observation == "" || theory == "" {
		return ToolOutput{Content: "hypothesis_create requires 'observation' and 'hypothesis'", IsError: true}
	}
	htype := stringArg(input, "hypothesis_type")
	if !hypothesisTypeNames[htype] {
		htype = hypothesis.TypeObservation
	}

	h, err := p.Hypotheses.Add(hypothesis.Request{
		Type:            htype,
		Observation:     observation,
		Hypothesis:      theory,
		Confidence:      floatArg(input, "confidence"),
		ContextKeywords: stringSliceArg(input, "context_keywords"),
		RelatedFeatures: intSliceArg(input, "related_features"),
		RelatedFiles:    stringSliceArg(input, "related_files"),
	})
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to create hypothesis: %v", err), IsError: true}
	}
	if p.Memory != nil {
		if merr := p.Memory.Hot.AddHypothesis(h.HypothesisID); merr != nil {
			logging.SessionWarn("hot memory hypothesis update failed: %v", merr)
		}
	}
	return ToolOutput{Content: fmt.Sprintf(
		"Created %s (%s, confidence %.0f%%). Add evidence with hypothesis_add_evidence and resolve it once settled.",
		h.HypothesisID, h.HypothesisType, h.Confidence*100)}
}

func (p *ProjectTools) listHypotheses(input map[string]interface{}) ToolOutput {
	if p.Hypotheses == nil {
		return ToolOutput{Content: "hypothesis tracking is not attached", IsError: true}
	}
	status := stringArg(input, "status")
	if status == "" {
		status = hypothesis.StatusOpen
	}

	hs, err := p.Hypotheses.List(store.HypothesisFilter{
		Status:         status,
		HypothesisType: stringArg(input, "hypothesis_type"),
		Limit:          20,
	})
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to list hypotheses: %v", err), IsError: true}
	}
	if len(hs) == 0 {
		return ToolOutput{Content: fmt.Sprintf("No %s hypotheses.", status)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s hypothesis(es)\n", len(hs), status)
	for _, h := range hs {
		b.WriteString(hypothesis.Summary(h) + "\n")
	}
	return ToolOutput{Content: strings.TrimRight(b.String(), "\n")}
}

func (p *ProjectTools) showHypothesis(input map[string]interface{}) ToolOutput {
	if p.Hypotheses == nil {
		return ToolOutput{Content: "hypothesis tracking is not attached", IsError: true}
	}
	id := stringArg(input, "hypothesis_id")
	if id == "" {
		return ToolOutput{Content: "hypothesis_show requires a 'hypothesis_id'", IsError: true}
	}

	h, err := p.Hypotheses.Get(id)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to load hypothesis: %v", err), IsError: true}
	}
	if h == nil {
		return ToolOutput{Content: fmt.Sprintf("hypothesis %s not found", id), IsError: true}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (%s, confidence %.0f%%)\n", h.HypothesisID, h.HypothesisType, h.Status, h.Confidence*100)
	fmt.Fprintf(&b, "Created in session %d\n", h.CreatedSession)
	fmt.Fprintf(&b, "Observation: %s\n", h.Observation)
	fmt.Fprintf(&b, "Hypothesis: %s\n", h.Hypothesis)
	if len(h.ContextKeywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(h.ContextKeywords, ", "))
	}
	if len(h.RelatedFeatures) > 0 {
		fmt.Fprintf(&b, "Related features: %v\n", h.RelatedFeatures)
	}
	if len(h.RelatedFiles) > 0 {
		fmt.Fprintf(&b, "Related files: %s\n", strings.Join(h.RelatedFiles, ", "))
	}
	if len(h.EvidenceFor) > 0 {
		fmt.Fprintf(&b, "Evidence for (%d):\n", len(h.EvidenceFor))
		for _, e := range lastEvidence(h.EvidenceFor, 3) {
			fmt.Fprintf(&b, "  + %s\n", e.Description)
		}
	}
	if len(h.EvidenceAgainst) > 0 {
		fmt.Fprintf(&b, "Evidence against (%d):\n", len(h.EvidenceAgainst))
		for _, e := range lastEvidence(h.EvidenceAgainst, 3) {
			fmt.Fprintf(&b, "  - %s\n", e.Description)
		}
	}
	if h.Resolution != "" {
		fmt.Fprintf(&b, "Resolution: %s\n", h.Resolution)
	}
	fmt.Fprintf(&b, "Reviewed %d time(s), seen in sessions %v", h.ReviewCount, h.SessionsSeen)
	return ToolOutput{Content: b.String()}
}

func (p *ProjectTools) addHypothesisEvidence(input map[string]interface{}) ToolOutput {
	if p.Hypotheses == nil {
		return ToolOutput{Content: "hypothesis tracking is not attached", IsError: true}
	}
	id := stringArg(input, "hypothesis_id")
	description := stringArg(input, "description")
	if id == "" || description == "" {
		return ToolOutput{Content: "hypothesis_add_evidence requires 'hypothesis_id' and 'description'", IsError: true}
	}
	supports := true
	if v, ok := input["supports"].(bool); ok {
		supports = v
	}
	source := stringArg(input, "source")
	if source == "" {
		source = "observation"
	}

	if err := p.Hypotheses.AddEvidence(id, description, supports, source, floatArg(input, "confidence")); err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to add evidence: %v", err), IsError: true}
	}
	if err := p.Hypotheses.MarkReviewed(id); err != nil {
		logging.SessionWarn("hypothesis review bookkeeping failed: %v", err)
	}

	direction := "for"
	if !supports {
		direction = "against"
	}
	if h, herr := p.Hypotheses.Get(id); herr == nil && h != nil {
		return ToolOutput{Content: fmt.Sprintf(
			"Recorded evidence %s %s (%d for, %d against, balance %+.2f)",
			direction, id, len(h.EvidenceFor), len(h.EvidenceAgainst), hypothesis.EvidenceBalance(*h))}
	}
	return ToolOutput{Content: fmt.Sprintf("Recorded evidence %s %s", direction, id)}
}

func (p *ProjectTools) resolveHypothesis(input map[string]interface{}) ToolOutput {
	if p.Hypotheses == nil {
		return ToolOutput{Content: "hypothesis tracking is not attached", IsError: true}
	}
	id := stringArg(input, "hypothesis_id")
	resolution := stringArg(input, "resolution")
	if id == "" || resolution == "" {
		return ToolOutput{Content: "hypothesis_resolve requires 'hypothesis_id' and 'resolution'", IsError: true}
	}

	status := stringArg(input, "status")
	var err error
	switch status {
	case hypothesis.StatusConfirmed, hypothesis.StatusRejected, hypothesis.StatusIrrelevant:
		err = p.Hypotheses.Resolve(id, status, resolution)
	case hypothesis.StatusSuperseded:
		err = p.Hypotheses.Supersede(id, resolution, stringArg(input, "superseded_by"))
	default:
		return ToolOutput{Content: "status must be confirmed, rejected, irrelevant, or superseded", IsError: true}
	}
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to resolve hypothesis: %v", err), IsError: true}
	}
	if p.Memory != nil {
		if merr := p.Memory.Hot.RemoveHypothesis(id); merr != nil {
			logging.SessionWarn("hot memory hypothesis update failed: %v", merr)
		}
	}
	return ToolOutput{Content: fmt.Sprintf("Hypothesis %s resolved as %s", id, status)}
}

func (p *ProjectTools) searchHypotheses(input map[string]interface{}) ToolOutput {
	if p.Hypotheses == nil {
		return ToolOutput{Content: "hypothesis tracking is not attached", IsError: true}
	}
	query := stringArg(input, "query")
	if query == "" {
		return ToolOutput{Content: "hypothesis_search requires a 'query'", IsError: true}
	}

	hs, err := p.Hypotheses.Search(query, 10)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("failed to search hypotheses: %v", err), IsError: true}
	}
	if len(hs) == 0 {
		return ToolOutput{Content: fmt.Sprintf("No hypotheses match %q.", query)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d hypothesis(es) match %q\n", len(hs), query)
	for _, h := range hs {
		b.WriteString(hypothesis.Summary(h) + "\n")
	}
	return ToolOutput{Content: strings.TrimRight(b.String(), "\n")}
}

func lastEvidence(evs []store.Evidence, n int) []store.Evidence {
	if len(evs) <= n {
		return evs
	}
	return evs[len(evs)-n:]
}

func (p *ProjectTools) logFeatureEvent(eventType string, index int, description string) {
	if p.Observer == nil {
		return
	}
	if _, err := p.Observer.LogFeatureEvent(eventType, index, description, nil); err != nil {
		logging.SessionWarn("feature event log failed: %v", err)
	}
}

// Declarations returns the workspace tool declarations plus the
// feature-store and hypothesis tools.
func (p *ProjectTools) Declarations() []*genai.FunctionDeclaration {
	decls := p.Workspace.Declarations()
	decls = append(decls, featureDeclarations()...)
	return append(decls, hypothesisDeclarations()...)
}

func featureDeclarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        "feature_mark",
			Description: "Mark a feature as passing or failing after verifying it end-to-end. Marking passing requires a screenshot saved as verification/feature_<index>_evidence.png unless skip_verification is set.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"index":             {Type: genai.TypeInteger, Description: "Feature index"},
					"passes":            {Type: genai.TypeBoolean, Description: "true if the feature passes verification (default true)"},
					"skip_verification": {Type: genai.TypeBoolean, Description: "Mark passing without screenshot evidence; the feature is flagged for audit"},
				},
				Required: []string{"index"},
			},
		},
		{
			Name:        "feature_skip",
			Description: "Skip verification for a feature that cannot be tested in this environment. Skipped features are revisited during audits.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"index":  {Type: genai.TypeInteger, Description: "Feature index"},
					"reason": {Type: genai.TypeString, Description: "Why verification was skipped"},
				},
				Required: []string{"index"},
			},
		},
		{
			Name:        "feature_add",
			Description: "Add a new feature to the project plan.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"description": {Type: genai.TypeString, Description: "What the feature does, phrased as a verifiable behavior"},
					"steps":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Verification steps"},
					"category":    {Type: genai.TypeString, Description: "functional or style (default functional)"},
				},
				Required: []string{"description"},
			},
		},
		{
			Name:        "feature_list",
			Description: "List features with their pass/fail state.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"status":   {Type: genai.TypeString, Description: "passing, failing, blocked, or empty for all"},
					"category": {Type: genai.TypeString, Description: "Filter by category"},
					"limit":    {Type: genai.TypeInteger, Description: "Maximum rows (default 20)"},
				},
			},
		},
		{
			Name:        "feature_focus",
			Description: "Record which feature you are working on so context survives session boundaries.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"index": {Type: genai.TypeInteger, Description: "Feature index"},
					"task":  {Type: genai.TypeString, Description: "Short description of the current task"},
				},
				Required: []string{"index"},
			},
		},
		{
			Name:        "feature_block",
			Description: "Mark features as blocked on a capability this environment lacks (docker, GPU, external API credentials). Blocked features are excluded from selection and the block is reported to the operator.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"feature_ids": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeInteger}, Description: "Feature indices to block"},
					"capability":  {Type: genai.TypeString, Description: "The capability that is missing, e.g. 'docker'"},
					"reason":      {Type: genai.TypeString, Description: "Why the features cannot proceed without it"},
				},
				Required: []string{"feature_ids", "capability"},
			},
		},
		{
			Name:        "feature_unblock",
			Description: "Clear capability blocks once the capability is available again. Omit feature_ids to clear every blocked feature.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"feature_ids": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeInteger}, Description: "Feature indices to unblock (empty for all)"},
				},
			},
		},
	}
}

func hypothesisDeclarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        "hypothesis_create",
			Description: "Record a theory about the codebase to investigate across sessions. Use it when you notice something you cannot explain yet.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"hypothesis_type":  {Type: genai.TypeString, Description: "root_cause, side_effect, dependency, performance, compatibility, design, or observation"},
					"observation":      {Type: genai.TypeString, Description: "What you saw that prompted the theory"},
					"hypothesis":       {Type: genai.TypeString, Description: "Your explanation of what is happening and why"},
					"confidence":       {Type: genai.TypeNumber, Description: "Initial confidence from 0.0 to 1.0 (default 0.5)"},
					"context_keywords": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Keywords for finding this later"},
					"related_features": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeInteger}, Description: "Feature indices this touches"},
					"related_files":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "File paths this touches"},
				},
				Required: []string{"observation", "hypothesis"},
			},
		},
		{
			Name:        "hypothesis_list",
			Description: "List tracked hypotheses, open ones by default.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"status":          {Type: genai.TypeString, Description: "open, confirmed, rejected, irrelevant, or superseded (default open)"},
					"hypothesis_type": {Type: genai.TypeString, Description: "Filter by type"},
				},
			},
		},
		{
			Name:        "hypothesis_show",
			Description: "Show the full record of one hypothesis including its evidence.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"hypothesis_id": {Type: genai.TypeString, Description: "Hypothesis ID, e.g. HYP-3-1"},
				},
				Required: []string{"hypothesis_id"},
			},
		},
		{
			Name:        "hypothesis_add_evidence",
			Description: "Attach evidence for or against a hypothesis.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"hypothesis_id": {Type: genai.TypeString, Description: "Hypothesis ID"},
					"description":   {Type: genai.TypeString, Description: "What the evidence shows"},
					"supports":      {Type: genai.TypeBoolean, Description: "true if it supports the hypothesis, false if it contradicts (default true)"},
					"source":        {Type: genai.TypeString, Description: "Where it came from: file, test, log, observation"},
					"confidence":    {Type: genai.TypeNumber, Description: "Strength of the evidence from 0.0 to 1.0 (default 0.5)"},
				},
				Required: []string{"hypothesis_id", "description"},
			},
		},
		{
			Name:        "hypothesis_resolve",
			Description: "Close a hypothesis once the evidence settles it.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"hypothesis_id": {Type: genai.TypeString, Description: "Hypothesis ID"},
					"status":        {Type: genai.TypeString, Description: "confirmed, rejected, irrelevant, or superseded"},
					"resolution":    {Type: genai.TypeString, Description: "How it was settled"},
					"superseded_by": {Type: genai.TypeString, Description: "Replacement hypothesis ID when superseded"},
				},
				Required: []string{"hypothesis_id", "status", "resolution"},
			},
		},
		{
			Name:        "hypothesis_search",
			Description: "Search hypotheses by keyword across observations, theories, and tags.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"query": {Type: genai.TypeString, Description: "Search text"},
				},
				Required: []string{"query"},
			},
		},
	}
}
