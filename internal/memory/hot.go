// Package memory implements the three-tier session memory: hot working
// state for the current session, warm context from recent sessions, and
// a cold append-only archive with distilled knowledge.
package memory

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"arcadiaforge/internal/store"
)

// Hot memory caps. The working set stays small enough to inline into a
// prompt without crowding out the task itself.
const (
	MaxRecentActions = 20
	MaxRecentFiles   = 10
	maxFocusKeywords = 10
	maxResultLen     = 200
	maxErrorMsgLen   = 500
)

// Hot is the current session's working state, persisted to the
// hot_memory row on every mutation and deleted at session end.
type Hot struct {
	store     *store.ProjectStore
	sessionID int

	state       store.HotMemory
	errorSeq    int
	decisionSeq int
}

// NewHot loads existing hot state for the session, or starts fresh.
func NewHot(st *store.ProjectStore, sessionID int) (*Hot, error) {
	h := &Hot{store: st, sessionID: sessionID}

	existing, err := st.GetHotMemory(sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		h.state = *existing
	} else {
		h.state = store.HotMemory{SessionID: sessionID, StartedAt: time.Now().UTC()}
	}
	h.errorSeq = len(h.state.ActiveErrors) + 1
	h.decisionSeq = len(h.state.PendingDecisions) + 1
	return h, nil
}

func (h *Hot) save() error {
	return h.store.SaveHotMemory(h.state)
}

// SetFocus updates the current feature, task and matching keywords.
func (h *Hot) SetFocus(feature *int, task string, keywords []string) error {
	if len(keywords) > maxFocusKeywords {
		keywords = keywords[:maxFocusKeywords]
	}
	h.state.CurrentFeature = feature
	h.state.CurrentTask = task
	h.state.FocusKeywords = keywords
	return h.save()
}

// AddAction appends to the sliding action window.
func (h *Hot) AddAction(action, result string) error {
	h.state.RecentActions = append(h.state.RecentActions, store.ActionRecord{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Result:    truncate(result, maxResultLen),
	})
	if n := len(h.state.RecentActions); n > MaxRecentActions {
		h.state.RecentActions = h.state.RecentActions[n-MaxRecentActions:]
	}
	return h.save()
}

// AddFile records a file access, moving repeats to the end of the list.
func (h *Hot) AddFile(path string) error {
	files := h.state.RecentFiles[:0]
	for _, f := range h.state.RecentFiles {
		if f != path {
			files = append(files, f)
		}
	}
	files = append(files, path)
	if n := len(files); n > MaxRecentFiles {
		files = files[n-MaxRecentFiles:]
	}
	h.state.RecentFiles = files
	return h.save()
}

// SetHypotheses replaces the hypothesis IDs under active consideration.
func (h *Hot) SetHypotheses(ids []string) error {
	h.state.CurrentHypotheses = ids
	return h.save()
}

// AddHypothesis records a hypothesis ID as under active consideration.
func (h *Hot) AddHypothesis(id string) error {
	for _, existing := range h.state.CurrentHypotheses {
		if existing == id {
			return nil
		}
	}
	h.state.CurrentHypotheses = append(h.state.CurrentHypotheses, id)
	return h.save()
}

// RemoveHypothesis drops a hypothesis ID once it is resolved.
func (h *Hot) RemoveHypothesis(id string) error {
	kept := h.state.CurrentHypotheses[:0]
	for _, existing := range h.state.CurrentHypotheses {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	h.state.CurrentHypotheses = kept
	return h.save()
}

// errorHash dedupes errors by type and message.
func errorHash(errorType, message string) string {
	sum := md5.Sum([]byte(errorType + ":" + message))
	return hex.EncodeToString(sum[:])[:8]
}

// AddError records an error, deduplicating by type and message. A
// repeat bumps the occurrence count instead of adding a row.
func (h *Hot) AddError(errorType, message string, relatedFeatures []int) (store.ActiveError, error) {
	hash := errorHash(errorType, message)
	now := time.Now().UTC()

	for i := range h.state.ActiveErrors {
		e := &h.state.ActiveErrors[i]
		if e.Hash != hash {
			continue
		}
		e.LastSeen = now
		e.OccurrenceCount++
		for _, f := range relatedFeatures {
			if !containsInt(e.RelatedFeatures, f) {
				e.RelatedFeatures = append(e.RelatedFeatures, f)
			}
		}
		return *e, h.save()
	}

	e := store.ActiveError{
		ErrorID:         fmt.Sprintf("ERR-%d-%d", h.sessionID, h.errorSeq),
		ErrorType:       errorType,
		Message:         truncate(message, maxErrorMsgLen),
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
		RelatedFeatures: relatedFeatures,
		Hash:            hash,
	}
	h.errorSeq++
	h.state.ActiveErrors = append(h.state.ActiveErrors, e)
	return e, h.save()
}

// RecordFixAttempt attaches a fix description to an error. Returns
// false when the error ID is unknown.
func (h *Hot) RecordFixAttempt(errorID, fix string) (bool, error) {
	for i := range h.state.ActiveErrors {
		if h.state.ActiveErrors[i].ErrorID == errorID {
			h.state.ActiveErrors[i].FixAttempts = append(h.state.ActiveErrors[i].FixAttempts, fix)
			return true, h.save()
		}
	}
	return false, nil
}

// ResolveError marks an error resolved with a description of the fix.
func (h *Hot) ResolveError(errorID, resolution string) (bool, error) {
	for i := range h.state.ActiveErrors {
		if h.state.ActiveErrors[i].ErrorID == errorID {
			h.state.ActiveErrors[i].Resolved = true
			h.state.ActiveErrors[i].Resolution = resolution
			return true, h.save()
		}
	}
	return false, nil
}

// ActiveErrors returns unresolved errors.
func (h *Hot) ActiveErrors() []store.ActiveError {
	var out []store.ActiveError
	for _, e := range h.state.ActiveErrors {
		if !e.Resolved {
			out = append(out, e)
		}
	}
	return out
}

// ErrorCount returns the number of unresolved errors.
func (h *Hot) ErrorCount() int {
	return len(h.ActiveErrors())
}

// AllErrors returns every error seen this session, resolved included.
func (h *Hot) AllErrors() []store.ActiveError {
	return h.state.ActiveErrors
}

// AddPendingDecision records a decision awaiting an answer.
func (h *Hot) AddPendingDecision(question string, options []string, context string) (store.PendingDecision, error) {
	d := store.PendingDecision{
		DecisionID: fmt.Sprintf("PD-%d-%d", h.sessionID, h.decisionSeq),
		Question:   question,
		Options:    options,
		Context:    context,
		CreatedAt:  time.Now().UTC(),
	}
	h.decisionSeq++
	h.state.PendingDecisions = append(h.state.PendingDecisions, d)
	return d, h.save()
}

// ResolveDecision removes a pending decision once it has been made.
// Returns nil when the ID is unknown.
func (h *Hot) ResolveDecision(decisionID string) (*store.PendingDecision, error) {
	for i, d := range h.state.PendingDecisions {
		if d.DecisionID == decisionID {
			h.state.PendingDecisions = append(
				h.state.PendingDecisions[:i], h.state.PendingDecisions[i+1:]...)
			return &d, h.save()
		}
	}
	return nil, nil
}

// PendingDecisions returns decisions still awaiting an answer.
func (h *Hot) PendingDecisions() []store.PendingDecision {
	return h.state.PendingDecisions
}

// State returns a copy of the persisted hot-memory row.
func (h *Hot) State() store.HotMemory {
	return h.state
}

// Clear wipes hot memory at session end.
func (h *Hot) Clear() error {
	h.state = store.HotMemory{SessionID: h.sessionID, StartedAt: time.Now().UTC()}
	h.errorSeq = 1
	h.decisionSeq = 1
	return h.store.DeleteHotMemory(h.sessionID)
}

// ContextForPrompt renders hot state for inclusion in a prompt.
func (h *Hot) ContextForPrompt() string {
	var lines []string

	if h.state.CurrentFeature != nil {
		lines = append(lines, fmt.Sprintf("Current Feature: #%d", *h.state.CurrentFeature))
	}
	if h.state.CurrentTask != "" {
		lines = append(lines, "Current Task: "+h.state.CurrentTask)
	}
	if len(h.state.FocusKeywords) > 0 {
		lines = append(lines, "Focus Areas: "+strings.Join(h.state.FocusKeywords, ", "))
	}
	if n := len(h.state.RecentFiles); n > 0 {
		recent := h.state.RecentFiles
		if n > 5 {
			recent = recent[n-5:]
		}
		lines = append(lines, "Recently Modified: "+strings.Join(recent, ", "))
	}

	if active := h.ActiveErrors(); len(active) > 0 {
		lines = append(lines, fmt.Sprintf("Active Errors: %d unresolved", len(active)))
		for i, e := range active {
			if i == 3 {
				break
			}
			lines = append(lines, fmt.Sprintf("  - %s: %s", e.ErrorType, truncate(e.Message, 50)))
		}
	}

	if pending := h.state.PendingDecisions; len(pending) > 0 {
		lines = append(lines, fmt.Sprintf("Pending Decisions: %d", len(pending)))
		for i, d := range pending {
			if i == 2 {
				break
			}
			lines = append(lines, "  - "+truncate(d.Question, 50))
		}
	}

	if hyps := h.state.CurrentHypotheses; len(hyps) > 0 {
		lines = append(lines, "Open Hypotheses: "+strings.Join(hyps, ", ")+" (inspect with hypothesis_show)")
	}

	if len(lines) == 0 {
		return "No active context."
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
