package memory

import (
	"fmt"
	"strings"
	"time"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// maxContextMessages caps how many unread handoff messages a prompt
// carries; the rest stay unread for later sessions.
const maxContextMessages = 5

// Manager wires the three tiers together for one session. Hot state is
// written as the session runs; EndSession digests it into warm memory
// and clears the hot row.
type Manager struct {
	Hot  *Hot
	Warm *Warm
	Cold *Cold

	store     *store.ProjectStore
	sessionID int
	startedAt time.Time
}

// NewManager opens memory for a session, loading any existing hot state.
func NewManager(st *store.ProjectStore, sessionID int) (*Manager, error) {
	hot, err := NewHot(st, sessionID)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		Hot:       hot,
		Warm:      NewWarm(st),
		Cold:      NewCold(st),
		store:     st,
		sessionID: sessionID,
		startedAt: hot.State().StartedAt,
	}
	logging.MemoryDebug("Memory opened for session %d", sessionID)
	return m, nil
}

func (m *Manager) SessionID() int { return m.sessionID }

// RecordAction forwards to hot memory.
func (m *Manager) RecordAction(action, result string) error {
	return m.Hot.AddAction(action, result)
}

// RecordFileAccess forwards to hot memory.
func (m *Manager) RecordFileAccess(path string) error {
	return m.Hot.AddFile(path)
}

// RecordError forwards to hot memory with dedup.
func (m *Manager) RecordError(errorType, message string, relatedFeatures []int) (store.ActiveError, error) {
	return m.Hot.AddError(errorType, message, relatedFeatures)
}

// SetFocus forwards to hot memory.
func (m *Manager) SetFocus(feature *int, task string, keywords []string) error {
	return m.Hot.SetFocus(feature, task, keywords)
}

// LearnPattern records a proven approach in warm memory.
func (m *Manager) LearnPattern(patternType, problem, solution string, keywords []string) (*store.WarmPattern, error) {
	return m.Warm.AddPattern(patternType, problem, solution, keywords, m.sessionID)
}

// Solution is a matched pattern or knowledge entry for a query.
type Solution struct {
	Source     string // "pattern" or "knowledge"
	ID         string
	Problem    string
	Solution   string
	Confidence float64
}

// FindSolutions searches warm patterns and cold knowledge for a query,
// returning both merged. Callers sort by confidence if needed; each
// source already returns best matches first.
func (m *Manager) FindSolutions(query string) ([]Solution, error) {
	var out []Solution

	patterns, err := m.Warm.FindPatterns(query, 0)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		out = append(out, Solution{
			Source:     "pattern",
			ID:         p.PatternID,
			Problem:    p.Pattern,
			Solution:   p.Context,
			Confidence: p.Confidence,
		})
	}

	knowledge, err := m.Cold.SearchKnowledge(query, "", 0)
	if err != nil {
		return nil, err
	}
	for _, k := range knowledge {
		out = append(out, Solution{
			Source:     "knowledge",
			ID:         k.KnowledgeID,
			Problem:    k.Title,
			Solution:   k.Description,
			Confidence: k.Confidence,
		})
	}
	return out, nil
}

// EndSessionOptions carries the counters the orchestrator tracks
// outside memory.
type EndSessionOptions struct {
	FeaturesStarted    int
	FeaturesCompleted  int
	FeaturesRegressed  int
	KeyDecisions       []map[string]interface{}
	PatternsDiscovered []string
	WarningsForNext    []string
	LastCheckpointID   string
	ToolCalls          int
	Escalations        int
	HumanInterventions int
}

// EndSession digests hot state into a warm summary, prunes warm memory
// (archiving overflow to cold), and clears the hot row.
func (m *Manager) EndSession(endingState string, opts EndSessionOptions) (*store.SessionSummary, error) {
	endedAt := time.Now().UTC()
	hot := m.Hot.State()

	var encountered, resolved []map[string]interface{}
	for _, e := range hot.ActiveErrors {
		entry := map[string]interface{}{
			"error_id":    e.ErrorID,
			"error_type":  e.ErrorType,
			"message":     e.Message,
			"occurrences": e.OccurrenceCount,
		}
		encountered = append(encountered, entry)
		if e.Resolved {
			resolved = append(resolved, entry)
		}
	}

	sum := store.SessionSummary{
		SessionID:          m.sessionID,
		StartedAt:          m.startedAt,
		EndedAt:            endedAt,
		DurationSeconds:    endedAt.Sub(m.startedAt).Seconds(),
		FeaturesStarted:    opts.FeaturesStarted,
		FeaturesCompleted:  opts.FeaturesCompleted,
		FeaturesRegressed:  opts.FeaturesRegressed,
		KeyDecisions:       opts.KeyDecisions,
		ErrorsEncountered:  encountered,
		ErrorsResolved:     resolved,
		LastFeatureWorked:  hot.CurrentFeature,
		LastCheckpointID:   opts.LastCheckpointID,
		EndingState:        endingState,
		PatternsDiscovered: opts.PatternsDiscovered,
		WarningsForNext:    opts.WarningsForNext,
		ToolCalls:          opts.ToolCalls,
		Escalations:        opts.Escalations,
		HumanInterventions: opts.HumanInterventions,
	}

	if err := m.Warm.AddSessionSummary(sum); err != nil {
		return nil, err
	}
	// Warnings also go out as messages: warm summaries age out after a
	// few sessions, but a message stays unread until a session sees it.
	for _, w := range opts.WarningsForNext {
		if _, err := m.LeaveMessage("warning", w, "", 2, nil); err != nil {
			logging.MemoryDebug("warning handoff failed: %v", err)
		}
	}
	if err := m.Hot.Clear(); err != nil {
		return nil, err
	}
	logging.Memory("Session %d ended (%s): %d completed, %d errors",
		m.sessionID, endingState, sum.FeaturesCompleted, len(encountered))
	return &sum, nil
}

// LeaveMessage stores a note addressed to future sessions.
func (m *Manager) LeaveMessage(messageType, subject, body string, priority int, relatedFeatures []int) (*store.AgentMessage, error) {
	if priority < 1 || priority > 5 {
		priority = 3
	}
	seq, err := m.store.NextMessageSeq()
	if err != nil {
		return nil, err
	}
	msg := store.AgentMessage{
		MessageID:        fmt.Sprintf("MSG-%d-%d", m.sessionID, seq),
		CreatedBySession: m.sessionID,
		MessageType:      messageType,
		Priority:         priority,
		Subject:          subject,
		Body:             body,
		RelatedFeatures:  relatedFeatures,
	}
	if err := m.store.InsertAgentMessage(msg); err != nil {
		return nil, err
	}
	logging.Memory("Left %s message %s: %s", messageType, msg.MessageID, subject)
	return &msg, nil
}

// UnreadMessages returns the handoff messages this session has not seen.
func (m *Manager) UnreadMessages() ([]store.AgentMessage, error) {
	return m.store.UnreadMessages(m.sessionID)
}

// FullContext joins the three tier renderings for a prompt, plus any
// unread messages left by earlier sessions. Messages included here are
// marked read so they do not repeat next session.
func (m *Manager) FullContext() string {
	out := "## Current Session\n" + m.Hot.ContextForPrompt() +
		"\n\n## Recent Sessions\n" + m.Warm.ContextForPrompt() +
		"\n\n## Project History\n" + m.Cold.ContextForPrompt()
	if notes := m.consumeMessages(); notes != "" {
		out += "\n\n## Messages from earlier sessions\n" + notes
	}
	return out
}

func (m *Manager) consumeMessages() string {
	msgs, err := m.store.UnreadMessages(m.sessionID)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, msg := range msgs {
		if i >= maxContextMessages {
			fmt.Fprintf(&b, "(%d more unread)\n", len(msgs)-i)
			break
		}
		fmt.Fprintf(&b, "- [%s, session %d] %s", msg.MessageType, msg.CreatedBySession, msg.Subject)
		if msg.Body != "" {
			b.WriteString(": " + msg.Body)
		}
		b.WriteByte('\n')
		if err := m.store.MarkMessageRead(msg.MessageID, m.sessionID); err != nil {
			logging.MemoryDebug("mark read failed for %s: %v", msg.MessageID, err)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
