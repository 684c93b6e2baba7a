// Package stall detects when the agent stops making forward progress.
// Session-level stalls (no features passed, no file changes) persist in
// the store and escalate after a threshold of consecutive sessions;
// cyclic behavior inside a run (repeated errors, repeated blocked
// commands, unchanged git state, flat passing counts) is tracked
// in-process by History.
package stall

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Stall types.
const (
	TypeNoProgress        = "no_progress"
	TypeCyclic            = "cyclic"
	TypeCapabilityMissing = "capability_missing"
)

const (
	// DefaultThreshold is the consecutive no-progress sessions before
	// escalation.
	DefaultThreshold = 5
	// DefaultCyclicThreshold is the repeat count that flags a cycle.
	DefaultCyclicThreshold = 3

	// cyclicWindow bounds how far back repeat counting looks.
	cyclicWindow = 10
)

// Status is the result of a progress check.
type Status struct {
	IsStalled           bool
	StallType           string
	ConsecutiveSessions int
	Message             string
	ShouldEscalate      bool
	BlockedOn           string
	BlockedFeatures     []int
	MissingCapability   string
	RecordID            int64
}

// Detector tracks progress between sessions against a store-backed
// stall record.
type Detector struct {
	store     *store.ProjectStore
	threshold int

	sessionID    int
	startPassing int
	startGitHash string
}

// NewDetector creates a detector. threshold 0 means the default.
func NewDetector(st *store.ProjectStore, threshold int) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{store: st, threshold: threshold}
}

func (d *Detector) Threshold() int { return d.threshold }

// SetSessionBaseline records where this session starts from. Call at
// session start.
func (d *Detector) SetSessionBaseline(sessionID, passingCount int, gitHash string) {
	d.sessionID = sessionID
	d.startPassing = passingCount
	d.startGitHash = gitHash
}

// CheckProgress compares the session's end state with its baseline.
// Progress means more passing features or a changed git state; it
// resolves any open stall. No progress opens or extends a stall record.
func (d *Detector) CheckProgress(currentPassing int, currentGitHash string) (Status, error) {
	testsImproved := currentPassing > d.startPassing
	gitChanged := currentGitHash != "" && d.startGitHash != "" && currentGitHash != d.startGitHash

	if testsImproved || gitChanged {
		if err := d.resolveOpenStalls("Progress made"); err != nil {
			return Status{}, err
		}
		return Status{Message: "Progress made this session"}, nil
	}

	open, err := d.openStall()
	if err != nil {
		return Status{}, err
	}

	var status Status
	if open != nil {
		if err := d.store.TouchStallRecord(open.ID, d.sessionID, currentPassing, currentGitHash); err != nil {
			return Status{}, err
		}
		status = Status{
			StallType:           open.StallType,
			ConsecutiveSessions: open.ConsecutiveSessions + 1,
			BlockedOn:           open.BlockedOn,
			BlockedFeatures:     open.BlockedFeatures,
			MissingCapability:   open.MissingCapability,
			RecordID:            open.ID,
		}
	} else {
		id, err := d.store.InsertStallRecord(store.StallRecord{
			SessionID:           d.sessionID,
			StallType:           TypeNoProgress,
			ConsecutiveSessions: 1,
			LastPassingCount:    currentPassing,
			LastGitHash:         currentGitHash,
		})
		if err != nil {
			return Status{}, err
		}
		status = Status{
			StallType:           TypeNoProgress,
			ConsecutiveSessions: 1,
			RecordID:            id,
		}
	}

	status.IsStalled = status.ConsecutiveSessions >= 2
	status.ShouldEscalate = status.ConsecutiveSessions >= d.threshold
	if status.ShouldEscalate {
		msg := fmt.Sprintf("STALL DETECTED: No progress for %d consecutive sessions. Features passing: %d. ",
			status.ConsecutiveSessions, currentPassing)
		if status.BlockedOn != "" {
			msg += fmt.Sprintf("Blocked on: %s. ", status.BlockedOn)
		}
		if status.MissingCapability != "" {
			msg += fmt.Sprintf("Missing capability: %s. ", status.MissingCapability)
		}
		status.Message = msg
		logging.Stall("%s", msg)
	} else {
		status.Message = fmt.Sprintf("No progress this session (%d/%d threshold)",
			status.ConsecutiveSessions, d.threshold)
		logging.StallDebug("%s", status.Message)
	}
	return status, nil
}

// openStall returns the newest unresolved record of any type.
func (d *Detector) openStall() (*store.StallRecord, error) {
	open, err := d.store.ListStallRecords(true, 1)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return &open[0], nil
}

func (d *Detector) resolveOpenStalls(resolution string) error {
	open, err := d.store.ListStallRecords(true, 0)
	if err != nil {
		return err
	}
	for _, r := range open {
		if err := d.store.ResolveStallRecord(r.ID, resolution); err != nil {
			return err
		}
		logging.Stall("Stall #%d resolved: %s", r.ID, resolution)
	}
	return nil
}

// RecordCapabilityStall opens a stall for a missing system capability
// (docker, a compiler) that blocks features.
func (d *Detector) RecordCapabilityStall(capability, reason string, blockedFeatures []int) (int64, error) {
	id, err := d.store.InsertStallRecord(store.StallRecord{
		SessionID:           d.sessionID,
		StallType:           TypeCapabilityMissing,
		ConsecutiveSessions: 1,
		BlockedOn:           reason,
		BlockedFeatures:     blockedFeatures,
		MissingCapability:   capability,
	})
	if err == nil {
		logging.Stall("Capability stall: %s (%s)", capability, reason)
	}
	return id, err
}

// MarkEscalated flags a stall record as handed to a human.
func (d *Detector) MarkEscalated(recordID int64) error {
	return d.store.MarkStallEscalated(recordID)
}

// Resolve closes a stall record with a note.
func (d *Detector) Resolve(recordID int64, resolution string) error {
	return d.store.ResolveStallRecord(recordID, resolution)
}

// Summary aggregates recent stall history for agent context.
type Summary struct {
	TotalStalls      int
	UnresolvedStalls int
	Recent           []store.StallRecord
}

// StallSummary looks at the last ten records.
func (d *Detector) StallSummary() (*Summary, error) {
	records, err := d.store.ListStallRecords(false, 10)
	if err != nil {
		return nil, err
	}
	sum := &Summary{TotalStalls: len(records)}
	for _, r := range records {
		if !r.Resolved {
			sum.UnresolvedStalls++
		}
	}
	if len(records) > 5 {
		records = records[:5]
	}
	sum.Recent = records
	return sum, nil
}

// FormatWarning renders the banner shown when a stall escalates.
func FormatWarning(s Status) string {
	var b strings.Builder
	line := strings.Repeat("=", 60)
	b.WriteString(line + "\nSTALL DETECTED\n" + line + "\n")
	fmt.Fprintf(&b, "Type: %s\n", s.StallType)
	fmt.Fprintf(&b, "Sessions without progress: %d\n", s.ConsecutiveSessions)
	if s.BlockedOn != "" {
		fmt.Fprintf(&b, "Blocked on: %s\n", s.BlockedOn)
	}
	if s.MissingCapability != "" {
		fmt.Fprintf(&b, "Missing capability: %s\n", s.MissingCapability)
	}
	b.WriteString("The agent will continue running, but human intervention may be needed.")
	return b.String()
}

// GitStateHash digests the worktree status plus HEAD into a short hash
// so unchanged trees compare equal. Returns "no-git" when the directory
// is not a usable repository.
func GitStateHash(projectDir string) string {
	repo, err := git.PlainOpen(projectDir)
	if err != nil {
		return "no-git"
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "no-git"
	}
	status, err := wt.Status()
	if err != nil {
		return "no-git"
	}
	head, err := repo.Head()
	if err != nil {
		return "no-git"
	}
	sum := md5.Sum([]byte(status.String() + head.Hash().String()))
	return hex.EncodeToString(sum[:])[:12]
}

// History tracks repeat signals within one run for cyclic detection.
type History struct {
	errorHashes     []string
	blockedCommands []string
	gitHashes       []string
	passingCounts   []int
}

// AddError records a normalized error hash.
func (h *History) AddError(errorText string) {
	t := strings.TrimSpace(errorText)
	if len(t) > 200 {
		t = t[:200]
	}
	sum := md5.Sum([]byte(t))
	h.errorHashes = append(h.errorHashes, hex.EncodeToString(sum[:])[:8])
}

// AddBlockedCommand records a command the security layer refused.
func (h *History) AddBlockedCommand(command string) {
	c := strings.TrimSpace(command)
	if len(c) > 100 {
		c = c[:100]
	}
	h.blockedCommands = append(h.blockedCommands, c)
}

// AddGitHash records the git state after an iteration.
func (h *History) AddGitHash(gitHash string) {
	h.gitHashes = append(h.gitHashes, gitHash)
}

// AddPassingCount records the passing feature count after an iteration.
func (h *History) AddPassingCount(count int) {
	h.passingCounts = append(h.passingCounts, count)
}

// PreviousPassing returns the passing count recorded before the latest
// one, or 0 when fewer than two iterations have run.
func (h *History) PreviousPassing() int {
	if len(h.passingCounts) < 2 {
		return 0
	}
	return h.passingCounts[len(h.passingCounts)-2]
}

// PreviousGitHash returns the git hash recorded before the latest one,
// or "" when fewer than two iterations have run.
func (h *History) PreviousGitHash() string {
	if len(h.gitHashes) < 2 {
		return ""
	}
	return h.gitHashes[len(h.gitHashes)-2]
}

// RepeatedRecentErrors counts how many of the last five error hashes
// appear more than once across the whole run. It approximates how stuck
// the agent is on recurring failures.
func (h *History) RepeatedRecentErrors() int {
	counts := make(map[string]int, len(h.errorHashes))
	for _, e := range h.errorHashes {
		counts[e]++
	}
	tail := h.errorHashes
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	n := 0
	for _, e := range tail {
		if counts[e] > 1 {
			n++
		}
	}
	return n
}

// DetectCyclicErrors reports whether one error repeats within the
// recent window. threshold 0 means the default.
func (h *History) DetectCyclicErrors(threshold int) (bool, string) {
	if threshold <= 0 {
		threshold = DefaultCyclicThreshold
	}
	if len(h.errorHashes) < threshold {
		return false, ""
	}
	_, count := mostCommon(recent(h.errorHashes))
	if count >= threshold {
		return true, fmt.Sprintf("Same error repeated %d times", count)
	}
	return false, ""
}

// DetectCyclicBlocks reports whether one command keeps being blocked.
func (h *History) DetectCyclicBlocks(threshold int) (bool, string) {
	if threshold <= 0 {
		threshold = DefaultCyclicThreshold
	}
	if len(h.blockedCommands) < threshold {
		return false, ""
	}
	cmd, count := mostCommon(recent(h.blockedCommands))
	if count >= threshold {
		if len(cmd) > 50 {
			cmd = cmd[:50]
		}
		return true, fmt.Sprintf("Command '%s' blocked %d times", cmd, count)
	}
	return false, ""
}

// DetectNoGitChanges reports whether the git state has been frozen for
// the last threshold iterations.
func (h *History) DetectNoGitChanges(threshold int) (bool, string) {
	if threshold <= 0 {
		threshold = DefaultCyclicThreshold
	}
	if len(h.gitHashes) < threshold {
		return false, ""
	}
	tail := h.gitHashes[len(h.gitHashes)-threshold:]
	for _, g := range tail {
		if g != tail[0] {
			return false, ""
		}
	}
	return true, fmt.Sprintf("No file changes for %d iterations", threshold)
}

// DetectNoTestProgress reports whether the passing count is stuck at a
// nonzero value.
func (h *History) DetectNoTestProgress(threshold int) (bool, string) {
	if threshold <= 0 {
		threshold = DefaultCyclicThreshold
	}
	if len(h.passingCounts) < threshold {
		return false, ""
	}
	tail := h.passingCounts[len(h.passingCounts)-threshold:]
	for _, c := range tail {
		if c != tail[0] {
			return false, ""
		}
	}
	if tail[0] == 0 {
		return false, ""
	}
	return true, fmt.Sprintf("Test count stuck at %d for %d iterations", tail[0], threshold)
}

// CheckCyclic runs the cyclic checks in order: repeated errors, then
// repeated blocked commands, then an unchanged git state.
func (h *History) CheckCyclic(errorThreshold, blockThreshold, gitThreshold int) (bool, string) {
	if ok, reason := h.DetectCyclicErrors(errorThreshold); ok {
		return true, reason
	}
	if ok, reason := h.DetectCyclicBlocks(blockThreshold); ok {
		return true, reason
	}
	if ok, reason := h.DetectNoGitChanges(gitThreshold); ok {
		return true, reason
	}
	return false, ""
}

func recent(list []string) []string {
	if len(list) > cyclicWindow {
		return list[len(list)-cyclicWindow:]
	}
	return list
}

// mostCommon returns the most frequent value, first-seen winning ties.
func mostCommon(list []string) (string, int) {
	counts := make(map[string]int, len(list))
	for _, v := range list {
		counts[v]++
	}
	best, bestCount := "", 0
	for _, v := range list {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best, bestCount
}
