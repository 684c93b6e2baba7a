// Package checkpoint captures project state at meaningful points so
// sessions can roll back without losing completed work.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/store"
)

// Checkpoint triggers.
const (
	TriggerFeatureComplete = "feature_complete"
	TriggerBeforeRiskyOp   = "before_risky_op"
	TriggerErrorRecovery   = "error_recovery"
	TriggerHumanRequest    = "human_request"
	TriggerSessionEnd      = "session_end"
	TriggerSessionStart    = "session_start"
	TriggerManual          = "manual"
)

// CreateOptions carries the optional fields of Create.
type CreateOptions struct {
	Metadata    map[string]interface{}
	HumanNote   string
	PendingWork []string
}

// RollbackResult reports what a rollback changed.
type RollbackResult struct {
	Success          bool
	CheckpointID     string
	Message          string
	GitReset         bool
	FeaturesRestored bool
	FilesAffected    int
	SafetyCheckpoint string
}

// Manager creates and restores checkpoints for a project.
type Manager struct {
	projectDir string
	store      *store.ProjectStore
}

func NewManager(projectDir string, st *store.ProjectStore) *Manager {
	return &Manager{projectDir: projectDir, store: st}
}

// Create captures git state, feature status and a tracked-files hash.
func (m *Manager) Create(trigger string, sessionID int, opts CreateOptions) (*store.Checkpoint, error) {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "Create")
	defer timer.Stop()

	seq, err := m.store.NextCheckpointSeq()
	if err != nil {
		return nil, err
	}

	commit, branch, clean := m.gitState()
	status, err := m.store.FeatureStatusSnapshot()
	if err != nil {
		return nil, err
	}
	passing, total, err := m.store.CountFeatures()
	if err != nil {
		return nil, err
	}

	var lastSuccessful *int
	for idx, passes := range status {
		if passes && (lastSuccessful == nil || idx > *lastSuccessful) {
			v := idx
			lastSuccessful = &v
		}
	}

	cp := store.Checkpoint{
		CheckpointID:          fmt.Sprintf("CP-%d-%d", sessionID, seq),
		Trigger:               trigger,
		SessionID:             sessionID,
		GitCommit:             commit,
		GitBranch:             branch,
		GitClean:              clean,
		FeatureStatus:         status,
		FeaturesPassing:       passing,
		FeaturesTotal:         total,
		FilesHash:             m.filesHash(),
		LastSuccessfulFeature: lastSuccessful,
		PendingWork:           opts.PendingWork,
		Metadata:              opts.Metadata,
		HumanNote:             opts.HumanNote,
	}
	if err := m.store.InsertCheckpoint(cp); err != nil {
		return nil, err
	}

	logging.Checkpoint("[%s] %s (%d/%d passing, commit=%s)",
		cp.CheckpointID, trigger, passing, total, shortHash(commit))
	return &cp, nil
}

// Get returns a checkpoint by ID, nil when unknown.
func (m *Manager) Get(checkpointID string) (*store.Checkpoint, error) {
	return m.store.GetCheckpoint(checkpointID)
}

// List returns checkpoints newest first.
func (m *Manager) List(limit int) ([]store.Checkpoint, error) {
	return m.store.ListCheckpoints(limit)
}

// Latest returns the most recent checkpoint, or nil.
func (m *Manager) Latest() (*store.Checkpoint, error) {
	return m.store.LatestCheckpoint()
}

// RecoveryCheckpoint returns the newest feature-complete checkpoint,
// the safest point to restart from.
func (m *Manager) RecoveryCheckpoint() (*store.Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(0)
	if err != nil {
		return nil, err
	}
	for i := range cps {
		if cps[i].Trigger == TriggerFeatureComplete {
			return &cps[i], nil
		}
	}
	return nil, nil
}

// Clean removes all but the newest keep checkpoints.
func (m *Manager) Clean(keep int) ([]string, error) {
	return m.store.CleanCheckpoints(keep)
}

// Stats aggregates the checkpoint table.
func (m *Manager) Stats() (*store.CheckpointStats, error) {
	return m.store.GetCheckpointStats()
}

// Rollback restores project state from a checkpoint. A safety
// checkpoint is created first so the rollback itself can be undone.
// Git is hard-reset to the recorded commit when resetGit is set, then
// feature passing flags are restored from the snapshot. Decision and
// hypothesis history are left intact as audit trail.
func (m *Manager) Rollback(checkpointID string, sessionID int, resetGit bool) RollbackResult {
	cp, err := m.store.GetCheckpoint(checkpointID)
	if err != nil || cp == nil {
		return RollbackResult{
			CheckpointID: checkpointID,
			Message:      fmt.Sprintf("checkpoint %s not found", checkpointID),
		}
	}

	safety, err := m.Create(TriggerBeforeRiskyOp, sessionID, CreateOptions{
		Metadata: map[string]interface{}{"rollback_target": checkpointID},
	})
	if err != nil {
		return RollbackResult{
			CheckpointID: checkpointID,
			Message:      fmt.Sprintf("failed to create safety checkpoint: %v", err),
		}
	}

	result := RollbackResult{
		CheckpointID:     checkpointID,
		SafetyCheckpoint: safety.CheckpointID,
	}

	if resetGit && cp.GitCommit != "" && cp.GitCommit != "unknown" {
		affected, err := m.hardReset(cp.GitCommit)
		if err != nil {
			result.Message = fmt.Sprintf("git reset failed: %v", err)
			logging.CheckpointError("Rollback to %s: %s", checkpointID, result.Message)
			return result
		}
		result.GitReset = true
		result.FilesAffected = affected
	}

	if err := m.store.RestoreFeatureStatus(cp.FeatureStatus); err != nil {
		result.Message = fmt.Sprintf("feature restore failed: %v", err)
		return result
	}
	result.FeaturesRestored = true
	result.Success = true
	result.Message = fmt.Sprintf("rolled back to %s (%d/%d passing)",
		checkpointID, cp.FeaturesPassing, cp.FeaturesTotal)

	logging.Checkpoint("Rollback to %s: git_reset=%v files=%d",
		checkpointID, result.GitReset, result.FilesAffected)
	return result
}

// Summary renders the one-line form used in logs and CLI output.
func Summary(cp store.Checkpoint) string {
	return fmt.Sprintf("[%s] %s at %s (%d/%d passing)",
		cp.CheckpointID, cp.Trigger, cp.Timestamp.Format("2006-01-02T15:04:05"),
		cp.FeaturesPassing, cp.FeaturesTotal)
}

// gitState reads (commit, branch, clean) from the project repository.
// Missing or broken repositories report "unknown".
func (m *Manager) gitState() (string, string, bool) {
	repo, err := git.PlainOpen(m.projectDir)
	if err != nil {
		return "unknown", "unknown", false
	}
	head, err := repo.Head()
	if err != nil {
		return "unknown", "unknown", false
	}

	clean := false
	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			clean = status.IsClean()
		}
	}
	return head.Hash().String(), head.Name().Short(), clean
}

// filesHash hashes the tracked files at HEAD against their working-dir
// contents, giving a cheap change detector.
func (m *Manager) filesHash() string {
	repo, err := git.PlainOpen(m.projectDir)
	if err != nil {
		return "unknown"
	}
	tree, err := headTree(repo)
	if err != nil {
		return "unknown"
	}

	var names []string
	tree.Files().ForEach(func(f *object.File) error {
		names = append(names, f.Name)
		return nil
	})
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(m.projectDir, name))
		if err != nil {
			continue
		}
		h.Write([]byte(name))
		h.Write(content)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// hardReset resets the worktree to the given commit and returns the
// number of files that differed from the previous HEAD.
func (m *Manager) hardReset(commit string) (int, error) {
	repo, err := git.PlainOpen(m.projectDir)
	if err != nil {
		return 0, err
	}

	affected := 0
	if oldTree, err := headTree(repo); err == nil {
		if target, err := repo.CommitObject(plumbing.NewHash(commit)); err == nil {
			if newTree, err := target.Tree(); err == nil {
				if changes, err := object.DiffTree(oldTree, newTree); err == nil {
					affected = len(changes)
				}
			}
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return 0, err
	}
	err = wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(commit),
		Mode:   git.HardReset,
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func headTree(repo *git.Repository) (*object.Tree, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
