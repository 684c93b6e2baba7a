package checkpoint

import (
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// FileDiff is one changed file between two checkpoints.
type FileDiff struct {
	Path   string
	Action string // added, deleted, modified
	Patch  string
}

// Diff compares two checkpoints: changed files between their git
// commits plus feature status transitions.
type Diff struct {
	FromCheckpoint  string
	ToCheckpoint    string
	FromCommit      string
	ToCommit        string
	Files           []FileDiff
	FeaturesGained  []int
	FeaturesLost    []int
	PassingDelta    int
	FilesHashChange bool
}

// DiffCheckpoints computes the change set between two checkpoints.
// File-level diffs need both commits to still exist in the repository.
func (m *Manager) DiffCheckpoints(fromID, toID string) (*Diff, error) {
	from, err := m.store.GetCheckpoint(fromID)
	if err != nil {
		return nil, err
	}
	to, err := m.store.GetCheckpoint(toID)
	if err != nil {
		return nil, err
	}
	if from == nil || to == nil {
		return nil, fmt.Errorf("checkpoint not found: %s or %s", fromID, toID)
	}

	d := &Diff{
		FromCheckpoint:  fromID,
		ToCheckpoint:    toID,
		FromCommit:      from.GitCommit,
		ToCommit:        to.GitCommit,
		PassingDelta:    to.FeaturesPassing - from.FeaturesPassing,
		FilesHashChange: from.FilesHash != to.FilesHash,
	}

	for idx, passes := range to.FeatureStatus {
		if passes && !from.FeatureStatus[idx] {
			d.FeaturesGained = append(d.FeaturesGained, idx)
		}
	}
	for idx, passes := range from.FeatureStatus {
		if passes && !to.FeatureStatus[idx] {
			d.FeaturesLost = append(d.FeaturesLost, idx)
		}
	}
	sort.Ints(d.FeaturesGained)
	sort.Ints(d.FeaturesLost)

	if files, err := m.diffCommits(from.GitCommit, to.GitCommit); err == nil {
		d.Files = files
	}
	return d, nil
}

func (m *Manager) diffCommits(fromCommit, toCommit string) ([]FileDiff, error) {
	if fromCommit == "" || fromCommit == "unknown" || toCommit == "" || toCommit == "unknown" {
		return nil, fmt.Errorf("commit unknown")
	}
	repo, err := git.PlainOpen(m.projectDir)
	if err != nil {
		return nil, err
	}

	fromTree, err := commitTree(repo, fromCommit)
	if err != nil {
		return nil, err
	}
	toTree, err := commitTree(repo, toCommit)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, err
	}

	dmp := diffmatchpatch.New()
	var out []FileDiff
	for _, change := range changes {
		fd := FileDiff{}
		var before, after string

		switch {
		case change.From.Name == "":
			fd.Path = change.To.Name
			fd.Action = "added"
			after = treeFileContents(toTree, change.To.Name)
		case change.To.Name == "":
			fd.Path = change.From.Name
			fd.Action = "deleted"
			before = treeFileContents(fromTree, change.From.Name)
		default:
			fd.Path = change.To.Name
			fd.Action = "modified"
			before = treeFileContents(fromTree, change.From.Name)
			after = treeFileContents(toTree, change.To.Name)
		}

		diffs := dmp.DiffMain(before, after, false)
		fd.Patch = dmp.PatchToText(dmp.PatchMake(before, diffs))
		out = append(out, fd)
	}
	return out, nil
}

func commitTree(repo *git.Repository, hash string) (*object.Tree, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}

func treeFileContents(tree *object.Tree, name string) string {
	f, err := tree.File(name)
	if err != nil {
		return ""
	}
	content, err := f.Contents()
	if err != nil {
		return ""
	}
	return content
}
