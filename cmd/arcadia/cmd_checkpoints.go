package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/checkpoint"
	"arcadiaforge/internal/store"
)

var (
	checkpointsLimit    int
	checkpointsNote     string
	checkpointsKeep     int
	checkpointsResetGit bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and restore project checkpoints",
	Long: `Checkpoints capture git state and feature status at session
boundaries, before risky operations, and on demand. Rollback restores
the recorded feature status and, with --git, hard-resets the working
tree to the recorded commit. A safety checkpoint is always taken first,
so a rollback can itself be rolled back.`,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent checkpoints",
	RunE:  runCheckpointsList,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <checkpoint-id>",
	Short: "Show one checkpoint in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsShow,
}

var checkpointsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a manual checkpoint",
	RunE:  runCheckpointsCreate,
}

var checkpointsDiffCmd = &cobra.Command{
	Use:   "diff <from-id> <to-id>",
	Short: "Compare two checkpoints",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheckpointsDiff,
}

var checkpointsRollbackCmd = &cobra.Command{
	Use:   "rollback <checkpoint-id>",
	Short: "Restore feature status (and optionally git state) from a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsRollback,
}

var checkpointsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old checkpoints, keeping the most recent ones",
	RunE:  runCheckpointsClean,
}

var checkpointsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Checkpoint counts by trigger",
	RunE:  runCheckpointsStats,
}

func openCheckpointManager() (*store.ProjectStore, *checkpoint.Manager, error) {
	dir, err := resolveProject(nil)
	if err != nil {
		return nil, nil, err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return nil, nil, err
	}
	return st, checkpoint.NewManager(dir, st), nil
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	st, cpm, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer st.Close()

	cps, err := cpm.List(checkpointsLimit)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Println("No checkpoints recorded.")
		return nil
	}

	fmt.Printf("%-12s  %-16s  %-18s  %-8s  %s\n", "ID", "TIME", "TRIGGER", "PASSING", "COMMIT")
	for _, cp := range cps {
		fmt.Printf("%-12s  %-16s  %-18s  %-8s  %s\n",
			cp.CheckpointID,
			cp.Timestamp.Format("2006-01-02 15:04"),
			cp.Trigger,
			fmt.Sprintf("%d/%d", cp.FeaturesPassing, cp.FeaturesTotal),
			shortCommit(cp.GitCommit))
	}
	return nil
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	st, cpm, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer st.Close()

	cp, err := cpm.Get(args[0])
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("checkpoint %s not found", args[0])
	}

	fmt.Printf("Checkpoint %s\n", cp.CheckpointID)
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Time:      %s\n", cp.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("Trigger:   %s\n", cp.Trigger)
	fmt.Printf("Session:   %d\n", cp.SessionID)
	fmt.Printf("Features:  %d/%d passing\n", cp.FeaturesPassing, cp.FeaturesTotal)
	fmt.Printf("Git:       %s on %s (clean=%v)\n", shortCommit(cp.GitCommit), orDash(cp.GitBranch), cp.GitClean)
	fmt.Printf("Files:     %s\n", orDash(cp.FilesHash))
	if cp.LastSuccessfulFeature != nil {
		fmt.Printf("Last done: feature %d\n", *cp.LastSuccessfulFeature)
	}
	if len(cp.PendingWork) > 0 {
		fmt.Println("Pending work:")
		for _, w := range cp.PendingWork {
			fmt.Printf("  - %s\n", w)
		}
	}
	if cp.HumanNote != "" {
		fmt.Printf("Note:      %s\n", cp.HumanNote)
	}
	return nil
}

func runCheckpointsCreate(cmd *cobra.Command, args []string) error {
	st, cpm, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer st.Close()

	cp, err := cpm.Create(checkpoint.TriggerManual, 0, checkpoint.CreateOptions{
		HumanNote: checkpointsNote,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%d/%d features passing, commit %s)\n",
		cp.CheckpointID, cp.FeaturesPassing, cp.FeaturesTotal, shortCommit(cp.GitCommit))
	return nil
}

func runCheckpointsDiff(cmd *cobra.Command, args []string) error {
	st, cpm, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := cpm.DiffCheckpoints(args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Printf("%s -> %s\n", d.FromCheckpoint, d.ToCheckpoint)
	fmt.Printf("Commits:  %s -> %s\n", shortCommit(d.FromCommit), shortCommit(d.ToCommit))
	fmt.Printf("Passing:  %+d\n", d.PassingDelta)
	if len(d.FeaturesGained) > 0 {
		fmt.Printf("Gained:   %v\n", d.FeaturesGained)
	}
	if len(d.FeaturesLost) > 0 {
		fmt.Printf("Lost:     %v\n", d.FeaturesLost)
	}
	if len(d.Files) == 0 {
		if d.FilesHashChange {
			fmt.Println("Files changed, but commit contents are unavailable for a file diff.")
		} else {
			fmt.Println("No file changes.")
		}
		return nil
	}
	fmt.Printf("Files (%d):\n", len(d.Files))
	for _, f := range d.Files {
		fmt.Printf("  %-8s %s\n", f.Action, f.Path)
	}
	return nil
}

func runCheckpointsRollback(cmd *cobra.Command, args []string) error {
	st, cpm, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer st.Close()

	res := cpm.Rollback(args[0], 0, checkpointsResetGit)
	if !res.Success {
		return fmt.Errorf("rollback failed: %s", res.Message)
	}
	fmt.Println(res.Message)
	if res.SafetyCheckpoint != "" {
		fmt.Printf("Safety checkpoint: %s\n", res.SafetyCheckpoint)
	}
	return nil
}

func runCheckpointsClean(cmd *cobra.Command, args []string) error {
	st, cpm, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer st.Close()

	removed, err := cpm.Clean(checkpointsKeep)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to clean.")
		return nil
	}
	fmt.Printf("Removed %d checkpoint(s): %s\n", len(removed), strings.Join(removed, ", "))
	return nil
}

func runCheckpointsStats(cmd *cobra.Command, args []string) error {
	st, cpm, err := openCheckpointManager()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := cpm.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Total checkpoints: %d\n", stats.Total)
	triggers := make([]string, 0, len(stats.ByTrigger))
	for t := range stats.ByTrigger {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)
	for _, t := range triggers {
		fmt.Printf("  %-18s %d\n", t, stats.ByTrigger[t])
	}
	if stats.Oldest != nil && stats.Newest != nil {
		fmt.Printf("Span: %s to %s\n",
			stats.Oldest.Format("2006-01-02 15:04"),
			stats.Newest.Format("2006-01-02 15:04"))
	}
	return nil
}

func shortCommit(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	if hash == "" {
		return "-"
	}
	return hash
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	checkpointsListCmd.Flags().IntVar(&checkpointsLimit, "limit", 20, "Maximum checkpoints to list")
	checkpointsCreateCmd.Flags().StringVar(&checkpointsNote, "note", "", "Human note to attach")
	checkpointsCleanCmd.Flags().IntVar(&checkpointsKeep, "keep", 10, "Checkpoints to keep")
	checkpointsRollbackCmd.Flags().BoolVar(&checkpointsResetGit, "git", false, "Also hard-reset git to the recorded commit")

	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsShowCmd, checkpointsCreateCmd,
		checkpointsDiffCmd, checkpointsRollbackCmd, checkpointsCleanCmd, checkpointsStatsCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
