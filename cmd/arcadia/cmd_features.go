package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/feature"
	"arcadiaforge/internal/store"
)

var (
	featuresStatus   string
	featuresCategory string
	featuresLimit    int
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Inspect and manage the feature list",
	Long: `The feature list is the project's source of truth for progress.
Each feature has a category (functional or style), verification steps,
and a passing flag the agent may only set after seeing the feature
work. Audit sessions re-verify passing features and flag the ones that
do not hold up.`,
}

var featuresStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Progress summary",
	RunE:  runFeaturesStats,
}

var featuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List features",
	RunE:  runFeaturesList,
}

var featuresNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the feature the agent would pick next",
	RunE:  runFeaturesNext,
}

var featuresShowCmd = &cobra.Command{
	Use:   "show <index>",
	Short: "Show one feature in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeaturesShow,
}

var featuresSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search feature descriptions and steps",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFeaturesSearch,
}

var featuresValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the feature list for structural problems",
	RunE:  runFeaturesValidate,
}

var featuresMarkCmd = &cobra.Command{
	Use:   "mark <index> <passing|failing>",
	Short: "Manually override a feature's passing flag",
	Long: `Sets a feature's passing flag by hand. Use it to demote a feature the
agent marked without real verification, or to record work done outside
a session. The agent's own marks go through the feature_mark tool.`,
	Args: cobra.ExactArgs(2),
	RunE: runFeaturesMark,
}

func openFeatureList() (*store.ProjectStore, *feature.List, error) {
	dir, err := resolveProject(nil)
	if err != nil {
		return nil, nil, err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return nil, nil, err
	}
	return st, feature.NewList(st), nil
}

func runFeaturesStats(cmd *cobra.Command, args []string) error {
	st, list, err := openFeatureList()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := list.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Features: %d/%d passing (%.1f%%)\n", stats.Passing, stats.Total, stats.ProgressPercent())
	fmt.Printf("  functional: %d/%d\n", stats.FunctionalPassing, stats.FunctionalTotal)
	fmt.Printf("  style:      %d/%d\n", stats.StylePassing, stats.StyleTotal)

	audit, err := list.AuditSummary()
	if err != nil {
		return err
	}
	if len(audit.Flagged) > 0 {
		fmt.Printf("Audit: %d flagged %v, %d ok, %d never audited\n",
			len(audit.Flagged), audit.Flagged, audit.OK, audit.None)
	} else {
		fmt.Printf("Audit: %d ok, %d never audited\n", audit.OK, audit.None)
	}
	return nil
}

func runFeaturesList(cmd *cobra.Command, args []string) error {
	st, list, err := openFeatureList()
	if err != nil {
		return err
	}
	defer st.Close()

	features, err := list.Filter(featuresStatus, featuresCategory, featuresLimit)
	if err != nil {
		return err
	}
	if len(features) == 0 {
		fmt.Println("No matching features.")
		return nil
	}
	for _, f := range features {
		fmt.Println(featureLine(f))
	}
	return nil
}

func runFeaturesNext(cmd *cobra.Command, args []string) error {
	st, list, err := openFeatureList()
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := list.NextBySalience(feature.SalienceContext{}, featuresCategory, true)
	if err != nil {
		return err
	}
	if f == nil {
		fmt.Println("No incomplete unblocked features.")
		return nil
	}
	printFeature(*f)
	return nil
}

func runFeaturesShow(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("index must be an integer, got %q", args[0])
	}
	st, _, err := openFeatureList()
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := st.GetFeature(index)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("feature %d not found", index)
	}
	printFeature(*f)
	return nil
}

func runFeaturesSearch(cmd *cobra.Command, args []string) error {
	st, list, err := openFeatureList()
	if err != nil {
		return err
	}
	defer st.Close()

	matches, err := list.Search(strings.Join(args, " "), featuresLimit)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, f := range matches {
		fmt.Println(featureLine(f))
	}
	return nil
}

func runFeaturesValidate(cmd *cobra.Command, args []string) error {
	st, list, err := openFeatureList()
	if err != nil {
		return err
	}
	defer st.Close()

	ok, problems, err := list.Validate()
	if err != nil {
		return err
	}
	if ok {
		fmt.Println("Feature list is valid.")
		return nil
	}
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("feature list has %d problem(s)", len(problems))
}

func runFeaturesMark(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("index must be an integer, got %q", args[0])
	}

	st, list, err := openFeatureList()
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[1] {
	case "passing":
		err = list.MarkPassing(index)
	case "failing":
		err = list.MarkFailing(index)
	default:
		return fmt.Errorf("verdict must be 'passing' or 'failing', got %q", args[1])
	}
	if err != nil {
		return err
	}

	stats, err := list.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Feature %d marked %s (%d/%d passing)\n", index, args[1], stats.Passing, stats.Total)
	return nil
}

func featureLine(f store.Feature) string {
	glyph := "✗"
	if f.Passes {
		glyph = "✓"
	}
	line := fmt.Sprintf("[%3d] %s %-10s %s", f.Index, glyph, f.Category, truncateText(f.Description, 70))
	if f.AuditStatus == "flagged" {
		line += "  (flagged by audit)"
	}
	if feature.CapabilityBlockReason(f) != "" {
		line += "  (blocked on capability)"
	}
	return line
}

func printFeature(f store.Feature) {
	status := "failing"
	if f.Passes {
		status = "passing"
	}
	fmt.Printf("Feature %d (%s, %s)\n", f.Index, f.Category, status)
	fmt.Println(strings.Repeat("-", 40))
	fmt.Println(f.Description)
	if len(f.Steps) > 0 {
		fmt.Println("Steps:")
		for i, s := range f.Steps {
			fmt.Printf("  %d. %s\n", i+1, s)
		}
	}
	if f.Priority > 0 {
		fmt.Printf("Priority:  %d\n", f.Priority)
	}
	if f.FailureCount > 0 {
		fmt.Printf("Failures:  %d\n", f.FailureCount)
	}
	if len(f.BlockedBy) > 0 {
		fmt.Printf("Blocked by: %v\n", f.BlockedBy)
	}
	if len(f.Blocks) > 0 {
		fmt.Printf("Blocks:     %v\n", f.Blocks)
	}
	if reason := feature.CapabilityBlockReason(f); reason != "" {
		fmt.Printf("Blocked on capability: %s\n", reason)
	}
	if f.VerificationSkipped {
		fmt.Println("Verification was skipped when this feature was marked.")
	}
	if f.AuditStatus != "" {
		fmt.Printf("Audit:     %s", f.AuditStatus)
		if len(f.AuditNotes) > 0 {
			fmt.Printf(" (%s)", strings.Join(f.AuditNotes, "; "))
		}
		fmt.Println()
	}
	if f.VerifiedAt != nil {
		fmt.Printf("Verified:  %s\n", f.VerifiedAt.Format("2006-01-02 15:04"))
	}
}

func init() {
	featuresListCmd.Flags().StringVar(&featuresStatus, "status", "", "Filter by status (passing|failing)")
	featuresListCmd.Flags().StringVar(&featuresCategory, "category", "", "Filter by category (functional|style)")
	featuresListCmd.Flags().IntVar(&featuresLimit, "limit", 50, "Maximum features to list")
	featuresNextCmd.Flags().StringVar(&featuresCategory, "category", "", "Restrict to a category")
	featuresSearchCmd.Flags().IntVar(&featuresLimit, "limit", 20, "Maximum matches")

	featuresCmd.AddCommand(featuresStatsCmd, featuresListCmd, featuresNextCmd,
		featuresShowCmd, featuresSearchCmd, featuresValidateCmd, featuresMarkCmd)
	rootCmd.AddCommand(featuresCmd)
}
