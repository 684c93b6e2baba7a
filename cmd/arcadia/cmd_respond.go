package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/checkpoint"
	"arcadiaforge/internal/human"
	"arcadiaforge/internal/store"
)

var (
	respondListFlag bool
	respondPointID  string
	respondText     string
	respondAccept   bool
	respondCancel   bool
	respondShowID   string
	respondHistory  bool
	respondStats    bool
	respondSession  int
	respondLimit    int
	respondNotes    string
)

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Answer or inspect human injection points",
	Long: `During a run the agent raises injection points: approvals for risky
actions, decisions when it is stuck, escalations from stall detection.
Each point carries options, a recommendation and a timeout default, so
an unanswered point resolves on its own; answering before the timeout
overrides the default.

  arcadia respond --list
  arcadia respond --point-id INJ-3-1 --response "deny"
  arcadia respond --point-id INJ-3-1 --accept
  arcadia respond --point-id INJ-3-1 --cancel
  arcadia respond --show INJ-3-1
  arcadia respond --history --limit 20
  arcadia respond --stats

When a run is paused, --notes attaches guidance to the paused session;
it is shown in the resume banner when the next run picks up.`,
	RunE: runRespond,
}

func runRespond(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()
	h := human.New(st, dir, 0)

	switch {
	case respondNotes != "":
		return leavePauseNotes(st, dir)
	case respondShowID != "":
		return showPoint(h, respondShowID)
	case respondHistory:
		return showPointHistory(h)
	case respondStats:
		return showPointStats(h)
	case respondPointID != "":
		return answerPoint(h, respondPointID)
	default:
		// bare 'arcadia respond' behaves like --list
		return listPendingPoints(h)
	}
}

func leavePauseNotes(st *store.ProjectStore, dir string) error {
	pm := checkpoint.NewPauseManager(checkpoint.NewManager(dir, st), st)
	ps, err := pm.LatestPaused()
	if err != nil {
		return err
	}
	if ps == nil {
		return fmt.Errorf("no paused session to attach notes to")
	}
	if err := pm.AddNotes(ps.SessionID, respondNotes); err != nil {
		return err
	}
	fmt.Printf("Notes saved for paused session %d; the next run shows them on resume.\n", ps.SessionID)
	return nil
}

func listPendingPoints(h *human.Interface) error {
	pending, err := h.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending injection points.")
		return nil
	}
	fmt.Printf("%d pending injection point(s):\n\n", len(pending))
	for _, p := range pending {
		printPoint(p, false)
		fmt.Println()
	}
	fmt.Println("Answer with: arcadia respond --point-id <ID> --response <text>")
	return nil
}

func answerPoint(h *human.Interface, pointID string) error {
	set := 0
	for _, b := range []bool{respondText != "", respondAccept, respondCancel} {
		if b {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of --response, --accept or --cancel is required with --point-id")
	}

	if respondCancel {
		ok, err := h.Cancel(pointID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("point %s not found or no longer pending", pointID)
		}
		fmt.Printf("Cancelled %s\n", pointID)
		return nil
	}

	answer := respondText
	if respondAccept {
		p, err := h.Get(pointID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("point %s not found", pointID)
		}
		answer = p.Recommendation
		if answer == "" {
			answer = p.DefaultOnTimeout
		}
		if answer == "" {
			return fmt.Errorf("point %s has no recommendation to accept; use --response", pointID)
		}
	}

	ok, err := h.Respond(pointID, answer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("point %s not found or no longer pending", pointID)
	}
	fmt.Printf("Recorded %q for %s\n", answer, pointID)
	return nil
}

func showPoint(h *human.Interface, pointID string) error {
	p, err := h.Get(pointID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("point %s not found", pointID)
	}
	printPoint(*p, true)
	return nil
}

func showPointHistory(h *human.Interface) error {
	points, err := h.History(respondSession, respondLimit)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		fmt.Println("No injection points recorded.")
		return nil
	}
	fmt.Printf("%-12s  %-10s  %-10s  %-16s  %s\n", "ID", "TYPE", "STATUS", "RESPONDED BY", "RESPONSE")
	for _, p := range points {
		fmt.Printf("%-12s  %-10s  %-10s  %-16s  %s\n",
			p.PointID, p.PointType, p.Status, orDash(p.RespondedBy), truncateText(p.Response, 40))
	}
	return nil
}

func showPointStats(h *human.Interface) error {
	stats, err := h.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Injection points: %d total, %d pending\n", stats.Total, stats.PendingCount)
	printCountMap("By type:", stats.ByType)
	printCountMap("By responder:", stats.ByRespondedBy)
	return nil
}

func printPoint(p store.InjectionPoint, full bool) {
	fmt.Printf("%s  [%s]  severity %d  %s\n",
		p.PointID, p.PointType, p.Severity, p.Timestamp.Format("2006-01-02 15:04"))
	if p.Message != "" {
		fmt.Printf("  %s\n", p.Message)
	}
	if len(p.Options) > 0 {
		fmt.Printf("  Options: %s", strings.Join(p.Options, ", "))
		if p.Recommendation != "" {
			fmt.Printf("  (recommended: %s)", p.Recommendation)
		}
		fmt.Println()
	}
	if p.DefaultOnTimeout != "" {
		fmt.Printf("  Default after %ds: %s\n", p.TimeoutSeconds, p.DefaultOnTimeout)
	}
	if !full {
		return
	}
	if len(p.Context) > 0 {
		fmt.Println("  Context:")
		keys := make([]string, 0, len(p.Context))
		for k := range p.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s: %v\n", k, p.Context[k])
		}
	}
	fmt.Printf("  Status: %s\n", p.Status)
	if p.Response != "" {
		fmt.Printf("  Response: %s (by %s)\n", p.Response, p.RespondedBy)
	}
	if p.EscalationRuleID != "" {
		fmt.Printf("  Escalation rule: %s\n", p.EscalationRuleID)
	}
}

func printCountMap(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Println(title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-18s %d\n", k, counts[k])
	}
}

func init() {
	respondCmd.Flags().BoolVar(&respondListFlag, "list", false, "List pending injection points")
	respondCmd.Flags().StringVar(&respondPointID, "point-id", "", "Injection point to answer")
	respondCmd.Flags().StringVar(&respondText, "response", "", "Response text")
	respondCmd.Flags().BoolVar(&respondAccept, "accept", false, "Accept the recommendation")
	respondCmd.Flags().BoolVar(&respondCancel, "cancel", false, "Cancel the point")
	respondCmd.Flags().StringVar(&respondShowID, "show", "", "Show one point in detail")
	respondCmd.Flags().BoolVar(&respondHistory, "history", false, "Show answered and expired points")
	respondCmd.Flags().BoolVar(&respondStats, "stats", false, "Show injection point statistics")
	respondCmd.Flags().IntVar(&respondSession, "session", -1, "Restrict --history to one session (-1 = all)")
	respondCmd.Flags().IntVar(&respondLimit, "limit", 20, "Maximum points for --history")
	respondCmd.Flags().StringVar(&respondNotes, "notes", "", "Attach notes to the paused session")
	rootCmd.AddCommand(respondCmd)
}
