package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/hypothesis"
	"arcadiaforge/internal/store"
)

var (
	hypothesesStatus string
	hypothesesType   string
	hypothesesLimit  int
)

var hypothesesCmd = &cobra.Command{
	Use:   "hypotheses",
	Short: "Inspect the agent's working theories",
	Long: `Sessions record theories about bugs and design problems so later
sessions do not rediscover them. Open theories are carried into the next
session's context; this command shows them from outside a run.`,
	RunE: runHypotheses,
}

func runHypotheses(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	hs, err := hypothesis.NewTracker(st, 0).List(store.HypothesisFilter{
		Status:         hypothesesStatus,
		HypothesisType: hypothesesType,
		Limit:          hypothesesLimit,
	})
	if err != nil {
		return err
	}
	if len(hs) == 0 {
		fmt.Printf("No %s hypotheses.\n", hypothesesStatus)
		return nil
	}
	for _, h := range hs {
		fmt.Println(hypothesis.Summary(h))
	}
	return nil
}

func init() {
	hypothesesCmd.Flags().StringVar(&hypothesesStatus, "status", "open", "Filter by status (open|confirmed|rejected|irrelevant|superseded)")
	hypothesesCmd.Flags().StringVar(&hypothesesType, "type", "", "Filter by hypothesis type")
	hypothesesCmd.Flags().IntVar(&hypothesesLimit, "limit", 20, "Maximum hypotheses")

	rootCmd.AddCommand(hypothesesCmd)
}
