package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/observability"
	"arcadiaforge/internal/store"
)

var (
	eventsSession int
	eventsType    string
	eventsTool    string
	eventsFeature int
	eventsLimit   int

	metricsOut     string
	metricsSession int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the project event stream, newest first",
	Long: `Every tool call, feature change, decision, error and session boundary
lands in the event stream. This is the raw audit trail behind the
metrics command.`,
	RunE: runEvents,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Aggregate run metrics from the event stream",
	RunE:  runShowMetrics,
}

func runEvents(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.ListEvents(store.EventFilter{
		SessionID:    eventsSession,
		Type:         eventsType,
		Tool:         eventsTool,
		FeatureIndex: eventsFeature,
		Limit:        eventsLimit,
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No matching events.")
		return nil
	}
	for _, e := range events {
		fmt.Println(observability.FormatEvent(e))
	}
	return nil
}

func runShowMetrics(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	obs := observability.NewObserver(st, dir, nil)

	if metricsOut != "" {
		path, err := obs.ExportMetricsJSON(metricsOut)
		if err != nil {
			return err
		}
		fmt.Printf("Metrics written to %s\n", path)
		return nil
	}

	if cmd.Flags().Changed("session") {
		summary, err := obs.SessionSummary(metricsSession)
		if err != nil {
			return err
		}
		fmt.Println(summary)
		return nil
	}

	m, err := obs.RunMetrics()
	if err != nil {
		return err
	}
	fmt.Println(observability.FormatMetricsSummary(m))
	return nil
}

func init() {
	eventsCmd.Flags().IntVar(&eventsSession, "session", 0, "Filter by session (0 = any)")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Filter by event type")
	eventsCmd.Flags().StringVar(&eventsTool, "tool", "", "Filter by tool name")
	eventsCmd.Flags().IntVar(&eventsFeature, "feature", -1, "Filter by feature index (-1 = any)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum events")

	metricsCmd.Flags().StringVar(&metricsOut, "json", "", "Write full metrics JSON to a file instead")
	metricsCmd.Flags().IntVar(&metricsSession, "session", 0, "Summarize one session instead of the run")

	rootCmd.AddCommand(eventsCmd, metricsCmd)
}
