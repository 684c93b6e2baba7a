package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/config"
	"arcadiaforge/internal/logging"
	"arcadiaforge/internal/orchestrator"
)

var (
	runModel         string
	runMaxIterations int
	runMaxNoProgress int
	runAuditCadence  int
	runAutonomy      string
	runBudget        float64
)

var runCmd = &cobra.Command{
	Use:   "run [project-dir]",
	Short: "Run the autonomous agent loop on a project",
	Long: `Starts the session loop: an initializer session on a fresh project,
then coding sessions until every feature passes, the budget runs out,
progress stalls, or a human pauses the run.

The project directory must contain app_spec.txt on the first run. To
feed new requirements into a finished project, stage them in
new_requirements.txt and run again.

Configuration comes from .arcadia/config.yaml and ARCADIA_* environment
variables; flags override both. The assistant API key is read from
ARCADIA_API_KEY or GEMINI_API_KEY.

Press Ctrl-C once to pause after the current session, twice to abort.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("model") {
		cfg.Model = runModel
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.MaxIterations = runMaxIterations
	}
	if cmd.Flags().Changed("max-no-progress") {
		cfg.MaxNoProgress = runMaxNoProgress
	}
	if cmd.Flags().Changed("audit-cadence") {
		cfg.AuditCadence = runAuditCadence
	}
	if cmd.Flags().Changed("autonomy") {
		cfg.AutonomyLevel = runAutonomy
	}
	if cmd.Flags().Changed("budget") {
		cfg.Budget.MaxBudgetUSD = runBudget
	}

	if err := logging.Initialize(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
	}
	defer logging.CloseAll()

	orch, err := orchestrator.New(dir, cfg)
	if err != nil {
		return err
	}
	defer orch.Store().Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal asks the loop to pause at the next session boundary;
	// a second one aborts outright.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nPause requested; finishing the current session (Ctrl-C again to abort)")
		orch.Humans().RequestPause()
		<-sigCh
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runModel, "model", "", "Assistant model name")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Stop after N sessions (0 = unlimited)")
	runCmd.Flags().IntVar(&runMaxNoProgress, "max-no-progress", 0, "Stop after N sessions without test progress")
	runCmd.Flags().IntVar(&runAuditCadence, "audit-cadence", 0, "Audit after every N newly passing features (0 disables)")
	runCmd.Flags().StringVar(&runAutonomy, "autonomy", "", "Autonomy level (observe|plan|execute_safe|execute_review|full_auto)")
	runCmd.Flags().Float64Var(&runBudget, "budget", 0, "Budget ceiling in USD")
	rootCmd.AddCommand(runCmd)
}
