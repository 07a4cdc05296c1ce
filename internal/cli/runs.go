package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lenamarten/memvault/internal/ledger"
	"github.com/lenamarten/memvault/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List or inspect past runs",
	Long: `List recorded runs or inspect a specific run by ID.

Examples:
  memvault runs            # List recent runs
  memvault runs ab12cd34   # Show details for run ab12cd34`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	ctx := context.Background()

	if len(args) == 1 {
		return showRun(ctx, l, args[0])
	}
	return listRuns(ctx, l)
}

func listRuns(ctx context.Context, l *ledger.Ledger) error {
	runs, err := l.Runs(ctx, 20)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}

	fmt.Printf("%-10s %-17s %-10s %-8s %-7s %-7s %s\n", "ID", "STARTED", "MODE", "WORKERS", "TOTAL", "DONE", "FAILED")
	fmt.Println("------------------------------------------------------------------------")

	for _, run := range runs {
		started := run.StartedAt.Local().Format("2006-01-02 15:04")
		fmt.Printf("%-10s %-17s %-10s %-8d %-7d %-7d %d\n",
			run.ID, started, run.Mode, run.Workers, run.Total, run.Done, run.Failed)
	}

	return nil
}

func showRun(ctx context.Context, l *ledger.Ledger, id string) error {
	run, err := l.RunByID(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", run.ID)
	fmt.Printf("  Catalog: %s\n", run.CatalogPath)
	fmt.Printf("  Output: %s\n", run.OutputDir)
	fmt.Printf("  Mode: %s\n", run.Mode)
	fmt.Printf("  Workers: %d\n", run.Workers)
	fmt.Printf("  Started: %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Printf("  Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
	fmt.Printf("  Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))

	fmt.Println("\nOutcome:")
	fmt.Printf("  Total: %d\n", run.Total)
	if run.Skipped > 0 {
		fmt.Printf("  Completed: %d (%d already archived)\n", run.Done, run.Skipped)
	} else {
		fmt.Printf("  Completed: %d\n", run.Done)
	}
	fmt.Printf("  Failed: %d\n", run.Failed)
	if run.Interrupted > 0 {
		fmt.Printf("  Interrupted: %d\n", run.Interrupted)
	}

	if run.Failed == 0 {
		return nil
	}

	outcomes, err := l.Outcomes(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}

	fmt.Printf("\nFailed (%d):\n", run.Failed)
	for _, o := range outcomes {
		if o.Status != string(pipeline.StatusFailed) {
			continue
		}
		line := fmt.Sprintf("  - %s [%s] %s", o.MemoryID, o.MediaKind, o.FailureKind)
		if o.Error != "" {
			line += ": " + o.Error
		}
		fmt.Println(line)
	}

	return nil
}
