package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lenamarten/memvault/internal/ledger"
	"github.com/lenamarten/memvault/internal/pipeline"
	"github.com/lenamarten/memvault/internal/report"
)

var reportWrite bool

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Show the report of a recorded run",
	Long: `Show the summary and failure details of a recorded run, the most
recent one by default.

With --write, the failure log and summary files are written into the
run's output directory again, byte-identical to the originals.

Examples:
  memvault report
  memvault report ab12cd34
  memvault report --write`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportWrite, "write", false, "write the report files into the run's output directory")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	ctx := context.Background()

	var run ledger.Run
	if len(args) == 1 {
		run, err = l.RunByID(ctx, args[0])
	} else {
		run, err = l.LatestRun(ctx)
	}
	if err != nil {
		return err
	}

	outcomes, err := l.Outcomes(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}

	rep := reportFromLedger(run, outcomes)

	fmt.Printf("Run %s (%s, started %s)\n\n", run.ID, run.Mode, run.StartedAt.Local().Format("2006-01-02 15:04"))
	fmt.Print(rep.Render())

	if !reportWrite {
		return nil
	}

	failureLog := filepath.Join(run.OutputDir, report.FailureLogName)
	if err := rep.WriteFailureLog(failureLog); err != nil {
		return err
	}
	summary := filepath.Join(run.OutputDir, report.SummaryName)
	if err := rep.WriteSummary(summary); err != nil {
		return err
	}

	fmt.Printf("\nWrote %s\n", summary)
	if rep.Failed > 0 {
		fmt.Printf("Wrote %s\n", failureLog)
	}
	return nil
}

// reportFromLedger rebuilds a report from stored outcomes. Counts come
// from the run row, failure entries from the failed outcomes, which the
// ledger already returns sorted by memory id.
func reportFromLedger(run ledger.Run, outcomes []ledger.Outcome) report.Report {
	rep := report.Report{
		Total:       run.Total,
		Done:        run.Done,
		Skipped:     run.Skipped,
		Failed:      run.Failed,
		Interrupted: run.Interrupted,
		ByFailure:   make(map[pipeline.FailureKind]int),
	}

	for _, o := range outcomes {
		if o.Status != string(pipeline.StatusFailed) {
			continue
		}
		rep.ByFailure[pipeline.FailureKind(o.FailureKind)]++
		rep.Failures = append(rep.Failures, report.Entry{
			ID:             o.MemoryID,
			CapturedAt:     o.CapturedAt.UTC().Format(report.TimeLayout),
			MediaKind:      o.MediaKind,
			LinksAttempted: o.LinksAttempted,
			FailureKind:    o.FailureKind,
			Error:          o.Error,
		})
	}
	return rep
}
