package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/config"
	"github.com/lenamarten/memvault/internal/fetch"
	"github.com/lenamarten/memvault/internal/ledger"
	"github.com/lenamarten/memvault/internal/merge"
	"github.com/lenamarten/memvault/internal/metrics"
	"github.com/lenamarten/memvault/internal/pipeline"
	"github.com/lenamarten/memvault/internal/report"
)

var (
	runWorkers    int
	runMode       string
	runGPU        bool
	runNoExif     bool
	runForce      bool
	runNoProgress bool
	runTimeout    time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <catalog.json>",
	Short: "Download and archive every memory in a catalog",
	Long: `Run the full archive pipeline over an export catalog.

Every memory is downloaded, integrity-checked, retried over its backup
link when the primary copy is broken, merged with its overlay graphic,
and stamped with its original capture time and GPS location.

Memories that are already archived intact are skipped, so an
interrupted run can simply be started again.

Examples:
  memvault run memories_history.json
  memvault run memories_history.json -o ~/memories -w 12
  memvault run memories_history.json --mode optimized --gpu
  memvault run memories_history.json --force --no-progress`,
	Args: cobra.ExactArgs(1),
	RunE: runArchive,
}

func init() {
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "concurrent downloads (0 = auto)")
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "artifact mode: keep-both, optimized or raw-only")
	runCmd.Flags().BoolVar(&runGPU, "gpu", false, "use NVENC hardware encoding for overlay merges")
	runCmd.Flags().BoolVar(&runNoExif, "no-exif", false, "skip exiftool metadata writing")
	runCmd.Flags().BoolVar(&runForce, "force", false, "re-download memories that are already archived")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "disable the progress display")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-download timeout (default 45s)")
	rootCmd.AddCommand(runCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	if runWorkers > 0 {
		cfg.Workers = runWorkers
	}
	if runTimeout > 0 {
		cfg.FetchTimeout = runTimeout
	}
	if runGPU {
		cfg.UseGPU = true
	}
	if runNoExif {
		cfg.WriteMetadata = false
	}
	if runForce {
		cfg.SkipExisting = false
	}
	if runMode != "" {
		mode, err := config.ParseMode(runMode)
		if err != nil {
			return err
		}
		cfg.Mode = mode
	}

	memories, err := catalog.Load(args[0])
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if len(memories) == 0 {
		fmt.Println("Catalog contains no memories.")
		return nil
	}

	if cfg.Mode == "" {
		mode, err := chooseMode()
		if err != nil {
			return err
		}
		cfg.Mode = mode
	}

	photos, videos := countKinds(memories)
	fmt.Printf("Archiving %d memories (%d photos, %d videos) to %s\n", len(memories), photos, videos, cfg.OutputDir)

	return executeArchive(memories, archiveOptions{
		catalogPath: args[0],
		noProgress:  runNoProgress,
	})
}

// chooseMode asks interactively on a terminal and falls back to the
// default otherwise.
func chooseMode() (config.Mode, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return config.ModeKeepBoth, nil
	}

	fmt.Println("How should memories with overlays be stored?")
	fmt.Println("  1) keep-both  raw copy plus merged copy")
	fmt.Println("  2) optimized  merged copy only")
	fmt.Println("  3) raw-only   no merging")
	fmt.Print("Choice [1]: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return config.ModeKeepBoth, nil
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return config.ModeKeepBoth, nil
	}
	return config.ParseMode(line)
}

// archiveOptions carries the per-invocation knobs shared between run
// and scan --repair.
type archiveOptions struct {
	catalogPath string
	backupFirst bool
	noProgress  bool
}

// executeArchive wires the pipeline, drives it to completion, and emits
// the report files and the ledger record.
func executeArchive(memories []catalog.Memory, opts archiveOptions) error {
	useProgress := !opts.noProgress && term.IsTerminal(int(os.Stdout.Fd()))

	// While the progress UI owns the terminal, logs go to the file only.
	var logger *slog.Logger
	var cleanup func() error
	if useProgress {
		logger, cleanup = config.SetupFileLogger(cfg.LogFile, cfg.LogLevel)
	} else {
		logger, cleanup = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	}
	defer cleanup()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var compositor merge.Compositor
	if cfg.Mode.Merges() {
		if merge.Available() {
			useHW := cfg.UseGPU && merge.DetectHardware(ctx)
			if cfg.UseGPU && !useHW {
				logger.Warn("nvenc encoder not available, falling back to software encoding")
			}
			compositor = merge.NewFFmpeg(cfg.MergeTimeout, useHW)
		} else {
			logger.Warn("ffmpeg not found, video overlays will not be merged")
		}
	}

	var tagger *merge.Tagger
	if cfg.WriteMetadata {
		tagger = merge.NewTagger(cfg.MetadataTimeout)
	}

	collector := metrics.NewCollector()

	var events chan pipeline.Event
	if useProgress {
		events = make(chan pipeline.Event, 256)
	}

	runner := pipeline.NewRunner(
		fetch.NewClient(cfg.FetchTimeout, cfg.UserAgent),
		merge.NewPipeline(cfg, compositor, tagger),
		pipeline.Options{
			Workers:      cfg.Workers,
			StagingDir:   cfg.StagingDir,
			SkipExisting: cfg.SkipExisting,
			BackupFirst:  opts.backupFirst,
			Events:       events,
			Collector:    collector,
			Logger:       logger,
		},
	)

	started := time.Now()

	var states []*pipeline.ProcessingState
	var runErr error
	if useProgress {
		photos, videos := countKinds(memories)
		done := make(chan struct{})
		go func() {
			states, runErr = runner.Run(ctx, memories)
			close(events)
			close(done)
		}()

		detached, uiErr := runArchiveProgress(events, photos, videos)
		if uiErr != nil {
			logger.Warn("progress display failed, continuing headless", "error", uiErr)
		}
		if detached {
			fmt.Printf("Detached. The run continues; follow %s for progress.\n", cfg.LogFile)
		}
		<-done
	} else {
		states, runErr = runner.Run(ctx, memories)
	}

	rep := report.Build(states)

	fmt.Println()
	fmt.Print(rep.Render())

	failureLog := filepath.Join(cfg.OutputDir, report.FailureLogName)
	if err := rep.WriteFailureLog(failureLog); err != nil {
		logger.Warn("could not write failure log", "error", err)
	} else if rep.Failed > 0 {
		fmt.Printf("\nFailure details: %s\n", failureLog)
	}
	if err := rep.WriteSummary(filepath.Join(cfg.OutputDir, report.SummaryName)); err != nil {
		logger.Warn("could not write summary", "error", err)
	}

	recordRun(logger, started, opts.catalogPath, states)
	logRunStats(logger, collector)

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	return nil
}

// recordRun stores the run in the ledger. The ledger is convenience
// history; losing it never fails a finished run.
func recordRun(logger *slog.Logger, started time.Time, catalogPath string, states []*pipeline.ProcessingState) {
	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Warn("ledger unavailable, run not recorded", "error", err)
		return
	}
	defer l.Close()

	run, err := l.RecordRun(context.Background(), ledger.Run{
		StartedAt:   started,
		FinishedAt:  time.Now(),
		CatalogPath: catalogPath,
		OutputDir:   cfg.OutputDir,
		Mode:        string(cfg.Mode),
		Workers:     cfg.Workers,
	}, states)
	if err != nil {
		logger.Warn("could not record run in ledger", "error", err)
		return
	}

	fmt.Printf("\nRun recorded as %s. Inspect it later with 'memvault runs %s'.\n", run.ID, run.ID)
}

func logRunStats(logger *slog.Logger, c *metrics.Collector) {
	snap := c.Snapshot()
	if snap.Fetch == nil {
		return
	}

	attrs := []any{
		"elapsed_s", snap.UptimeSeconds,
		"downloads", snap.Fetch.Count,
		"download_avg_ms", snap.Fetch.AvgTimeMs,
	}
	if snap.Fetch.TotalBytes != nil {
		attrs = append(attrs, "bytes_fetched", *snap.Fetch.TotalBytes)
	}
	if snap.Composite != nil {
		attrs = append(attrs, "merges", snap.Composite.Count, "merge_avg_ms", snap.Composite.AvgTimeMs)
	}
	logger.Info("run statistics", attrs...)
}

func countKinds(memories []catalog.Memory) (photos, videos int) {
	for _, m := range memories {
		if m.Kind == catalog.KindVideo {
			videos++
		} else {
			photos++
		}
	}
	return photos, videos
}
