package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/config"
	"github.com/lenamarten/memvault/internal/merge"
)

var (
	scanRepair     bool
	scanMode       string
	scanNoProgress bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <catalog.json>",
	Short: "Check the archive for missing or corrupt memories",
	Long: `Compare the catalog against the output directory and verify every
artifact the selected mode calls for. Corrupt files are reported and
removed so a repair can replace them.

With --repair, the missing memories are downloaded again. The repair
prefers backup links, since the copy behind the primary link has
already let you down once.

Examples:
  memvault scan memories_history.json
  memvault scan memories_history.json --repair
  memvault scan memories_history.json --mode raw-only`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanRepair, "repair", false, "re-download missing or corrupt memories")
	scanCmd.Flags().StringVarP(&scanMode, "mode", "m", "", "artifact mode to verify against")
	scanCmd.Flags().BoolVar(&scanNoProgress, "no-progress", false, "disable the progress display during repair")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanMode != "" {
		mode, err := config.ParseMode(scanMode)
		if err != nil {
			return err
		}
		cfg.Mode = mode
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeKeepBoth
	}

	memories, err := catalog.Load(args[0])
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	pipe := merge.NewPipeline(cfg, nil, nil)

	var missing []catalog.Memory
	for _, m := range memories {
		if !pipe.ExistingComplete(m) {
			missing = append(missing, m)
		}
	}

	if len(missing) == 0 {
		fmt.Printf("All %d memories are archived and intact.\n", len(memories))
		return nil
	}

	fmt.Printf("%d of %d memories missing or corrupt:\n\n", len(missing), len(memories))
	fmt.Printf("%-30s %-6s %s\n", "ID", "KIND", "CAPTURED")
	fmt.Println("------------------------------------------------------------")
	for _, m := range missing {
		fmt.Printf("%-30s %-6s %s\n", m.ID, m.Kind, m.CapturedAt.Format("2006-01-02 15:04"))
	}

	if !scanRepair {
		fmt.Println("\nRun again with --repair to download them.")
		return nil
	}

	fmt.Println()
	return executeArchive(missing, archiveOptions{
		catalogPath: args[0],
		backupFirst: true,
		noProgress:  scanNoProgress,
	})
}
