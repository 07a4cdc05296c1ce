// Package cli provides the command-line interface for memvault.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lenamarten/memvault/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgPath   string
	outputDir string
	verbose   bool

	// Loaded configuration, shared by all commands.
	cfg config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "Bulk downloader for exported memories archives",
	Long: `Memvault downloads every photo and video from a memories export,
verifies each file, retries broken downloads over backup links, merges
overlay graphics back onto their media, and restores the original
capture timestamps and GPS metadata.

Point it at the JSON catalog of your export and it fills an output
directory with your complete library.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Nothing to configure for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Flags override file and environment
		if outputDir != "" {
			cfg.OutputDir = outputDir
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		if err := cfg.Normalize(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.config/memvault/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "output directory for the archive")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
