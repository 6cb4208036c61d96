package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/app"
	"github.com/ent0n29/tandem/internal/config"
)

var (
	verbose bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Realtime voice companion for a dance community",
	Long: `tandem runs the realtime voice companion.

  serve - negotiation backend (and a local realtime peer without OPENAI_API_KEY)
  talk  - one spoken or typed turn from the terminal
  perf  - replay typed turns and report latency`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		if verbose {
			loaded.LogLevel = "debug"
		}
		l, err := app.NewLogger(loaded.LogLevel)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(talkCmd)
	rootCmd.AddCommand(perfCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
