package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/tandem/internal/app"
)

var (
	perfTurns       int
	perfTexts       string
	perfInterTurn   time.Duration
	perfTurnTimeout time.Duration
)

var defaultUtterances = []string{
	"Reply in three words: best salsa shoes?",
	"Reply in three words: bachata basics?",
	"Reply in three words: warm up tip?",
	"Reply in three words: next social?",
}

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Replay typed turns over one session and print the latency window",
	RunE:  runPerf,
}

func init() {
	perfCmd.Flags().IntVar(&perfTurns, "turns", 10, "Number of turns to replay")
	perfCmd.Flags().StringVar(&perfTexts, "texts", "", "Utterances separated by '|'")
	perfCmd.Flags().DurationVar(&perfInterTurn, "inter-turn", 180*time.Millisecond, "Delay between turns")
	perfCmd.Flags().DurationVar(&perfTurnTimeout, "turn-timeout", 15*time.Second, "Timeout waiting for each reply")
}

func runPerf(cmd *cobra.Command, args []string) error {
	if perfTurns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	texts, err := parseTexts(perfTexts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.BuildController(ctx, cfg, logger, app.ClientOptions{UserID: "perf-replay"})
	if err != nil {
		return err
	}
	defer built.Cleanup()
	c := built.Controller
	defer c.Disconnect()

	if err := connectWithRetry(ctx, c, 3, logger); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for i := 0; i < perfTurns; i++ {
		baseline := assistantTurns(c.State())
		started := time.Now()
		if err := c.SendText(texts[i%len(texts)]); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if err := waitForReply(ctx, c, baseline, perfTurnTimeout); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		built.Latency.Observe("turn_total", time.Since(started))
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "perf: turn %d/%d done in %s\n", i+1, perfTurns, time.Since(started).Round(time.Millisecond))
		}
		if perfInterTurn > 0 && i+1 < perfTurns {
			time.Sleep(perfInterTurn)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(c.Latency())
}

func parseTexts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...), nil
	}
	var texts []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts produced no non-empty utterances")
	}
	return texts, nil
}
