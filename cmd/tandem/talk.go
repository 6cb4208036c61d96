package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/app"
	"github.com/ent0n29/tandem/internal/observability"
	"github.com/ent0n29/tandem/internal/realtime"
	"github.com/ent0n29/tandem/internal/reliability"
	"github.com/ent0n29/tandem/internal/session"
	"github.com/ent0n29/tandem/internal/transcript"
)

var (
	talkDuration    time.Duration
	talkText        string
	talkInput       string
	talkOut         string
	talkContext     string
	talkUser        string
	talkAttempts    int
	talkPace        bool
	talkReplyWithin time.Duration
)

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Speak (or type) one turn and wait for the spoken reply",
	Long: `Connect to the realtime service, record from the capture device (or a
WAV file with --input) for --duration, or send --text instead, then wait for
the reply to finish playing. The reply can be saved with --out.`,
	RunE: runTalk,
}

func init() {
	talkCmd.Flags().DurationVar(&talkDuration, "duration", 3*time.Second, "How long to record")
	talkCmd.Flags().StringVar(&talkText, "text", "", "Send a typed turn instead of recording")
	talkCmd.Flags().StringVar(&talkInput, "input", "", "Read microphone audio from a 24kHz PCM16 WAV or raw file")
	talkCmd.Flags().StringVar(&talkOut, "out", "", "Write the reply to a WAV file")
	talkCmd.Flags().StringVar(&talkContext, "context", "", "Page the dancer is looking at")
	talkCmd.Flags().StringVar(&talkUser, "user", "cli", "User id sent to the negotiation endpoint")
	talkCmd.Flags().IntVar(&talkAttempts, "attempts", 3, "Connect attempts on retryable negotiation errors")
	talkCmd.Flags().BoolVar(&talkPace, "pace", true, "Pace file input at real time")
	talkCmd.Flags().DurationVar(&talkReplyWithin, "reply-timeout", 30*time.Second, "How long to wait for the reply")
}

func runTalk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.BuildController(ctx, cfg, logger, app.ClientOptions{
		UserID:     talkUser,
		InputPath:  talkInput,
		OutputPath: talkOut,
		Pace:       talkPace,
	})
	if err != nil {
		return err
	}
	defer built.Cleanup()
	c := built.Controller
	defer c.Disconnect()

	if talkContext != "" {
		if err := c.UpdateContext(talkContext); err != nil {
			return err
		}
	}
	if err := connectWithRetry(ctx, c, talkAttempts, logger); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	baseline := assistantTurns(c.State())
	if strings.TrimSpace(talkText) != "" {
		if err := c.SendText(talkText); err != nil {
			return err
		}
	} else {
		if err := c.StartRecording(ctx); err != nil {
			return err
		}
		select {
		case <-time.After(talkDuration):
		case <-ctx.Done():
		}
		if err := c.StopRecording(); err != nil {
			// input that runs dry ends the turn by itself
			var invalid *realtime.InvalidStateError
			if !errors.As(err, &invalid) || !c.State().Connected {
				return err
			}
		}
	}

	waitErr := waitForReply(ctx, c, baseline, talkReplyWithin)
	c.Disconnect()
	printSummary(cmd.OutOrStdout(), c.State(), c.Latency())
	if waitErr == nil && talkOut != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "reply written to %s\n", talkOut)
	}
	return waitErr
}

type connector interface {
	Connect(ctx context.Context) error
}

// connectWithRetry retries negotiation failures the endpoint marks as
// retryable. Every other failure is returned right away.
func connectWithRetry(ctx context.Context, c connector, attempts int, logger *zap.Logger) error {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		var nerr *realtime.NegotiationError
		if !errors.As(err, &nerr) || !nerr.Retryable || attempt+1 >= attempts {
			return err
		}
		delay := reliability.ExponentialBackoff(attempt, 250*time.Millisecond, 4*time.Second)
		logger.Warn("connect failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type stateSource interface {
	State() realtime.StateView
	Subscribe() (<-chan realtime.StateView, func())
}

// waitForReply blocks until a new assistant turn finished playing.
func waitForReply(ctx context.Context, c stateSource, baseline int, timeout time.Duration) error {
	views, cancel := c.Subscribe()
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	spoke := false
	view := c.State()
	for {
		if view.Speaking {
			spoke = true
		}
		if view.Phase == session.StateError {
			if view.LastError != nil {
				return view.LastError
			}
			return errors.New("session failed")
		}
		if view.Phase == session.StateClosed {
			return realtime.ErrDisconnected
		}
		if (spoke || assistantTurns(view) > baseline) && !view.Speaking && view.Phase == session.StateConnected {
			return nil
		}
		select {
		case view = <-views:
		case <-timer.C:
			return fmt.Errorf("no reply within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func assistantTurns(view realtime.StateView) int {
	n := 0
	for _, e := range view.Transcript {
		if e.Role == transcript.RoleAssistant {
			n++
		}
	}
	return n
}

func printSummary(out io.Writer, view realtime.StateView, latency observability.LatencySnapshot) {
	for _, e := range view.Transcript {
		fmt.Fprintf(out, "[%s] %s\n", e.Role, e.Text)
	}
	if view.LastError != nil {
		fmt.Fprintf(out, "last error: %v\n", view.LastError)
	}
	for _, s := range latency.Stages {
		fmt.Fprintf(out, "%-24s n=%-3d last=%.1fms p95=%.1fms\n", s.Stage, s.Samples, s.LastMS, s.P95MS)
	}
}
