package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/InsulaLabs/lantorrent/pkg/models"
)

func newWaitCmd(a *app) *cobra.Command {
	var (
		status      string
		interval    time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "wait <request-id>",
		Short: "Wait for a tracked request and consume its result",
		Long: `Wait for a tracked request and consume its result.

The node hands the result to exactly one waiter and then forgets the request,
so a second wait on the same id reports that it was not found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tc, err := a.trackerClient(status)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = a.cfg.Tracker.PollInterval
			}
			if !cmd.Flags().Changed("max-attempts") {
				maxAttempts = a.cfg.Tracker.MaxAttempts
			}
			outcome, err := tc.Wait(ctx, args[0], interval, maxAttempts)
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), outcome)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status server of the node, defaults to statusBinding")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval, defaults to tracker.pollInterval")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "treat the request as failed past this many attempts, 0 disables")
	return cmd
}

func printRecords(w io.Writer, records []models.CompletionRecord) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, rec := range records {
		if rec.OK() {
			green.Fprintf(w, "%-22s", "OK")
			fmt.Fprintf(w, "%s (%d bytes)\n", recordPlace(rec), rec.Bytes)
			continue
		}
		red.Fprintf(w, "%-22s", rec.Code.String())
		fmt.Fprintf(w, "%s: %s\n", recordPlace(rec), rec.Message)
	}
}

func recordPlace(rec models.CompletionRecord) string {
	if rec.Host == "" {
		return "local:" + rec.Path
	}
	return models.Endpoint(rec.Host, rec.Port) + ":" + rec.Path
}

// printOutcome writes the outcome and returns an error when it failed, so the
// process exits non-zero.
func printOutcome(w io.Writer, outcome models.RequestOutcome) error {
	printRecords(w, outcome.Records)
	if outcome.Success {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "%s succeeded", outcome.RequestID)
		fmt.Fprintf(w, " after %d attempt(s): %s\n", outcome.AttemptCount, outcome.Message)
		return nil
	}
	color.New(color.FgRed, color.Bold).Fprintf(w, "%s failed", outcome.RequestID)
	fmt.Fprintf(w, " after %d attempt(s): %s\n", outcome.AttemptCount, outcome.Message)
	return fmt.Errorf("request %s failed", outcome.RequestID)
}
