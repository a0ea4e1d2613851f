package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/InsulaLabs/lantorrent/client"
	"github.com/InsulaLabs/lantorrent/pkg/models"
)

type sendOptions struct {
	requestID string
	rename    bool
	direct    bool
	wait      bool
	status    string
}

func newSendCmd(a *app) *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send <source> <target>...",
		Short: "Broadcast a file to one or more targets",
		Long: `Broadcast a file to one or more targets.

A target is host:port:path for a file written by the relay at host:port, or a
bare path for a file written on this machine. IPv6 hosts are bracketed.

By default the request is submitted to the tracker of the local node, which
retries failed targets in the background. --direct drives the broadcast from
this process instead and reports when it is done.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(args[1:], opts.rename)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.direct {
				return a.sendDirect(ctx, cmd, args[0], targets, opts)
			}
			return a.sendTracked(ctx, cmd, args[0], targets, opts)
		},
	}
	cmd.Flags().StringVar(&opts.requestID, "id", "", "request id, generated when empty")
	cmd.Flags().BoolVar(&opts.rename, "rename", true, "write through a temporary file and rename on success")
	cmd.Flags().BoolVar(&opts.direct, "direct", false, "run the broadcast in this process instead of the node's tracker")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "wait for the tracked request to finish")
	cmd.Flags().StringVar(&opts.status, "status", "", "status server of the node, defaults to statusBinding")
	return cmd
}

func (a *app) sendDirect(ctx context.Context, cmd *cobra.Command, source string, targets []models.Target, opts *sendOptions) error {
	origin, err := client.NewOrigin(a.originConfig())
	if err != nil {
		return err
	}
	id := opts.requestID
	if id == "" {
		id = uuid.NewString()
	}
	report, err := origin.Send(ctx, client.Request{RequestID: id, SourcePath: source, Targets: targets})
	if err != nil {
		return err
	}
	printRecords(cmd.OutOrStdout(), report.Records)
	if outcome := report.Outcome(); outcome != models.OutcomeSuccess {
		return fmt.Errorf("broadcast %s: %s", id, outcome)
	}
	return nil
}

func (a *app) sendTracked(ctx context.Context, cmd *cobra.Command, source string, targets []models.Target, opts *sendOptions) error {
	tc, err := a.trackerClient(opts.status)
	if err != nil {
		return err
	}
	id, err := tc.Submit(ctx, source, targets, opts.requestID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	if !opts.wait {
		return nil
	}
	outcome, err := tc.Reattach(ctx, id)
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), outcome)
}

func (a *app) trackerClient(endpoint string) (*client.TrackerClient, error) {
	if endpoint == "" {
		endpoint = a.cfg.StatusBinding
	}
	if endpoint == "" {
		return nil, errors.New("no status server: set statusBinding or pass --status")
	}
	return client.NewTrackerClient(client.TrackerConfig{
		Endpoint:     endpoint,
		Token:        a.cfg.StatusToken,
		Timeout:      a.cfg.Timeouts.Status,
		Logger:       a.logger,
		PollInterval: a.cfg.Tracker.PollInterval,
		MaxAttempts:  a.cfg.Tracker.MaxAttempts,
	})
}

func parseTargets(args []string, rename bool) ([]models.Target, error) {
	targets := make([]models.Target, 0, len(args))
	for _, arg := range args {
		t, err := parseTarget(arg)
		if err != nil {
			return nil, err
		}
		t.Rename = rename
		targets = append(targets, t)
	}
	return targets, nil
}

// parseTarget accepts host:port:path, [v6host]:port:path or a bare local path.
func parseTarget(s string) (models.Target, error) {
	if s == "" {
		return models.Target{}, errors.New("empty target")
	}

	var host, rest string
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.Index(s, "]:")
		if end < 0 {
			return models.Target{}, errors.Errorf("target %q: unterminated IPv6 host", s)
		}
		host, rest = s[1:end], s[end+2:]
	default:
		i := strings.IndexByte(s, ':')
		if i < 0 || strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") {
			return models.Target{Path: s}, nil
		}
		host, rest = s[:i], s[i+1:]
	}

	portStr, path, ok := strings.Cut(rest, ":")
	if !ok || host == "" || path == "" {
		return models.Target{}, errors.Errorf("target %q: expected host:port:path", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return models.Target{}, errors.Errorf("target %q: invalid port %q", s, portStr)
	}
	return models.Target{Host: host, Port: port, Path: path}, nil
}
