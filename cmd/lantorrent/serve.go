package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/InsulaLabs/lantorrent/client"
	"github.com/InsulaLabs/lantorrent/internal/relay"
	"github.com/InsulaLabs/lantorrent/internal/status"
	"github.com/InsulaLabs/lantorrent/internal/tkv"
	"github.com/InsulaLabs/lantorrent/internal/tracker"
	"github.com/InsulaLabs/lantorrent/internal/wire"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a relay, the request tracker and its status server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) originConfig() client.Config {
	cfg := a.cfg
	return client.Config{
		Logger:          a.logger,
		Secret:          cfg.Secret,
		Self:            cfg.Advertise,
		BlockSize:       cfg.Transfer.BlockSize,
		Degree:          cfg.Transfer.Degree,
		Checksum:        cfg.Transfer.Checksum,
		MaxHops:         cfg.Transfer.MaxHops,
		ConnectTimeout:  cfg.Timeouts.Connect,
		IOTimeout:       cfg.Timeouts.IO,
		StatusTimeout:   cfg.Timeouts.Status,
		StallTimeout:    cfg.Timeouts.Stall,
		MaxHeaderLength: cfg.Transfer.MaxHeaderLength,
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	store, err := tkv.New(tkv.Config{
		Logger:    logger,
		Directory: cfg.TrackerDir(),
		AppCtx:    ctx,
	})
	if err != nil {
		return errors.Wrap(err, "opening tracker store")
	}
	defer store.Close()

	origin, err := client.NewOrigin(a.originConfig())
	if err != nil {
		return err
	}

	mode, err := tracker.ParseMode(cfg.Tracker.Mode)
	if err != nil {
		return err
	}
	tr, err := tracker.New(tracker.Config{
		Logger:       logger,
		Store:        store,
		Sender:       origin,
		Mode:         mode,
		Workers:      cfg.Tracker.Workers,
		MaxAttempts:  cfg.Tracker.MaxAttempts,
		RetryDelay:   cfg.Tracker.RetryDelay,
		PollInterval: cfg.Tracker.PollInterval,
	})
	if err != nil {
		return err
	}
	if err := tr.Start(ctx); err != nil {
		return err
	}
	defer tr.Close()

	engine := relay.New(relay.Config{
		Logger:         logger,
		Signer:         wire.NewSigner(cfg.Secret),
		Self:           cfg.Advertise,
		ConnectTimeout: cfg.Timeouts.Connect,
		IOTimeout:      cfg.Timeouts.IO,
		StatusTimeout:  cfg.Timeouts.Status,
		StallTimeout:   cfg.Timeouts.Stall,
		MaxHops:        cfg.Transfer.MaxHops,
	})
	relaySrv := relay.NewServer(relay.ServerConfig{
		Logger:          logger,
		Engine:          engine,
		MaxHeaderLength: cfg.Transfer.MaxHeaderLength,
		HeaderAge:       cfg.Timeouts.HeaderAge,
		RateLimit:       cfg.RateLimiters.Relay.Limit,
		RateBurst:       cfg.RateLimiters.Relay.Burst,
		RejectLinger:    cfg.Timeouts.RejectLinger,
	})
	defer relaySrv.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("server exited", "server", name, "error", err)
				mu.Lock()
				errs = append(errs, errors.Wrap(err, name))
				mu.Unlock()
				cancel()
			}
		}()
	}

	run("relay", func() error { return relaySrv.ListenAndServe(ctx, cfg.Listen) })

	if cfg.StatusBinding != "" {
		statusSrv, err := status.New(status.Config{
			Logger:                   logger,
			Tracker:                  tr,
			AppCtx:                   ctx,
			Token:                    cfg.StatusToken,
			MaxAttempts:              cfg.Tracker.MaxAttempts,
			RateLimit:                cfg.RateLimiters.Status.Limit,
			RateBurst:                cfg.RateLimiters.Status.Burst,
			MaxConnections:           cfg.Sessions.MaxConnections,
			WebSocketReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WebSocketWriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
		})
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer statusSrv.Close()
		run("status", func() error { return statusSrv.ListenAndServe(cfg.StatusBinding) })
	}

	logger.Info("node running",
		"listen", cfg.Listen,
		"advertise", cfg.Advertise,
		"status", cfg.StatusBinding,
		"data_dir", cfg.DataDir)

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
