package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/InsulaLabs/lantorrent/internal/config"
)

// app is what every subcommand gets once the config is loaded.
type app struct {
	configPath string
	envFile    string
	logLevel   string

	cfg     *config.Node
	logger  *slog.Logger
	logFile io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "lantorrent",
		Short:         "Broadcast files to many hosts over a relay tree",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logFile != nil {
				a.logFile.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "lantorrent.yaml", "node configuration file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logLevel from the configuration")

	root.AddCommand(newServeCmd(a), newSendCmd(a), newWaitCmd(a))
	return root
}

func (a *app) load() error {
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "loading %s", a.envFile)
	}

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return errors.Wrapf(err, "loading %s", a.configPath)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a.logger = logger
	a.logFile = closer
	slog.SetDefault(logger)
	return nil
}

// newLogger builds the process logger: slog in front of a charm handler,
// writing to logFile or stderr.
func newLogger(cfg *config.Node) (*slog.Logger, io.Closer, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening log file %s", cfg.LogFile)
		}
		out, closer = f, f
	}

	handler := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if cfg.LogFile != "" {
		handler.SetFormatter(charmlog.LogfmtFormatter)
	}
	return slog.New(handler), closer, nil
}
