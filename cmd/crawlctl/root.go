package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"link-crawler/internal/config"
	"link-crawler/internal/dedup"
	"link-crawler/internal/logging"
	"link-crawler/internal/queue"
)

// app holds what the commands connect to, replaced in tests.
type app struct {
	loadConfig func() (config.Config, error)
	openQueue  func(ctx context.Context, cfg config.QueueConfig, log *logrus.Entry) (queue.Client, error)
	openStore  func(ctx context.Context, cfg config.DedupConfig) (dedup.Store, error)
	log        *logrus.Entry
}

func defaultApp() *app {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return &app{
		loadConfig: config.Load,
		openQueue: func(ctx context.Context, cfg config.QueueConfig, log *logrus.Entry) (queue.Client, error) {
			return queue.Open(ctx, cfg, log, clock.WallClock)
		},
		openStore: dedup.Open,
		log:       logrus.NewEntry(logger),
	}
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(defaultApp())
}

func newRootCmd(a *app) *cobra.Command {
	if a.log == nil {
		a.log = logging.Discard()
	}
	cmd := &cobra.Command{
		Use:   "crawlctl",
		Short: "Operate the link crawler queue",
		Long: `crawlctl seeds the crawl queue and checks that the broker and the
processed-links store are reachable.

Configuration is read from the same environment variables (and optional
.env file) as the worker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSeedCmd(a))
	cmd.AddCommand(newCheckCmd(a))
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect loads the configuration and opens the queue.
func (a *app) connect(ctx context.Context) (config.Config, queue.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return config.Config{}, nil, err
	}
	q, err := a.openQueue(ctx, cfg.Queue, a.log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, q, nil
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
