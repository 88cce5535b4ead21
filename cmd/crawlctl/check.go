package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check broker and processed-links store connectivity",
		Long: `Check connects to the configured broker, verifies the crawl queue and
reports its depth, then opens the processed-links store and reports how
many URLs it holds. For Kafka the reported depth is the partition count.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runCheck(cmd)
		},
	}
}

func (a *app) runCheck(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	cfg, q, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(q)
	fmt.Fprintf(out, "connected to %s broker at %s\n", cfg.Queue.Backend, cfg.Queue.Addr())

	depth, err := q.QueueDepth(ctx, cfg.Queue.Name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queue %s: %d\n", cfg.Queue.Name, depth)

	store, err := a.openStore(ctx, cfg.Dedup)
	if err != nil {
		return err
	}
	defer closeQuietly(store)
	processed, err := store.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "dedup store (%s): %d processed links\n", cfg.Dedup.Backend, len(processed))
	return nil
}
