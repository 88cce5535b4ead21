package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the format of --file. JSON documents are valid YAML too.
type seedFile struct {
	Seeds []string `yaml:"seeds"`
}

var errNoSeeds = errors.New("no seeds given")

func newSeedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [url...]",
		Short: "Publish seed URLs to the crawl queue",
		Long: `Seed publishes each URL as a persistent message on the crawl queue.

URLs without a scheme get https://. Seeds can also be listed in a YAML or
JSON file with a top-level "seeds" list.

Examples:
  crawlctl seed https://example.com/
  crawlctl seed --file seeds.yaml
  crawlctl seed --skip-processed example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSeed(cmd, args)
		},
	}

	cmd.Flags().StringP("file", "f", "", "YAML or JSON file with a seeds list")
	cmd.Flags().Bool("skip-processed", false, "Skip seeds already in the processed-links store")
	return cmd
}

func (a *app) runSeed(cmd *cobra.Command, args []string) error {
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return err
	}
	skipProcessed, err := cmd.Flags().GetBool("skip-processed")
	if err != nil {
		return err
	}

	seeds := append([]string(nil), args...)
	if file != "" {
		fromFile, err := loadSeedFile(file)
		if err != nil {
			return err
		}
		seeds = append(seeds, fromFile...)
	}
	seeds, err = normalizeSeeds(seeds)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, q, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(q)

	if skipProcessed {
		store, err := a.openStore(ctx, cfg.Dedup)
		if err != nil {
			return err
		}
		defer closeQuietly(store)
		fresh, err := store.Filter(ctx, seeds)
		if err != nil {
			return err
		}
		if skipped := len(seeds) - len(fresh); skipped > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "skipping %d already processed seeds\n", skipped)
		}
		seeds = fresh
	}

	if err := q.DeclareQueue(ctx, cfg.Queue.Name); err != nil {
		return err
	}
	for _, s := range seeds {
		if err := q.Publish(ctx, cfg.Queue.Name, []byte(s)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", s)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d seeds to %s\n", len(seeds), cfg.Queue.Name)
	return nil
}

func loadSeedFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Seeds, nil
}

// normalizeSeeds trims, adds a missing scheme, validates and de-duplicates.
func normalizeSeeds(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "://") {
			s = "https://" + s
		}
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid seed url %q", s)
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errNoSeeds
	}
	return out, nil
}
