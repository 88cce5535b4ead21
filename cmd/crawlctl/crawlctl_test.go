package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"link-crawler/internal/config"
	"link-crawler/internal/dedup"
	"link-crawler/internal/queue"
	"link-crawler/internal/queue/queuetest"
)

func testApp(t *testing.T, q *queuetest.Memory) (*app, config.Config) {
	t.Helper()
	cfg := config.FromEnv()
	cfg.Queue.Name = "links_queue"
	cfg.Dedup.Backend = config.DedupFile
	cfg.Dedup.File = filepath.Join(t.TempDir(), "processed_links.txt")
	a := &app{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		openQueue: func(context.Context, config.QueueConfig, *logrus.Entry) (queue.Client, error) {
			return q, nil
		},
		openStore: dedup.Open,
	}
	return a, cfg
}

func execute(a *app, args ...string) (string, error) {
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// TestNewRootCmd tests the root command wiring.
func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	if cmd.Use != "crawlctl" {
		t.Errorf("expected use 'crawlctl', got %q", cmd.Use)
	}
	for _, name := range []string{"seed", "check"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s subcommand", name)
		}
	}

	seed, _, err := cmd.Find([]string{"seed"})
	if err != nil {
		t.Fatalf("find seed: %v", err)
	}
	flag := seed.Flags().Lookup("file")
	if flag == nil || flag.Shorthand != "f" {
		t.Fatal("expected file flag with shorthand 'f'")
	}
	if seed.Flags().Lookup("skip-processed") == nil {
		t.Fatal("expected skip-processed flag")
	}
}

func TestSeedPublishesArgs(t *testing.T) {
	q := queuetest.NewMemory()
	a, _ := testApp(t, q)

	out, err := execute(a, "seed", "https://example.com/", "example.org/start")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !q.Declared("links_queue") {
		t.Fatal("expected queue declared")
	}
	want := []string{"https://example.com/", "https://example.org/start"}
	if got := q.Published("links_queue"); !reflect.DeepEqual(got, want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	if !strings.Contains(out, "published 2 seeds to links_queue") {
		t.Fatalf("unexpected output: %s", out)
	}
	if !q.Closed() {
		t.Fatal("expected queue closed")
	}
}

func TestSeedFromFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "seeds.yaml")
	if err := os.WriteFile(yamlPath, []byte("seeds:\n  - https://a.example/\n  - https://b.example/\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	jsonPath := filepath.Join(dir, "seeds.json")
	if err := os.WriteFile(jsonPath, []byte(`{"seeds": ["https://c.example/", "https://a.example/"]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	q := queuetest.NewMemory()
	a, _ := testApp(t, q)
	if _, err := execute(a, "seed", "--file", yamlPath); err != nil {
		t.Fatalf("seed yaml: %v", err)
	}
	if _, err := execute(a, "seed", "-f", jsonPath); err != nil {
		t.Fatalf("seed json: %v", err)
	}
	want := []string{"https://a.example/", "https://b.example/", "https://c.example/", "https://a.example/"}
	if got := q.Published("links_queue"); !reflect.DeepEqual(got, want) {
		t.Fatalf("published %v, want %v", got, want)
	}
}

func TestSeedSkipsProcessed(t *testing.T) {
	q := queuetest.NewMemory()
	a, cfg := testApp(t, q)

	store, err := dedup.OpenFile(cfg.Dedup.File)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Commit(context.Background(), []string{"https://done.example/"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = store.Close()

	out, err := execute(a, "seed", "--skip-processed", "https://done.example/", "https://new.example/")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got := q.Published("links_queue"); !reflect.DeepEqual(got, []string{"https://new.example/"}) {
		t.Fatalf("expected only the unprocessed seed, got %v", got)
	}
	if !strings.Contains(out, "skipping 1 already processed seeds") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestSeedRejectsBadInput(t *testing.T) {
	tests := map[string][]string{
		"no seeds":     {"seed"},
		"blank seed":   {"seed", "  "},
		"ftp scheme":   {"seed", "ftp://example.com/"},
		"missing host": {"seed", "https://"},
		"missing file": {"seed", "--file", "does-not-exist.yaml"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			q := queuetest.NewMemory()
			a, _ := testApp(t, q)
			if _, err := execute(a, args...); err == nil {
				t.Fatal("expected error")
			}
			if len(q.Published("links_queue")) != 0 {
				t.Fatal("expected nothing published")
			}
		})
	}
}

func TestSeedStopsOnPublishError(t *testing.T) {
	q := queuetest.NewMemory()
	publishErr := errors.New("channel closed")
	q.PublishErr = func(string, []byte) error { return publishErr }
	a, _ := testApp(t, q)

	if _, err := execute(a, "seed", "https://example.com/"); !errors.Is(err, publishErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestSeedConnectionError(t *testing.T) {
	a, _ := testApp(t, queuetest.NewMemory())
	connErr := &queue.ConnectionError{Addr: "localhost:5672", Err: errors.New("connection refused")}
	a.openQueue = func(context.Context, config.QueueConfig, *logrus.Entry) (queue.Client, error) {
		return nil, connErr
	}

	_, err := execute(a, "seed", "https://example.com/")
	var ce *queue.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestCheckReportsDepthAndStore(t *testing.T) {
	q := queuetest.NewMemory()
	q.Push("links_queue", "https://a.example/", "https://b.example/")
	a, cfg := testApp(t, q)

	store, err := dedup.OpenFile(cfg.Dedup.File)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Commit(context.Background(), []string{"https://x.example/", "https://y.example/", "https://z.example/"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = store.Close()

	out, err := execute(a, "check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"queue links_queue: 2", "dedup store (file): 3 processed links"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestCheckStoreError(t *testing.T) {
	a, _ := testApp(t, queuetest.NewMemory())
	storeErr := &dedup.StorageError{Backend: "redis", Op: "ping", Err: errors.New("refused")}
	a.openStore = func(context.Context, config.DedupConfig) (dedup.Store, error) {
		return nil, storeErr
	}

	if _, err := execute(a, "check"); !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestCheckRejectsArgs(t *testing.T) {
	a, _ := testApp(t, queuetest.NewMemory())
	if _, err := execute(a, "check", "extra"); err == nil {
		t.Fatal("expected error for unexpected argument")
	}
}

func TestNormalizeSeeds(t *testing.T) {
	got, err := normalizeSeeds([]string{" example.com ", "https://example.com", "http://plain.example/x"})
	if err != nil {
		t.Fatalf("normalizeSeeds: %v", err)
	}
	want := []string{"https://example.com", "http://plain.example/x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := normalizeSeeds(nil); !errors.Is(err, errNoSeeds) {
		t.Fatalf("expected errNoSeeds, got %v", err)
	}
}
