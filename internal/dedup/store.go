//go:generate mockgen -destination=../../mocks/dedup.go -package=mocks link-crawler/internal/dedup Store

// Package dedup persists the set of URLs a crawl worker has already
// published, so that no link is republished after it has been committed.
//
// Every Store is safe for concurrent use. Once Commit returns nil, each
// committed URL is durable and is excluded by every later Filter call made
// through the same Store.
package dedup

import (
	"context"
	"fmt"

	"link-crawler/internal/config"
)

// Store is the processed-links set.
type Store interface {
	// Load returns every committed URL.
	Load(ctx context.Context) (map[string]struct{}, error)
	// Filter returns the URLs from urls that have not been committed, in
	// input order and without duplicates.
	Filter(ctx context.Context, urls []string) ([]string, error)
	// Commit durably records urls. Committing a URL twice is a no-op.
	Commit(ctx context.Context, urls []string) error
	Close() error
}

// StorageError wraps any failure of the underlying storage engine.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("dedup %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.DedupConfig) (Store, error) {
	switch cfg.Backend {
	case config.DedupFile, "":
		return OpenFile(cfg.File)
	case config.DedupRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisKey)
	case config.DedupSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.DedupPostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

// unique drops empty strings and repeats, keeping the first occurrence.
func unique(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
