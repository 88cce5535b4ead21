package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Static and compile-time check to ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// filterChunk keeps IN lists below SQLite's default variable limit.
const filterChunk = 500

type dialect struct {
	name        string
	placeholder func(i int) string // 1-based
	insert      string
}

var (
	sqliteDialect = dialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		insert:      "INSERT INTO processed_links (url) VALUES (?) ON CONFLICT (url) DO NOTHING",
	}
	postgresDialect = dialect{
		name:        "postgres",
		placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
		insert:      "INSERT INTO processed_links (url) VALUES ($1) ON CONFLICT (url) DO NOTHING",
	}
)

const createTableQuery = `
	CREATE TABLE IF NOT EXISTS processed_links (
		url TEXT PRIMARY KEY,
		committed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

// SQLStore keeps processed links in a processed_links table, either in an
// embedded SQLite file or in PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens or creates the SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &StorageError{Backend: sqliteDialect.name, Op: "open", Err: err}
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, &StorageError{Backend: sqliteDialect.name, Op: "open", Err: err}
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, &StorageError{Backend: sqliteDialect.name, Op: "pragma", Err: err}
		}
	}
	return newSQLStore(ctx, db, sqliteDialect)
}

// OpenPostgres connects to the PostgreSQL database described by dsn.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &StorageError{Backend: postgresDialect.name, Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &StorageError{Backend: postgresDialect.name, Op: "ping", Err: err}
	}
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, &StorageError{Backend: d.name, Op: "create table", Err: err}
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// Load returns every committed URL.
func (s *SQLStore) Load(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT url FROM processed_links")
	if err != nil {
		return nil, s.wrap("load", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, s.wrap("load", err)
		}
		out[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("load", err)
	}
	return out, nil
}

// Filter looks the URLs up in chunks.
func (s *SQLStore) Filter(ctx context.Context, urls []string) ([]string, error) {
	candidates := unique(urls)
	present := make(map[string]struct{})

	for start := 0; start < len(candidates); start += filterChunk {
		end := start + filterChunk
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, u := range chunk {
			placeholders[i] = s.dialect.placeholder(i + 1)
			args[i] = u
		}
		query := "SELECT url FROM processed_links WHERE url IN (" + strings.Join(placeholders, ", ") + ")"

		if err := s.collect(ctx, query, args, present); err != nil {
			return nil, s.wrap("filter", err)
		}
	}

	out := make([]string, 0, len(candidates))
	for _, u := range candidates {
		if _, ok := present[u]; !ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *SQLStore) collect(ctx context.Context, query string, args []interface{}, into map[string]struct{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return err
		}
		into[u] = struct{}{}
	}
	return rows.Err()
}

// Commit inserts the URLs in a single transaction.
func (s *SQLStore) Commit(ctx context.Context, urls []string) error {
	candidates := unique(urls)
	if len(candidates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("commit", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.insert)
	if err != nil {
		_ = tx.Rollback()
		return s.wrap("commit", err)
	}
	defer stmt.Close()

	for _, u := range candidates {
		if _, err := stmt.ExecContext(ctx, u); err != nil {
			_ = tx.Rollback()
			return s.wrap("commit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) wrap(op string, err error) error {
	return &StorageError{Backend: s.dialect.name, Op: op, Err: err}
}
