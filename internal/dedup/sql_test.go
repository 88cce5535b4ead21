package dedup_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	check "gopkg.in/check.v1"

	"link-crawler/internal/dedup"
	"link-crawler/internal/dedup/deduptest"
)

var (
	_ = check.Suite(new(sqliteStoreTestSuite))
	_ = check.Suite(new(postgresStoreTestSuite))
)

type sqliteStoreTestSuite struct {
	deduptest.BaseSuite
}

func (s *sqliteStoreTestSuite) SetUpTest(c *check.C) {
	path := filepath.Join(c.MkDir(), "links.db")
	store, err := dedup.OpenSQLite(context.Background(), path)
	c.Assert(err, check.IsNil)

	s.SetStore(store, func() (dedup.Store, error) {
		return dedup.OpenSQLite(context.Background(), path)
	})
}

func (s *sqliteStoreTestSuite) TearDownTest(c *check.C) {
	c.Assert(s.Store().Close(), check.IsNil)
}

func (s *sqliteStoreTestSuite) TestFilterLargeBatch(c *check.C) {
	ctx := context.Background()
	urls := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		urls = append(urls, fmt.Sprintf("http://example.com/p/%d", i))
	}
	c.Assert(s.Store().Commit(ctx, urls[:700]), check.IsNil)

	fresh, err := s.Store().Filter(ctx, urls)
	c.Assert(err, check.IsNil)
	c.Assert(fresh, check.DeepEquals, urls[700:])
}

// postgresStoreTestSuite runs against the database in POSTGRES_DSN.
type postgresStoreTestSuite struct {
	deduptest.BaseSuite
	dsn string
	db  *sql.DB
}

func (s *postgresStoreTestSuite) SetUpSuite(c *check.C) {
	s.dsn = os.Getenv("POSTGRES_DSN")
	if s.dsn == "" {
		c.Skip("Missing POSTGRES_DSN envvar; skipping postgres backed dedup test suite")
	}
	db, err := sql.Open("postgres", s.dsn)
	c.Assert(err, check.IsNil)
	s.db = db
}

func (s *postgresStoreTestSuite) SetUpTest(c *check.C) {
	store, err := dedup.OpenPostgres(context.Background(), s.dsn)
	c.Assert(err, check.IsNil)
	_, err = s.db.Exec("TRUNCATE processed_links")
	c.Assert(err, check.IsNil)

	s.SetStore(store, func() (dedup.Store, error) {
		return dedup.OpenPostgres(context.Background(), s.dsn)
	})
}

func (s *postgresStoreTestSuite) TearDownTest(c *check.C) {
	c.Assert(s.Store().Close(), check.IsNil)
}

func (s *postgresStoreTestSuite) TearDownSuite(c *check.C) {
	if s.db != nil {
		_ = s.db.Close()
	}
}
