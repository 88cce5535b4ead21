package dedup_test

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	check "gopkg.in/check.v1"

	"link-crawler/internal/dedup"
	"link-crawler/internal/dedup/deduptest"
)

var _ = check.Suite(new(redisStoreTestSuite))

// redisStoreTestSuite runs against the server in REDIS_ADDR. Each test uses
// its own set key.
type redisStoreTestSuite struct {
	deduptest.BaseSuite
	addr   string
	key    string
	client *redis.Client
}

func (s *redisStoreTestSuite) SetUpSuite(c *check.C) {
	s.addr = os.Getenv("REDIS_ADDR")
	if s.addr == "" {
		c.Skip("Missing REDIS_ADDR envvar; skipping redis backed dedup test suite")
	}
	s.client = redis.NewClient(&redis.Options{Addr: s.addr})
}

func (s *redisStoreTestSuite) SetUpTest(c *check.C) {
	s.key = "link-crawler:test:" + uuid.NewString()
	store, err := dedup.NewRedisStore(context.Background(), s.addr, s.key)
	c.Assert(err, check.IsNil)

	s.SetStore(store, func() (dedup.Store, error) {
		return dedup.NewRedisStore(context.Background(), s.addr, s.key)
	})
}

func (s *redisStoreTestSuite) TearDownTest(c *check.C) {
	c.Assert(s.Store().Close(), check.IsNil)
	c.Assert(s.client.Del(context.Background(), s.key).Err(), check.IsNil)
}

func (s *redisStoreTestSuite) TearDownSuite(c *check.C) {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func (s *redisStoreTestSuite) TestRejectsEmptyKey(c *check.C) {
	_, err := dedup.NewRedisStore(context.Background(), s.addr, "")
	c.Assert(err, check.NotNil)
}
