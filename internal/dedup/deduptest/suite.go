package deduptest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	check "gopkg.in/check.v1"

	"link-crawler/internal/dedup"
)

// BaseSuite defines a set of re-usable tests that can be executed against
// any concrete type that implements the dedup.Store interface.
type BaseSuite struct {
	store  dedup.Store
	reopen func() (dedup.Store, error)
}

// SetStore sets the store under test. reopen must return a fresh Store
// backed by the same storage, it is used to verify durability.
func (s *BaseSuite) SetStore(store dedup.Store, reopen func() (dedup.Store, error)) {
	s.store = store
	s.reopen = reopen
}

// Store returns the store currently under test.
func (s *BaseSuite) Store() dedup.Store {
	return s.store
}

// TestFilterDropsCommitted verifies that committed URLs are excluded.
func (s *BaseSuite) TestFilterDropsCommitted(c *check.C) {
	ctx := context.Background()

	fresh, err := s.store.Filter(ctx, []string{"http://example.com/a", "http://example.com/b"})
	c.Assert(err, check.IsNil)
	c.Assert(fresh, check.DeepEquals, []string{"http://example.com/a", "http://example.com/b"})

	err = s.store.Commit(ctx, []string{"http://example.com/a"})
	c.Assert(err, check.IsNil, check.Commentf("commit: %v", err))

	fresh, err = s.store.Filter(ctx, []string{"http://example.com/a", "http://example.com/b"})
	c.Assert(err, check.IsNil)
	c.Assert(fresh, check.DeepEquals, []string{"http://example.com/b"})
}

// TestFilterKeepsInputOrderWithoutDuplicates verifies Filter's output shape.
func (s *BaseSuite) TestFilterKeepsInputOrderWithoutDuplicates(c *check.C) {
	in := []string{
		"http://example.com/z",
		"http://example.com/a",
		"",
		"http://example.com/z",
		"http://example.com/m",
	}
	fresh, err := s.store.Filter(context.Background(), in)
	c.Assert(err, check.IsNil)
	c.Assert(fresh, check.DeepEquals, []string{
		"http://example.com/z",
		"http://example.com/a",
		"http://example.com/m",
	})

	empty, err := s.store.Filter(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Assert(empty, check.HasLen, 0)
}

// TestCommitIsIdempotent verifies that repeated commits do not duplicate entries.
func (s *BaseSuite) TestCommitIsIdempotent(c *check.C) {
	ctx := context.Background()
	u := "http://example.com/once"

	c.Assert(s.store.Commit(ctx, []string{u}), check.IsNil)
	c.Assert(s.store.Commit(ctx, []string{u, u}), check.IsNil)
	c.Assert(s.store.Commit(ctx, nil), check.IsNil)

	all, err := s.store.Load(ctx)
	c.Assert(err, check.IsNil)
	c.Assert(all, check.HasLen, 1)
	_, ok := all[u]
	c.Assert(ok, check.Equals, true)
}

// TestCommitSurvivesReopen verifies that committed URLs are durable.
func (s *BaseSuite) TestCommitSurvivesReopen(c *check.C) {
	ctx := context.Background()
	committed := []string{"http://example.com/a", "http://example.com/b?q=1", "http://example.com/c#top"}

	c.Assert(s.store.Commit(ctx, committed), check.IsNil)
	c.Assert(s.store.Close(), check.IsNil)

	reopened, err := s.reopen()
	c.Assert(err, check.IsNil, check.Commentf("reopen: %v", err))
	s.store = reopened

	all, err := s.store.Load(ctx)
	c.Assert(err, check.IsNil)
	got := make([]string, 0, len(all))
	for u := range all {
		got = append(got, u)
	}
	sort.Strings(got)
	c.Assert(got, check.DeepEquals, committed)

	fresh, err := s.store.Filter(ctx, append(committed, "http://example.com/d"))
	c.Assert(err, check.IsNil)
	c.Assert(fresh, check.DeepEquals, []string{"http://example.com/d"})
}

// TestConcurrentCommits verifies that parallel commits are all recorded.
func (s *BaseSuite) TestConcurrentCommits(c *check.C) {
	const (
		writers   = 8
		perWriter = 25
	)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]string, 0, perWriter)
			for i := 0; i < perWriter; i++ {
				batch = append(batch, fmt.Sprintf("http://example.com/%d/%d", w, i))
			}
			// Every writer also commits a shared URL.
			batch = append(batch, "http://example.com/shared")
			if err := s.store.Commit(ctx, batch); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		c.Fatalf("concurrent commit: %v", err)
	}

	all, err := s.store.Load(ctx)
	c.Assert(err, check.IsNil)
	c.Assert(all, check.HasLen, writers*perWriter+1)
}
