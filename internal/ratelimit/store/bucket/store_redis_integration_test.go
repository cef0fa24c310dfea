//go:build integration

package bucket_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"medgate/internal/ratelimit/store/bucket"
	"medgate/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *bucket.RedisStore
	ctx   context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = bucket.NewRedisStore(s.redis.Client)
	s.ctx = context.Background()
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.Client.FlushDB(s.ctx).Err())
}

func (s *RedisStoreSuite) TestAllowUpToLimit() {
	const limit = 5
	for i := range limit {
		result, err := s.store.Allow(s.ctx, "it:allow", limit, time.Minute)
		s.Require().NoError(err)
		s.True(result.Allowed)
		s.Equal(limit-i-1, result.Remaining)
	}

	result, err := s.store.Allow(s.ctx, "it:allow", limit, time.Minute)
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Positive(result.RetryAfter)
}

func (s *RedisStoreSuite) TestWindowExpiry() {
	const limit = 2
	window := 500 * time.Millisecond

	for range limit {
		_, err := s.store.Allow(s.ctx, "it:expiry", limit, window)
		s.Require().NoError(err)
	}
	result, err := s.store.Allow(s.ctx, "it:expiry", limit, window)
	s.Require().NoError(err)
	s.False(result.Allowed)

	time.Sleep(window + 100*time.Millisecond)

	result, err = s.store.Allow(s.ctx, "it:expiry", limit, window)
	s.Require().NoError(err)
	s.True(result.Allowed)
}

func (s *RedisStoreSuite) TestConcurrentAdmissions() {
	const limit = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for range 2 * limit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.store.Allow(s.ctx, "it:concurrent", limit, time.Minute)
			s.Require().NoError(err)
			if result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(limit, allowed)
}

func (s *RedisStoreSuite) TestResetAndPeek() {
	const limit = 3
	for range limit {
		_, err := s.store.Allow(s.ctx, "it:reset", limit, time.Minute)
		s.Require().NoError(err)
	}

	peek, err := s.store.Peek(s.ctx, "it:reset", limit, time.Minute)
	s.Require().NoError(err)
	s.False(peek.Allowed)
	s.Equal(0, peek.Remaining)

	s.Require().NoError(s.store.Reset(s.ctx, "it:reset"))

	peek, err = s.store.Peek(s.ctx, "it:reset", limit, time.Minute)
	s.Require().NoError(err)
	s.True(peek.Allowed)
	s.Equal(limit, peek.Remaining)
}

func (s *RedisStoreSuite) TestForget() {
	const limit = 5
	for range 3 {
		_, err := s.store.Allow(s.ctx, "it:forget", limit, time.Minute)
		s.Require().NoError(err)
	}

	s.Require().NoError(s.store.Forget(s.ctx, "it:forget"))

	peek, err := s.store.Peek(s.ctx, "it:forget", limit, time.Minute)
	s.Require().NoError(err)
	s.Equal(limit-2, peek.Remaining)
}
