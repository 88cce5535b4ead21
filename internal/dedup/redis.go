package dedup

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const redisBackend = "redis"

// Static and compile-time check to ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps the processed links in a single Redis set, which lets
// several workers share one dedup view.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to addr and verifies the server is reachable.
func NewRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	if key == "" {
		return nil, errors.New("redis dedup key must not be empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &StorageError{Backend: redisBackend, Op: "ping", Err: err}
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load returns every member of the set.
func (s *RedisStore) Load(ctx context.Context) (map[string]struct{}, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, &StorageError{Backend: redisBackend, Op: "load", Err: err}
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

// Filter asks Redis for membership of all URLs in one round trip.
func (s *RedisStore) Filter(ctx context.Context, urls []string) ([]string, error) {
	candidates := unique(urls)
	if len(candidates) == 0 {
		return []string{}, nil
	}
	members := make([]interface{}, len(candidates))
	for i, u := range candidates {
		members[i] = u
	}
	present, err := s.client.SMIsMember(ctx, s.key, members...).Result()
	if err != nil {
		return nil, &StorageError{Backend: redisBackend, Op: "filter", Err: err}
	}
	out := make([]string, 0, len(candidates))
	for i, u := range candidates {
		if !present[i] {
			out = append(out, u)
		}
	}
	return out, nil
}

// Commit adds the URLs to the set. Durability follows the server's AOF policy.
func (s *RedisStore) Commit(ctx context.Context, urls []string) error {
	candidates := unique(urls)
	if len(candidates) == 0 {
		return nil
	}
	members := make([]interface{}, len(candidates))
	for i, u := range candidates {
		members[i] = u
	}
	if err := s.client.SAdd(ctx, s.key, members...).Err(); err != nil {
		return &StorageError{Backend: redisBackend, Op: "commit", Err: err}
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
