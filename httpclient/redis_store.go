package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var _ EntryStore = (*RedisStore)(nil)

const scanBatch = 100

// RedisStore keeps entries in Redis so that several processes can share a
// response cache. Entries are JSON encoded under Prefix+key and expire in
// Redis after their TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding cache entry %q: %w", key, err)
	}
	return &e, nil
}

func (s *RedisStore) Set(ctx context.Context, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry %q: %w", entry.Key, err)
	}
	return s.client.Set(ctx, s.prefix+entry.Key, data, entry.TTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...CacheKey) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.prefix + k
	}
	return s.client.Del(ctx, prefixed...).Err()
}

func (s *RedisStore) DeletePath(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.prefix+path).Err(); err != nil {
		return err
	}
	variants := s.prefix + path + "?"
	return s.deleteMatching(ctx, escapeGlob(s.prefix+path)+"*", func(key string) bool {
		return strings.HasPrefix(key, variants)
	})
}

// Clear removes every key under the store's prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.deleteMatching(ctx, escapeGlob(s.prefix)+"*", nil)
}

// deleteMatching deletes the keys matching the glob pattern that also pass
// keep, when given.
func (s *RedisStore) deleteMatching(ctx context.Context, pattern string, keep func(string) bool) error {
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		if keep != nil && !keep(iter.Val()) {
			continue
		}
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %q: %w", pattern, err)
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
