package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary RecordStore with a Redis read-through cache.
// Writes go to the primary store first and then refresh the cache; reads
// check Redis and fall back to the primary on a miss. Cache failures are
// never fatal, the primary remains the source of truth.
type CachedStore struct {
	primary RecordStore
	rdb     *redis.Client
	ttl     time.Duration
}

func NewCachedStore(primary RecordStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func cacheKey(key string) string {
	return "record:" + key
}

func (s *CachedStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err == nil {
		return data, nil
	}

	data, err = s.primary.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, cacheKey(key), data, s.ttl)
	return data, nil
}

func (s *CachedStore) CreateIfAbsent(ctx context.Context, key string, size int) ([]byte, bool, error) {
	data, created, err := s.primary.CreateIfAbsent(ctx, key, size)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.rdb.Set(ctx, cacheKey(key), data, s.ttl)
	}
	return data, created, nil
}

func (s *CachedStore) Store(ctx context.Context, key string, data []byte) error {
	if err := s.primary.Store(ctx, key, data); err != nil {
		return err
	}
	s.rdb.Set(ctx, cacheKey(key), data, s.ttl)
	return nil
}

func (s *CachedStore) StoreAll(ctx context.Context, records map[string][]byte) error {
	if err := s.primary.StoreAll(ctx, records); err != nil {
		return err
	}
	for key, data := range records {
		s.rdb.Set(ctx, cacheKey(key), data, s.ttl)
	}
	return nil
}
