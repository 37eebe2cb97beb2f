package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an optional remote-shared Store backend for multi-
// instance deployments (spec §4.7 notes this interface is
// storage-agnostic; on-disk/shared layout is explicitly out of scope,
// but a shared remote store is the natural shape for sharing alternates
// across proxy instances). Alternates are JSON-encoded; this is not the
// wire format of the real cache directory, just a convenient encoding
// for the demonstration backend.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	locks  string // key prefix for write-lock entries
}

// NewRedisStore wraps an existing client. ttl bounds how long entries
// persist in Redis independent of AlternateMeta freshness (a backstop
// against unbounded growth, since this store never runs background
// eviction itself).
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, locks: "trafficcore:lock:"}
}

func (s *RedisStore) ctx() context.Context { return context.Background() }

func (s *RedisStore) Get(key string) ([]*Alternate, bool) {
	data, err := s.rdb.Get(s.ctx(), key).Bytes()
	if err != nil {
		return nil, false
	}
	var alts []*Alternate
	if err := json.Unmarshal(data, &alts); err != nil {
		return nil, false
	}
	return alts, len(alts) > 0
}

func (s *RedisStore) Put(key string, alt *Alternate) {
	alts, _ := s.Get(key)
	alts = append(alts, alt)
	data, err := json.Marshal(alts)
	if err != nil {
		return
	}
	s.rdb.Set(s.ctx(), key, data, s.ttl)
}

func (s *RedisStore) Delete(key string) {
	s.rdb.Del(s.ctx(), key)
}

// TryLock uses SETNX to enforce the at-most-one-writer invariant across
// proxy instances sharing this store (spec §8 invariant 5).
func (s *RedisStore) TryLock(key string) bool {
	ok, err := s.rdb.SetNX(s.ctx(), s.locks+key, 1, 30*time.Second).Result()
	return err == nil && ok
}

func (s *RedisStore) Unlock(key string) {
	s.rdb.Del(s.ctx(), s.locks+key)
}

var _ Store = (*RedisStore)(nil)
