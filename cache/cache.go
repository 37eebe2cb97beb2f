// Package cache implements the object cache interface the transaction
// state machine consults for lookups and writes (spec component C7). It
// is storage-agnostic: Store is implemented here by an in-process
// sharded map (grounded on the teacher's jumphash-based shard selection)
// and, optionally, a Redis-backed remote store for multi-instance
// deployments.
package cache

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/pior/trafficcore/internal"
	"github.com/pior/trafficcore/iochannel"
)

// Verdict is the outcome of a cache lookup (spec §4.6 CACHE_LOOKUP).
type Verdict int

const (
	VerdictMiss Verdict = iota
	VerdictHitFresh
	VerdictHitStale
	VerdictSkipped
)

func (v Verdict) String() string {
	switch v {
	case VerdictMiss:
		return "MISS"
	case VerdictHitFresh:
		return "HIT_FRESH"
	case VerdictHitStale:
		return "HIT_STALE"
	case VerdictSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// ErrNoWriter is returned by OpenWrite when a writer already holds the
// key (spec §8 invariant 5: at most one concurrent writer per key).
var ErrNoWriter = errors.New("cache: key already has an open writer")

// AlternateMeta carries the headers/metadata stored alongside an
// alternate's body (spec §4.7 open_write's alternate_meta).
type AlternateMeta struct {
	StatusCode int
	Header     map[string][]string
	StoredAt   time.Time
	MaxAge     time.Duration
	ETag       string
	Quality    float64 // primary alternate selection criterion (ties go to the newest), spec §4.6
}

// Fresh reports whether this alternate is still within MaxAge of
// StoredAt as of now.
func (m AlternateMeta) Fresh(now time.Time) bool {
	if m.MaxAge <= 0 {
		return false
	}
	return now.Sub(m.StoredAt) < m.MaxAge
}

// Alternate is one cached response variant of a URL (GLOSSARY).
type Alternate struct {
	Key   string
	Meta  AlternateMeta
	Body  []byte
	added time.Time // insertion order, for alternate-selection tiebreaks
}

// Store is the storage backend the Cache uses; RedisStore and
// MemStore both implement it (spec §4.7: storage-agnostic by design).
type Store interface {
	Get(key string) ([]*Alternate, bool)
	Put(key string, alt *Alternate)
	Delete(key string)
	TryLock(key string) bool
	Unlock(key string)
}

// Cache is the SM-facing cache interface (spec §4.7).
type Cache struct {
	store Store
}

func New(store Store) *Cache { return &Cache{store: store} }

// LookupResult is what Lookup returns to the SM.
type LookupResult struct {
	Verdict     Verdict
	Candidates  []*Alternate
}

// Lookup resolves a cache key to a verdict and the candidate alternates
// for SELECT_ALT (spec §4.7, §4.6 CACHE_LOOKUP).
func (c *Cache) Lookup(key string, now time.Time) LookupResult {
	alts, ok := c.store.Get(key)
	if !ok || len(alts) == 0 {
		return LookupResult{Verdict: VerdictMiss}
	}
	best := SelectAlternate(alts)
	if best.Meta.Fresh(now) {
		return LookupResult{Verdict: VerdictHitFresh, Candidates: alts}
	}
	return LookupResult{Verdict: VerdictHitStale, Candidates: alts}
}

// SelectAlternate picks the candidate with highest quality, ties broken
// by most-recent insertion (spec §4.6 "Alternate selection").
func SelectAlternate(alts []*Alternate) *Alternate {
	best := alts[0]
	for _, a := range alts[1:] {
		if a.Meta.Quality > best.Meta.Quality ||
			(a.Meta.Quality == best.Meta.Quality && a.added.After(best.added)) {
			best = a
		}
	}
	return best
}

// OpenRead returns a channel that streams back key's chosen alternate
// body (spec §4.7 open_read). The channel exposes only the body; the
// alternate's metadata stays with the *Alternate the caller passed in.
func (c *Cache) OpenRead(key string, alt *Alternate) iochannel.Channel {
	return newBodyChannel(bytes.NewReader(alt.Body))
}

// Writer is returned by OpenWrite; callers append bytes and Commit or
// Abort (the latter discarding a partial/errored write, spec §4.6
// "Errors mid-body").
type Writer struct {
	cache *Cache
	key   string
	meta  AlternateMeta
	buf   bytes.Buffer
	done  bool
}

// OpenWrite begins a new alternate write for key, failing if a writer is
// already open for that key (spec §8 invariant 5).
func (c *Cache) OpenWrite(key string, meta AlternateMeta) (*Writer, error) {
	if !c.store.TryLock(key) {
		return nil, ErrNoWriter
	}
	return &Writer{cache: c, key: key, meta: meta}, nil
}

func (w *Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

// Commit stores the accumulated body as a new alternate and releases the
// per-key write lock.
func (w *Writer) Commit() {
	if w.done {
		return
	}
	w.done = true
	alt := &Alternate{Key: w.key, Meta: w.meta, Body: append([]byte(nil), w.buf.Bytes()...), added: time.Now()}
	w.cache.store.Put(w.key, alt)
	w.cache.store.Unlock(w.key)
}

// Abort discards the write in progress (origin EOS before Content-Length
// satisfied, or client abort) without storing anything.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.cache.store.Unlock(w.key)
}

// SetCacheURL overrides the key the SM will use for lookup/write on this
// request (spec §4.7 set_cache_url).
func SetCacheURL(requestHeader map[string][]string, url string) map[string][]string {
	h := make(map[string][]string, len(requestHeader)+1)
	for k, v := range requestHeader {
		h[k] = v
	}
	h["X-Cache-Url"] = []string{url}
	return h
}

// ShardKey hashes key with xxh3; LocalShard uses it to pick a local
// shard. The background-fetch single-flight guard in httpsm does not use
// it and is keyed by the caller's fingerprint string.
func ShardKey(key string) uint64 { return xxh3.HashString(key) }

// LocalShard picks a local cache shard index via Jump Consistent Hash
// (teacher's internal.JumpHash), stable under the common case of a fixed
// shard count, unlike rendezvous hashing which the resolver package uses
// for a membership set that actually changes at runtime.
func LocalShard(key string, numShards int) int {
	return internal.JumpHash(ShardKey(key), numShards)
}

// MemStore is the default in-process Store: a shard of mutex-guarded
// maps, sharded by LocalShard to bound per-shard lock contention.
type MemStore struct {
	shards []memShard
}

type memShard struct {
	mu      sync.Mutex
	alts    map[string][]*Alternate
	writers map[string]bool
}

// NewMemStore creates an in-process Store with the given shard count.
func NewMemStore(numShards int) *MemStore {
	if numShards < 1 {
		numShards = 1
	}
	s := &MemStore{shards: make([]memShard, numShards)}
	for i := range s.shards {
		s.shards[i].alts = make(map[string][]*Alternate)
		s.shards[i].writers = make(map[string]bool)
	}
	return s
}

func (s *MemStore) shardFor(key string) *memShard {
	return &s.shards[LocalShard(key, len(s.shards))]
}

func (s *MemStore) Get(key string) ([]*Alternate, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	alts, ok := sh.alts[key]
	return alts, ok
}

func (s *MemStore) Put(key string, alt *Alternate) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.alts[key] = append(sh.alts[key], alt)
}

func (s *MemStore) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.alts, key)
}

func (s *MemStore) TryLock(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.writers[key] {
		return false
	}
	sh.writers[key] = true
	return true
}

func (s *MemStore) Unlock(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.writers, key)
}
