package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_LookupMissThenHit(t *testing.T) {
	c := New(NewMemStore(4))
	now := time.Now()

	res := c.Lookup("http://example/a", now)
	assert.Equal(t, VerdictMiss, res.Verdict)

	w, err := c.OpenWrite("http://example/a", AlternateMeta{StatusCode: 200, MaxAge: time.Minute, StoredAt: now})
	require.NoError(t, err)
	w.Write([]byte("body"))
	w.Commit()

	res = c.Lookup("http://example/a", now)
	assert.Equal(t, VerdictHitFresh, res.Verdict)
}

func TestCache_LookupStaleAfterMaxAge(t *testing.T) {
	c := New(NewMemStore(4))
	past := time.Now().Add(-time.Hour)

	w, err := c.OpenWrite("k", AlternateMeta{MaxAge: time.Minute, StoredAt: past})
	require.NoError(t, err)
	w.Commit()

	res := c.Lookup("k", time.Now())
	assert.Equal(t, VerdictHitStale, res.Verdict)
}

func TestCache_OnlyOneConcurrentWriter(t *testing.T) {
	c := New(NewMemStore(1))

	w1, err := c.OpenWrite("k", AlternateMeta{})
	require.NoError(t, err)

	_, err = c.OpenWrite("k", AlternateMeta{})
	assert.ErrorIs(t, err, ErrNoWriter)

	w1.Abort()

	w2, err := c.OpenWrite("k", AlternateMeta{})
	require.NoError(t, err)
	w2.Abort()
}

func TestSelectAlternate_HighestQualityTieBrokenByRecency(t *testing.T) {
	older := &Alternate{Meta: AlternateMeta{Quality: 0.5}, added: time.Now().Add(-time.Minute)}
	newer := &Alternate{Meta: AlternateMeta{Quality: 0.5}, added: time.Now()}
	best := &Alternate{Meta: AlternateMeta{Quality: 0.9}, added: time.Now().Add(-time.Hour)}

	got := SelectAlternate([]*Alternate{older, newer, best})
	assert.Same(t, best, got, "highest quality wins regardless of recency")

	got = SelectAlternate([]*Alternate{older, newer})
	assert.Same(t, newer, got, "ties broken by most-recent insertion")
}

func TestLocalShard_Deterministic(t *testing.T) {
	a := LocalShard("http://example/a", 8)
	b := LocalShard("http://example/a", 8)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 8)
}
