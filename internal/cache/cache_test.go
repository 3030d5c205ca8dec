package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/types"
)

func sampleEvents() []types.Event {
	return []types.Event{
		{ID: strings.Repeat("2", 64), PubKey: strings.Repeat("a", 64), CreatedAt: 200, Kind: 1, Tags: [][]string{{"t", "go"}}, Content: "two", Sig: "s2", RelaysSeen: []string{"wss://a", "wss://b"}},
		{ID: strings.Repeat("3", 64), PubKey: strings.Repeat("a", 64), CreatedAt: 150, Kind: 1, Tags: [][]string{}, Content: "three", Sig: "s3", RelaysSeen: []string{"wss://b"}},
		{ID: strings.Repeat("1", 64), PubKey: strings.Repeat("a", 64), CreatedAt: 100, Kind: 1, Tags: [][]string{}, Content: "<one> &  ", Sig: "s1"},
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()

	mem := NewMemoryBackend(0)
	t.Cleanup(func() { mem.Close() })

	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend("redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })

	return map[string]Backend{"memory": mem, "redis": rb}
}

func TestQueryCacheWriteThenRead(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := NewQueryCache(backend, nil)

			_, ok := c.Get(ctx, "missing")
			require.False(t, ok)

			events := sampleEvents()
			relays := []string{"wss://a", "wss://b"}
			require.NoError(t, c.Set(ctx, "k", events, relays))

			got, ok := c.Get(ctx, "k")
			require.True(t, ok)
			require.Equal(t, events, got.Events)
			require.Equal(t, relays, got.Relays)
			require.NotZero(t, got.FetchedAt)
			require.Nil(t, got.Seen)

			// replaced wholesale, never merged
			require.NoError(t, c.Set(ctx, "k", events[:1], relays[:1]))
			got, ok = c.Get(ctx, "k")
			require.True(t, ok)
			require.Equal(t, events[:1], got.Events)
			require.Equal(t, relays[:1], got.Relays)

			require.NoError(t, c.Delete(ctx, "k"))
			_, ok = c.Get(ctx, "k")
			require.False(t, ok)
		})
	}
}

func TestRedisEntriesDoNotExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend("redis://"+mr.Addr(), "relaypool:")
	require.NoError(t, err)
	defer rb.Close()

	c := NewQueryCache(rb, nil)
	require.NoError(t, c.Set(context.Background(), "k", sampleEvents(), nil))

	require.True(t, mr.Exists("relaypool:k"))
	require.Zero(t, mr.TTL("relaypool:k"))

	mr.FastForward(365 * 24 * time.Hour)
	_, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
}

func TestRedisFailureReadsAsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	rb, err := NewRedisBackend("redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer rb.Close()

	c := NewQueryCache(rb, nil)
	require.NoError(t, c.Set(context.Background(), "k", sampleEvents(), nil))

	mr.SetError("ERR injected failure")
	_, ok := c.Get(context.Background(), "k")
	require.False(t, ok)
	require.Error(t, rb.Ping(context.Background()))
}

func TestNewBackendFallsBackToMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisURL = "not a url"
	b, kind := NewBackend(cfg, nil)
	defer b.Close()
	require.Equal(t, "memory", kind)
	require.IsType(t, &MemoryBackend{}, b)

	mr := miniredis.RunT(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	b, kind = NewBackend(cfg, nil)
	defer b.Close()
	require.Equal(t, "redis", kind)
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(3)
	defer m.Close()

	require.NoError(t, m.Set(ctx, "first", []byte("y")))
	v, ok, err := m.Get(ctx, "first")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("y"), v)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("k%d", i), []byte{byte(i)}))
	}

	// the write that went over the bound evicted the oldest one
	require.Equal(t, 3, m.Len())
	_, ok, _ = m.Get(ctx, "first")
	require.False(t, ok)
	for _, key := range []string{"k0", "k1", "k2"} {
		_, ok, _ := m.Get(ctx, key)
		require.True(t, ok, key)
	}

	// overwriting refreshes write order without growing the map
	require.NoError(t, m.Set(ctx, "k0", []byte("again")))
	require.NoError(t, m.Set(ctx, "k3", []byte{3}))
	require.Equal(t, 3, m.Len())
	_, ok, _ = m.Get(ctx, "k1")
	require.False(t, ok)
	v, ok, _ = m.Get(ctx, "k0")
	require.True(t, ok)
	require.Equal(t, []byte("again"), v)

	require.NoError(t, m.Delete(ctx, "k0"))
	require.Equal(t, 2, m.Len())
	require.NoError(t, m.Delete(ctx, "k0"))
	require.Equal(t, 2, m.Len())
}

func TestMemoryEntriesOutliveTime(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	c := NewQueryCache(m, nil)
	require.NoError(t, c.Set(ctx, "k", sampleEvents(), nil))

	// no timer ever removes an entry; only the size bound does
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)
}

func TestCreateKey(t *testing.T) {
	pk1, pk2 := strings.Repeat("a", 64), strings.Repeat("b", 64)
	base := KeyDeps{
		Filter: types.Filter{Kinds: []int{1}, Authors: []string{pk1, pk2}},
		Relays: []string{"wss://a", "wss://b"},
	}

	key := func(d KeyDeps) string {
		k, err := CreateKey(d)
		require.NoError(t, err)
		return k
	}

	k := key(base)
	require.Len(t, k, 64)

	t.Run("relay set sensitivity", func(t *testing.T) {
		d := base
		d.Relays = []string{"wss://a"}
		require.NotEqual(t, k, key(d))
	})

	t.Run("relay order and duplicates do not matter", func(t *testing.T) {
		d := base
		d.Relays = []string{"wss://b", "wss://a", "wss://b"}
		require.Equal(t, k, key(d))
	})

	t.Run("set-valued fields are order independent", func(t *testing.T) {
		d := base
		d.Filter = types.Filter{Kinds: []int{1}, Authors: []string{pk2, pk1}}
		require.Equal(t, k, key(d))
	})

	t.Run("predicate identity", func(t *testing.T) {
		d := base
		d.PredicateID = "has-content"
		withPredicate := key(d)
		require.NotEqual(t, k, withPredicate)

		d.PredicateID = "no-replies"
		require.NotEqual(t, withPredicate, key(d))
	})

	t.Run("filter fields matter", func(t *testing.T) {
		d := base
		d.Filter.Limit = 10
		require.NotEqual(t, k, key(d))

		d = base
		d.Filter.Tags = map[string][]string{"t": {"go"}}
		require.NotEqual(t, k, key(d))
	})

	t.Run("input is not mutated", func(t *testing.T) {
		d := KeyDeps{
			Filter: types.Filter{Authors: []string{pk2, pk1}},
			Relays: []string{"wss://b", "wss://a"},
		}
		key(d)
		require.Equal(t, []string{pk2, pk1}, d.Filter.Authors)
		require.Equal(t, []string{"wss://b", "wss://a"}, d.Relays)
	})
}
