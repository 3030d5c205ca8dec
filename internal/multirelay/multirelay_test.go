package multirelay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/relaytest"
	"nostr-relaypool/internal/types"
)

func newExecutor(t *testing.T, opts Options) (*Executor, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Options{Capacity: 10})
	t.Cleanup(func() { p.Close() })

	backend := cache.NewMemoryBackend(0)
	t.Cleanup(func() { backend.Close() })

	return New(p, cache.NewQueryCache(backend, nil), opts), p
}

func ids(events []types.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestQueryMergesAndSorts(t *testing.T) {
	signer := relaytest.NewSigner()
	e1 := signer.Event(1, 100, "e1")
	e2 := signer.Event(1, 200, "e2")
	e3 := signer.Event(1, 150, "e3")

	a := relaytest.NewServer(t, relaytest.Behavior{}, e1, e2)
	b := relaytest.NewServer(t, relaytest.Behavior{}, e2, e3)

	ex, _ := newExecutor(t, Options{})
	res, err := ex.Query(context.Background(), QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Batch(a.URL(), b.URL()),
	})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, []string{e2.ID, e3.ID, e1.ID}, ids(res.Events))
	require.ElementsMatch(t, []string{a.URL(), b.URL()}, res.Events[0].RelaysSeen)
	require.Equal(t, []string{b.URL()}, res.Events[1].RelaysSeen)
	require.Equal(t, []string{a.URL()}, res.Events[2].RelaysSeen)
}

func TestMergedStreamNeverRepeatsAnEvent(t *testing.T) {
	signer := relaytest.NewSigner()
	var shared []types.Event
	for i := 0; i < 10; i++ {
		shared = append(shared, signer.Event(1, int64(100+i), "shared"))
	}

	var urls []string
	for i := 0; i < 4; i++ {
		urls = append(urls, relaytest.NewServer(t, relaytest.Behavior{}, shared...).URL())
	}

	ex, _ := newExecutor(t, Options{})
	ms, err := ex.SubFilter(context.Background(), types.Filter{Kinds: []int{1}}, Batch(urls...))
	require.NoError(t, err)

	seen := make(map[string]bool)
	err = ms.Each(context.Background(), func(evt types.Event) error {
		require.False(t, seen[evt.ID], "duplicate %s", evt.ID)
		seen[evt.ID] = true
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, len(shared))
}

func TestSilentRelayDoesNotBlockOthers(t *testing.T) {
	signer := relaytest.NewSigner()
	eb := signer.Event(1, 100, "from b")
	ec := signer.Event(1, 200, "from c")

	silent := relaytest.NewServer(t, relaytest.Behavior{Silent: true}, signer.Event(1, 300, "never sent"))
	b := relaytest.NewServer(t, relaytest.Behavior{}, eb)
	c := relaytest.NewServer(t, relaytest.Behavior{}, ec)

	const timeout = 200 * time.Millisecond
	ex, _ := newExecutor(t, Options{RelayTimeout: timeout})

	start := time.Now()
	res, err := ex.Query(context.Background(), QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Batch(silent.URL(), b.URL(), c.URL()),
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, []string{ec.ID, eb.ID}, ids(res.Events))
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, timeout+time.Second)

	// the silent relay's subscription is closed, not leaked
	require.Eventually(t, func() bool { return silent.Closes() == 1 }, time.Second, 10*time.Millisecond)
}

func TestUnreachableRelayIsSkipped(t *testing.T) {
	signer := relaytest.NewSigner()
	e1 := signer.Event(1, 100, "ok")

	down := relaytest.NewServer(t, relaytest.Behavior{})
	downURL := down.URL()
	down.Close()
	up := relaytest.NewServer(t, relaytest.Behavior{}, e1)

	ex, _ := newExecutor(t, Options{})
	res, err := ex.Query(context.Background(), QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Batch(downURL, up.URL()),
	})
	require.NoError(t, err)
	require.Equal(t, []string{e1.ID}, ids(res.Events))
}

func TestMergedStreamUnsubscribe(t *testing.T) {
	a := relaytest.NewServer(t, relaytest.Behavior{Silent: true})
	b := relaytest.NewServer(t, relaytest.Behavior{Silent: true})

	ex, _ := newExecutor(t, Options{RelayTimeout: time.Minute})
	ms, err := ex.SubFilter(context.Background(), types.Filter{Kinds: []int{1}}, Batch(a.URL(), b.URL()))
	require.NoError(t, err)
	require.Equal(t, []string{a.URL(), b.URL()}, ms.Relays())

	require.Eventually(t, func() bool { return a.Requests() == 1 && b.Requests() == 1 }, time.Second, 10*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		_, err := ms.Next(context.Background())
		errc <- err
	}()

	ms.Unsubscribe()
	ms.Unsubscribe()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("pending Next not released")
	}

	_, err = ms.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return a.Closes() == 1 && b.Closes() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEachStopsOnCallbackError(t *testing.T) {
	signer := relaytest.NewSigner()
	srv := relaytest.NewServer(t, relaytest.Behavior{},
		signer.Event(1, 1, "a"), signer.Event(1, 2, "b"), signer.Event(1, 3, "c"))

	ex, _ := newExecutor(t, Options{})
	ms, err := ex.SubFilter(context.Background(), types.Filter{Kinds: []int{1}}, Single(srv.URL()))
	require.NoError(t, err)

	stop := errors.New("enough")
	calls := 0
	err = ms.Each(context.Background(), func(types.Event) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)

	_, err = ms.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestAddressing(t *testing.T) {
	ex, p := newExecutor(t, Options{})
	ctx := context.Background()

	_, err := ex.SubFilter(ctx, types.Filter{Kinds: []int{1}}, AllConnected())
	require.ErrorIs(t, err, ErrNoRelays)

	_, err = ex.SubFilter(ctx, types.Filter{Kinds: []int{1}}, Batch())
	require.ErrorIs(t, err, ErrNoRelays)

	_, err = ex.Query(ctx, QueryRequest{Filter: types.Filter{Authors: []string{"npub1xyz"}}, Addressing: Single("ws://127.0.0.1:1")})
	require.ErrorIs(t, err, types.ErrInvalidFilter)

	signer := relaytest.NewSigner()
	e1 := signer.Event(1, 100, "member")
	a := relaytest.NewServer(t, relaytest.Behavior{}, e1)
	b := relaytest.NewServer(t, relaytest.Behavior{}, e1)
	require.NoError(t, p.AddConnections([]string{a.URL(), b.URL()}))
	require.Eventually(t, func() bool { return len(p.Connected()) == 2 }, 2*time.Second, 10*time.Millisecond)

	res, err := ex.Query(ctx, QueryRequest{Filter: types.Filter{Kinds: []int{1}}, Addressing: AllConnected()})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.ElementsMatch(t, []string{a.URL(), b.URL()}, res.Relays)
	require.Len(t, res.Events[0].RelaysSeen, 2)

	ms, err := ex.SubFilter(ctx, types.Filter{Kinds: []int{1}}, Batch(a.URL(), a.URL()))
	require.NoError(t, err)
	require.Equal(t, []string{a.URL()}, ms.Relays())
	ms.Unsubscribe()
}

func TestQueryLimitAndPredicate(t *testing.T) {
	signer := relaytest.NewSigner()
	var events []types.Event
	for i := 0; i < 5; i++ {
		content := "keep"
		if i%2 == 1 {
			content = "drop"
		}
		events = append(events, signer.Event(1, int64(100+i), content))
	}
	srv := relaytest.NewServer(t, relaytest.Behavior{}, events...)

	ex, _ := newExecutor(t, Options{})
	ctx := context.Background()

	res, err := ex.Query(ctx, QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}, Limit: 2},
		Addressing: Single(srv.URL()),
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	keep := &Predicate{ID: "content-keep", Fn: func(e types.Event) bool { return e.Content == "keep" }}
	res, err = ex.Query(ctx, QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Predicate:  keep,
	})
	require.NoError(t, err)
	require.Equal(t, []string{events[4].ID, events[2].ID, events[0].ID}, ids(res.Events))

	// the predicate id is part of the cache key
	cached, err := ex.Query(ctx, QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Policy:     CacheOnly,
	})
	require.NoError(t, err)
	require.Empty(t, cached.Events)

	cached, err = ex.Query(ctx, QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Predicate:  keep,
		Policy:     CacheOnly,
	})
	require.NoError(t, err)
	require.True(t, cached.FromCache)
	require.Equal(t, ids(res.Events), ids(cached.Events))
}

func TestQueryRejectsPredicateWithoutID(t *testing.T) {
	signer := relaytest.NewSigner()
	srv := relaytest.NewServer(t, relaytest.Behavior{}, signer.Event(1, 100, "drop"))

	ex, _ := newExecutor(t, Options{})
	ctx := context.Background()

	_, err := ex.Query(ctx, QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Predicate:  &Predicate{Fn: func(e types.Event) bool { return e.Content == "keep" }},
	})
	require.ErrorIs(t, err, ErrInvalidPredicate)
	require.Zero(t, srv.Requests())

	// nothing was stored under the unfiltered key
	cached, err := ex.Query(ctx, QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Policy:     CacheOnly,
	})
	require.NoError(t, err)
	require.Empty(t, cached.Events)
}

func TestJoinedQuerySurvivesOneCallerCancelling(t *testing.T) {
	signer := relaytest.NewSigner()
	e1 := signer.Event(1, 100, "shared")

	silent := relaytest.NewServer(t, relaytest.Behavior{Silent: true})
	live := relaytest.NewServer(t, relaytest.Behavior{}, e1)

	ex, _ := newExecutor(t, Options{RelayTimeout: 300 * time.Millisecond})
	req := QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Batch(silent.URL(), live.URL()),
	}

	type outcome struct {
		res QueryResult
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	go func() {
		res, err := ex.Query(firstCtx, req)
		first <- outcome{res, err}
	}()
	// the silent relay holds the fetch open past this point
	require.Eventually(t, func() bool { return silent.Requests() == 1 }, 2*time.Second, 5*time.Millisecond)

	go func() {
		res, err := ex.Query(context.Background(), req)
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	a := <-first
	require.ErrorIs(t, a.err, context.Canceled)

	b := <-second
	require.NoError(t, b.err)
	require.Equal(t, []string{e1.ID}, ids(b.res.Events))

	// both callers were served by one fetch
	require.Equal(t, 1, silent.Requests())
	require.Equal(t, 1, live.Requests())
}

func TestQueryCacheFirst(t *testing.T) {
	signer := relaytest.NewSigner()
	e1 := signer.Event(1, 100, "first")
	srv := relaytest.NewServer(t, relaytest.Behavior{}, e1)

	ex, _ := newExecutor(t, Options{})
	ctx := context.Background()
	req := QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Policy:     CacheFirst,
	}

	res, err := ex.Query(ctx, req)
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, []string{e1.ID}, ids(res.Events))

	e2 := signer.Event(1, 200, "second")
	ps, err := ex.PubEvent(ctx, e2, Single(srv.URL()))
	require.NoError(t, err)
	results, err := ps.Collect(ctx)
	require.NoError(t, err)
	require.True(t, results[0].IsSuccess)

	// served from cache immediately, refreshed behind the caller's back
	res, err = ex.Query(ctx, req)
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, []string{e1.ID}, ids(res.Events))

	require.Eventually(t, func() bool {
		res, err := ex.Query(ctx, QueryRequest{Filter: req.Filter, Addressing: req.Addressing, Policy: CacheOnly})
		return err == nil && len(res.Events) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQueryWithoutCache(t *testing.T) {
	signer := relaytest.NewSigner()
	srv := relaytest.NewServer(t, relaytest.Behavior{}, signer.Event(1, 100, "x"))

	p := pool.New(pool.Options{})
	defer p.Close()
	ex := New(p, nil, Options{})

	res, err := ex.Query(context.Background(), QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Policy:     CacheFirst,
	})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	res, err = ex.Query(context.Background(), QueryRequest{
		Filter:     types.Filter{Kinds: []int{1}},
		Addressing: Single(srv.URL()),
		Policy:     CacheOnly,
	})
	require.NoError(t, err)
	require.Empty(t, res.Events)
}

func TestPubEventOutcomes(t *testing.T) {
	signer := relaytest.NewSigner()
	ok1 := relaytest.NewServer(t, relaytest.Behavior{})
	ok2 := relaytest.NewServer(t, relaytest.Behavior{})
	rejecting := relaytest.NewServer(t, relaytest.Behavior{Reject: "blocked: not allowed"})
	mute := relaytest.NewServer(t, relaytest.Behavior{NoAck: true})
	down := relaytest.NewServer(t, relaytest.Behavior{})
	downURL := down.URL()
	down.Close()

	ex, _ := newExecutor(t, Options{PublishTimeout: 300 * time.Millisecond})
	evt := signer.Event(1, 100, "hello relays")

	urls := []string{ok1.URL(), ok2.URL(), rejecting.URL(), mute.URL(), downURL}
	ps, err := ex.PubEvent(context.Background(), evt, Batch(urls...))
	require.NoError(t, err)

	results, err := ps.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(urls))

	byRelay := make(map[string]types.PublishResult)
	for _, r := range results {
		byRelay[r.RelayURL] = r
	}
	require.Len(t, byRelay, len(urls))

	require.True(t, byRelay[ok1.URL()].IsSuccess)
	require.True(t, byRelay[ok2.URL()].IsSuccess)
	require.False(t, byRelay[rejecting.URL()].IsSuccess)
	require.Equal(t, "blocked: not allowed", byRelay[rejecting.URL()].Reason)
	require.False(t, byRelay[mute.URL()].IsSuccess)
	require.True(t, strings.HasPrefix(byRelay[mute.URL()].Reason, "timeout"))
	require.False(t, byRelay[downURL].IsSuccess)
	require.NotEmpty(t, byRelay[downURL].Reason)

	sum := Summarize(results)
	require.Equal(t, Summary{Total: 5, Succeeded: 2}, sum)
	require.Equal(t, "2/5", sum.String())

	require.Len(t, ok1.Published(), 1)
	require.Equal(t, evt.ID, ok1.Published()[0].ID)
}

func TestPubEventUnsubscribeEarly(t *testing.T) {
	signer := relaytest.NewSigner()
	fast := relaytest.NewServer(t, relaytest.Behavior{})
	mute := relaytest.NewServer(t, relaytest.Behavior{NoAck: true})

	ex, _ := newExecutor(t, Options{PublishTimeout: time.Minute})
	ps, err := ex.PubEvent(context.Background(), signer.Event(1, 1, "x"), Batch(fast.URL(), mute.URL()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := ps.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, fast.URL(), first.RelayURL)
	require.True(t, first.IsSuccess)

	ps.Unsubscribe()
	ps.Unsubscribe()
	_, err = ps.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestPubEventRejectsInvalidEvent(t *testing.T) {
	signer := relaytest.NewSigner()
	srv := relaytest.NewServer(t, relaytest.Behavior{})
	ex, _ := newExecutor(t, Options{})

	evt := signer.Event(1, 1, "signed")
	evt.Content = "tampered"
	_, err := ex.PubEvent(context.Background(), evt, Single(srv.URL()))
	require.Error(t, err)
	require.Empty(t, srv.Published())
}

func TestLatestByAuthor(t *testing.T) {
	alice, bob := relaytest.NewSigner(), relaytest.NewSigner()
	aliceOld := alice.Event(0, 100, `{"name":"alice-old"}`)
	aliceNew := alice.Event(0, 200, `{"name":"alice"}`)
	bobOnly := bob.Event(0, 150, `{"name":"bob"}`)

	a := relaytest.NewServer(t, relaytest.Behavior{}, aliceOld, bobOnly)
	b := relaytest.NewServer(t, relaytest.Behavior{}, aliceNew)

	ex, p := newExecutor(t, Options{BatchWindow: 100 * time.Millisecond})
	require.NoError(t, p.AddConnections([]string{a.URL(), b.URL()}))
	require.Eventually(t, func() bool { return len(p.Connected()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	var wg sync.WaitGroup
	var got1, got2 map[string]types.Event
	wg.Add(2)
	go func() {
		defer wg.Done()
		got1, _ = ex.LatestByAuthor(ctx, 0, []string{alice.PubKey})
	}()
	go func() {
		defer wg.Done()
		got2, _ = ex.LatestByAuthor(ctx, 0, []string{alice.PubKey, bob.PubKey})
	}()
	wg.Wait()

	require.Len(t, got1, 1)
	require.Equal(t, aliceNew.ID, got1[alice.PubKey].ID)
	require.Len(t, got2, 2)
	require.Equal(t, aliceNew.ID, got2[alice.PubKey].ID)
	require.Equal(t, bobOnly.ID, got2[bob.PubKey].ID)

	// both callers shared one fan-out per relay
	require.Equal(t, 1, a.Requests())
	require.Equal(t, 1, b.Requests())

	_, err := ex.LatestByAuthor(ctx, 0, []string{"not-hex"})
	require.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestFinalize(t *testing.T) {
	mk := func(id string, at int64, relays ...string) types.Event {
		return types.Event{ID: id, CreatedAt: at, RelaysSeen: relays}
	}
	in := []types.Event{
		mk("e1", 100, "a"),
		mk("e2", 200, "a"),
		mk("tie1", 150, "a"),
		mk("e2", 200, "b"),
		mk("tie2", 150, "b"),
		mk("e3", 150, "b"),
	}

	out := Finalize(in, 0)
	require.Equal(t, []string{"e2", "tie1", "tie2", "e3", "e1"}, ids(out))
	require.Equal(t, []string{"a", "b"}, out[0].RelaysSeen)
	require.Equal(t, []string{"a"}, in[1].RelaysSeen)

	require.Equal(t, []string{"e2", "tie1"}, ids(Finalize(in, 2)))
	require.Empty(t, Finalize(nil, 5))
}

func TestBatcherMergesConcurrentRequests(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var batches [][]string

	b := NewBatcher("test", func(ctx context.Context, keys []string) map[string]int {
		calls.Add(1)
		mu.Lock()
		batches = append(batches, keys)
		mu.Unlock()
		out := make(map[string]int, len(keys))
		for _, k := range keys {
			out[k] = len(k)
		}
		return out
	}, 100*time.Millisecond, time.Second, 0)

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]map[string]int, 3)
	for i, keys := range [][]string{{"a", "bb", "ccc"}, {"a", "dddd"}, {"bb", "eeeee"}} {
		wg.Add(1)
		go func(i int, keys []string) {
			defer wg.Done()
			results[i] = b.GetMultiple(ctx, keys)
		}(i, keys)
	}
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	require.ElementsMatch(t, []string{"a", "bb", "ccc", "dddd", "eeeee"}, batches[0])
	require.Equal(t, map[string]int{"a": 1, "dddd": 4}, results[1])
	require.Equal(t, map[string]int{"bb": 2, "eeeee": 5}, results[2])

	keys, waiters := b.Stats()
	require.Zero(t, keys)
	require.Zero(t, waiters)

	short, cancel := context.WithCancel(ctx)
	cancel()
	require.Nil(t, b.GetMultiple(short, []string{"late"}))
}

func TestBatcherIgnoresTimerFromTakenWindow(t *testing.T) {
	var calls atomic.Int32
	b := NewBatcher("test", func(ctx context.Context, keys []string) map[string]int {
		calls.Add(1)
		out := make(map[string]int, len(keys))
		for _, k := range keys {
			out[k] = len(k)
		}
		return out
	}, time.Hour, time.Second, 2)

	ctx := context.Background()
	require.Equal(t, map[string]int{"a": 1, "b": 1}, b.GetMultiple(ctx, []string{"a", "b"}))

	got := make(chan map[string]int, 1)
	go func() { got <- b.GetMultiple(ctx, []string{"ccc"}) }()
	require.Eventually(t, func() bool {
		keys, _ := b.Stats()
		return keys == 1
	}, time.Second, 5*time.Millisecond)

	// a late callback for the first window leaves the second one pending
	b.executeBatch(0)
	keys, waiters := b.Stats()
	require.Equal(t, 1, keys)
	require.Equal(t, 1, waiters)

	b.executeBatch(1)
	require.Equal(t, map[string]int{"ccc": 3}, <-got)
	require.EqualValues(t, 2, calls.Load())
}
