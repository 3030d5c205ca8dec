package multirelay

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/hashicorp/go-metrics"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/telemetry"
	"nostr-relaypool/internal/types"
)

// CachePolicy decides how Query uses the cache.
type CachePolicy int

const (
	// NetworkOnly always asks the relays and overwrites the cache entry.
	NetworkOnly CachePolicy = iota
	// CacheFirst answers from the cache when it can and refreshes the
	// entry in the background; a miss falls through to the network.
	CacheFirst
	// CacheOnly never touches the network.
	CacheOnly
)

func (p CachePolicy) String() string {
	switch p {
	case CacheFirst:
		return "cache-first"
	case CacheOnly:
		return "cache-only"
	default:
		return "network-only"
	}
}

// ParseCachePolicy maps a policy name to its value; unknown names fall
// back to NetworkOnly.
func ParseCachePolicy(s string) CachePolicy {
	switch s {
	case "cache-first":
		return CacheFirst
	case "cache-only":
		return CacheOnly
	default:
		return NetworkOnly
	}
}

var ErrInvalidPredicate = errors.New("multirelay: predicate has no ID")

// Predicate drops events from a finalized list. ID names the predicate in
// cache keys, so two predicates must share an ID only if they behave the
// same.
type Predicate struct {
	ID string
	Fn func(types.Event) bool
}

type QueryRequest struct {
	Filter     types.Filter
	Addressing Addressing
	Predicate  *Predicate
	Policy     CachePolicy
}

type QueryResult struct {
	Events    []types.Event `json:"events"`
	Relays    []string      `json:"relays"`
	FromCache bool          `json:"from_cache"`
	FetchedAt int64         `json:"fetched_at"`
}

// Query materializes a finalized list for req. Relays that fail or time
// out only shrink the result; Query errors only on invalid input or when
// ctx ends.
func (e *Executor) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if err := req.Filter.Validate(); err != nil {
		return QueryResult{}, err
	}
	if req.Predicate != nil && req.Predicate.Fn != nil && req.Predicate.ID == "" {
		return QueryResult{}, ErrInvalidPredicate
	}
	urls, err := req.Addressing.resolve(e.pool)
	if err != nil {
		return QueryResult{}, err
	}

	deps := cache.KeyDeps{Filter: req.Filter, Relays: urls}
	if req.Predicate != nil {
		deps.PredicateID = req.Predicate.ID
	}
	key, err := cache.CreateKey(deps)
	if err != nil {
		return QueryResult{}, err
	}

	if e.cache != nil && req.Policy != NetworkOnly {
		if entry, ok := e.cache.Get(ctx, key); ok {
			if req.Policy == CacheFirst {
				e.refreshInBackground(key, req, urls)
			}
			return QueryResult{
				Events:    entry.Events,
				Relays:    entry.Relays,
				FromCache: true,
				FetchedAt: entry.FetchedAt,
			}, nil
		}
	}
	if req.Policy == CacheOnly {
		return QueryResult{Events: []types.Event{}, Relays: urls, FromCache: true}, nil
	}

	// The fetch is shared by every caller joined on key, so no single
	// caller's cancellation may end it.
	ch := e.flight.DoChan(key, func() (any, error) {
		fctx, cancel := e.fetchContext(ctx)
		defer cancel()
		return e.fetch(fctx, key, req, urls)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return QueryResult{}, res.Err
		}
		return res.Val.(QueryResult), nil
	case <-ctx.Done():
		return QueryResult{}, ctx.Err()
	}
}

// refreshInBackground re-runs a cached query detached from the caller.
// Concurrent refreshes of the same key collapse into one.
func (e *Executor) refreshInBackground(key string, req QueryRequest, urls []string) {
	metrics.IncrCounter(telemetry.MetricCacheRefreshCount, 1)
	go func() {
		_, err, _ := e.flight.Do(key, func() (any, error) {
			ctx, cancel := e.fetchContext(context.Background())
			defer cancel()
			return e.fetch(ctx, key, req, urls)
		})
		if err != nil {
			e.log.Debug("background refresh failed", "key", key, telemetry.LabelError.L(err))
		}
	}()
}

// fetchContext detaches from parent's cancellation, keeping its values,
// and bounds the fetch by the executor's own timeout.
func (e *Executor) fetchContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), 2*e.opts.RelayTimeout)
}

func (e *Executor) fetch(ctx context.Context, key string, req QueryRequest, urls []string) (QueryResult, error) {
	defer metrics.MeasureSince(telemetry.MetricQueryDuration, time.Now())

	ms, err := e.SubFilter(ctx, req.Filter, Batch(urls...))
	if err != nil {
		return QueryResult{}, err
	}
	events, err := ms.Collect(ctx)
	if err != nil {
		return QueryResult{}, err
	}

	if req.Predicate != nil && req.Predicate.Fn != nil {
		events = slices.DeleteFunc(events, func(evt types.Event) bool { return !req.Predicate.Fn(evt) })
	}
	events = Finalize(events, req.Filter.Limit)

	res := QueryResult{Events: events, Relays: urls, FetchedAt: time.Now().Unix()}
	if e.cache != nil {
		if err := e.cache.Set(ctx, key, events, urls); err != nil {
			e.log.Warn("cache set failed", "key", key, telemetry.LabelError.L(err))
		}
	}
	return res, nil
}

// Finalize dedupes events by id, merging the relays each copy was seen
// on, then sorts newest first. Equal timestamps keep their input order.
// A positive limit truncates the result.
func Finalize(events []types.Event, limit int) []types.Event {
	out := make([]types.Event, 0, len(events))
	index := make(map[string]int, len(events))
	for _, evt := range events {
		if i, ok := index[evt.ID]; ok {
			for _, u := range evt.RelaysSeen {
				if !slices.Contains(out[i].RelaysSeen, u) {
					out[i].RelaysSeen = append(out[i].RelaysSeen, u)
				}
			}
			continue
		}
		index[evt.ID] = len(out)
		evt.RelaysSeen = slices.Clone(evt.RelaysSeen)
		out = append(out, evt)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
