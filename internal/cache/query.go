// Package cache maps canonical query fingerprints to the last finalized
// result list computed for them.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"nostr-relaypool/internal/telemetry"
	"nostr-relaypool/internal/types"
)

// QueryCache is a read-through store of finalized query results. Entries
// are replaced wholesale on Set and never expire on their own.
type QueryCache struct {
	backend Backend
	log     *slog.Logger
}

func NewQueryCache(backend Backend, log *slog.Logger) *QueryCache {
	if log == nil {
		log = slog.Default()
	}
	return &QueryCache{backend: backend, log: log.With("component", "cache")}
}

// Get returns the entry stored under key. Backend failures read as a miss.
func (c *QueryCache) Get(ctx context.Context, key string) (types.CachedQuery, bool) {
	data, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache get failed", "key", key, telemetry.LabelError.L(err))
	}
	if !found || err != nil {
		metrics.IncrCounter(telemetry.MetricCacheMissCount, 1)
		return types.CachedQuery{}, false
	}

	var entry types.CachedQuery
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.Warn("cache entry unreadable", "key", key, telemetry.LabelError.L(err))
		metrics.IncrCounter(telemetry.MetricCacheMissCount, 1)
		return types.CachedQuery{}, false
	}
	for i := range entry.Events {
		entry.Events[i].RelaysSeen = entry.Seen[entry.Events[i].ID]
	}
	entry.Seen = nil

	metrics.IncrCounter(telemetry.MetricCacheHitCount, 1)
	return entry, true
}

// Set replaces the entry under key with events computed against relays.
func (c *QueryCache) Set(ctx context.Context, key string, events []types.Event, relays []string) error {
	entry := types.CachedQuery{
		Events:    events,
		Relays:    relays,
		FetchedAt: time.Now().Unix(),
	}
	for _, evt := range events {
		if len(evt.RelaysSeen) == 0 {
			continue
		}
		if entry.Seen == nil {
			entry.Seen = make(map[string][]string, len(events))
		}
		entry.Seen[evt.ID] = evt.RelaysSeen
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, key, data)
}

func (c *QueryCache) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}
