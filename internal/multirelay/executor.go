// Package multirelay runs one logical query or publish across many relays
// and merges what comes back.
package multirelay

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/types"
)

type Options struct {
	RelayTimeout   time.Duration // bound on one relay's contribution to a query, default 4s
	PublishTimeout time.Duration // bound on one relay's OK, default 7s

	BatchWindow time.Duration // LatestByAuthor collection window, default 50ms
	MaxBatch    int           // default 100

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RelayTimeout <= 0 {
		o.RelayTimeout = 4 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 7 * time.Second
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = 50 * time.Millisecond
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Executor fans queries and publishes out over a pool. The cache is
// optional; without one Query always goes to the network.
type Executor struct {
	pool  *pool.Pool
	cache *cache.QueryCache
	opts  Options
	log   *slog.Logger

	flight singleflight.Group

	mu       sync.Mutex
	batchers map[int]*Batcher[types.Event]
}

func New(p *pool.Pool, qc *cache.QueryCache, opts Options) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		pool:     p,
		cache:    qc,
		opts:     opts,
		log:      opts.Logger.With("component", "multirelay"),
		batchers: make(map[int]*Batcher[types.Event]),
	}
}
