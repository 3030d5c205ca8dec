package multirelay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Batcher collects lookups over a time window and runs them as one batch.
// Overlapping requests such as [a,b,c], [a,d] and [b,e] become a single
// fetch of [a,b,c,d,e].
type Batcher[V any] struct {
	name     string
	batchFn  func(ctx context.Context, keys []string) map[string]V
	window   time.Duration
	maxBatch int
	timeout  time.Duration

	mu       sync.Mutex
	pending  map[string][]*batchWaiter[V]
	timer    *time.Timer
	timerSet bool
	gen      uint64 // current window; bumped when a batch is taken
}

type batchWaiter[V any] struct {
	keys   []string
	result chan map[string]V
}

// NewBatcher creates a batcher. batchFn runs detached from any single
// caller, bounded by timeout; maxBatch 0 means unlimited.
func NewBatcher[V any](name string, batchFn func(ctx context.Context, keys []string) map[string]V, window, timeout time.Duration, maxBatch int) *Batcher[V] {
	return &Batcher[V]{
		name:     name,
		batchFn:  batchFn,
		window:   window,
		maxBatch: maxBatch,
		timeout:  timeout,
		pending:  make(map[string][]*batchWaiter[V]),
	}
}

// GetMultiple fetches keys together with other concurrent requests. It
// returns early with whatever is known (nothing) if ctx ends first.
func (b *Batcher[V]) GetMultiple(ctx context.Context, keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}

	waiter := &batchWaiter[V]{
		keys:   keys,
		result: make(chan map[string]V, 1),
	}

	b.mu.Lock()
	for _, key := range keys {
		b.pending[key] = append(b.pending[key], waiter)
	}
	if !b.timerSet {
		b.timerSet = true
		gen := b.gen
		b.timer = time.AfterFunc(b.window, func() { b.executeBatch(gen) })
	}
	if b.maxBatch > 0 && len(b.pending) >= b.maxBatch {
		b.timer.Stop()
		gen := b.gen
		b.mu.Unlock()
		go b.executeBatch(gen)
	} else {
		b.mu.Unlock()
	}

	select {
	case result := <-waiter.result:
		return result
	case <-ctx.Done():
		return nil
	}
}

// executeBatch runs the window gen. A timer that fired after its window
// was already taken finds a newer gen and does nothing.
func (b *Batcher[V]) executeBatch(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.gen++

	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}

	b.pending = make(map[string][]*batchWaiter[V])
	b.timerSet = false

	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	slog.Debug("batcher: executing batch",
		"name", b.name,
		"keys", len(keys),
		"waiters", len(waiterSet))

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	results := b.batchFn(ctx, keys)

	for waiter := range waiterSet {
		waiterResult := make(map[string]V, len(waiter.keys))
		for _, key := range waiter.keys {
			if val, ok := results[key]; ok {
				waiterResult[key] = val
			}
		}
		waiter.result <- waiterResult
	}
}

// Stats returns the number of keys and callers waiting on the next batch.
func (b *Batcher[V]) Stats() (pendingKeys int, pendingWaiters int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}

	return len(b.pending), len(waiterSet)
}
