package multirelay

import (
	"context"
	"fmt"
	"slices"

	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/types"
)

// LatestByAuthor returns the newest event of kind per pubkey (kind 0
// gives profiles) from every connected relay. Concurrent calls for the
// same kind within BatchWindow share one fan-out; relays that fail just
// contribute nothing.
func (e *Executor) LatestByAuthor(ctx context.Context, kind int, pubkeys []string) (map[string]types.Event, error) {
	if err := (types.Filter{Kinds: []int{kind}, Authors: pubkeys}).Validate(); err != nil {
		return nil, err
	}
	if len(pubkeys) == 0 {
		return map[string]types.Event{}, nil
	}
	if len(e.pool.Connected()) == 0 {
		return nil, ErrNoRelays
	}

	found := e.batcherFor(kind).GetMultiple(ctx, pubkeys)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if found == nil {
		found = map[string]types.Event{}
	}
	return found, nil
}

func (e *Executor) batcherFor(kind int) *Batcher[types.Event] {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.batchers[kind]
	if !ok {
		b = NewBatcher(fmt.Sprintf("kind-%d", kind), func(ctx context.Context, keys []string) map[string]types.Event {
			return e.fetchLatest(ctx, kind, keys)
		}, e.opts.BatchWindow, e.opts.RelayTimeout, e.opts.MaxBatch)
		e.batchers[kind] = b
	}
	return b
}

func (e *Executor) fetchLatest(ctx context.Context, kind int, pubkeys []string) map[string]types.Event {
	slices.Sort(pubkeys)
	filter := types.Filter{Kinds: []int{kind}, Authors: pubkeys}

	perRelay := pool.ExecuteConcurrently(ctx, e.pool, func(ctx context.Context, c *relay.Conn) ([]types.Event, error) {
		s, err := c.Subscribe(filter)
		if err != nil {
			return nil, err
		}
		defer s.Unsubscribe()

		var events []types.Event
		for {
			evt, err := s.Next(ctx)
			if err != nil {
				// a relay that runs out of time still contributes what it sent
				return events, nil
			}
			events = append(events, evt)
		}
	})

	latest := make(map[string]types.Event, len(pubkeys))
	for _, events := range perRelay {
		for _, evt := range events {
			cur, ok := latest[evt.PubKey]
			if !ok || evt.CreatedAt > cur.CreatedAt || (evt.CreatedAt == cur.CreatedAt && evt.ID < cur.ID) {
				latest[evt.PubKey] = evt
			}
		}
	}
	return latest
}
