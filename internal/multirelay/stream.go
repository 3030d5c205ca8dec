package multirelay

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"

	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/telemetry"
	"nostr-relaypool/internal/types"
)

// MergedStream is the deduplicated union of one subscription per relay.
// Events come out in arrival order; the stream ends once every relay has
// reached EOSE, failed or run out of time. Like relay.Stream it has a
// single consumer.
type MergedStream struct {
	relays []string
	out    chan types.Event
	done   chan struct{}
	cancel context.CancelFunc

	stopOnce sync.Once
	busy     atomic.Bool

	mu   sync.Mutex
	seen map[string][]string // event id -> relays that sent it
}

// SubFilter opens filter on every relay addr resolves to and merges the
// resulting streams. Each relay gets its own subscription id and is bound
// by RelayTimeout; a relay that fails or times out is dropped from the
// merge without affecting the others.
func (e *Executor) SubFilter(ctx context.Context, filter types.Filter, addr Addressing) (*MergedStream, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	urls, err := addr.resolve(e.pool)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &MergedStream{
		relays: urls,
		out:    make(chan types.Event),
		done:   make(chan struct{}),
		cancel: cancel,
		seen:   make(map[string][]string),
	}

	intake := make(chan types.Event)
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			e.forward(ctx, u, filter, intake)
		}(u)
	}
	go func() {
		wg.Wait()
		close(intake)
	}()
	go m.merge(ctx, intake)

	return m, nil
}

// forward pumps one relay's events into intake until EOSE, failure or
// the relay timeout.
func (e *Executor) forward(ctx context.Context, url string, filter types.Filter, intake chan<- types.Event) {
	rctx, cancel := context.WithTimeout(ctx, e.opts.RelayTimeout)
	defer cancel()

	log := e.log.With(telemetry.LabelRelay.L(url))

	conn, release, err := e.pool.Lease(rctx, url)
	if err != nil {
		e.relayFailed(ctx, rctx, url, err)
		return
	}
	defer release()

	s, err := conn.Subscribe(filter)
	if err != nil {
		e.relayFailed(ctx, rctx, url, err)
		return
	}
	defer s.Unsubscribe()

	for {
		evt, err := s.Next(rctx)
		if errors.Is(err, io.EOF) {
			if reason, detail := s.Reason(); reason != relay.ReasonEOSE {
				log.Debug("relay stream ended early", telemetry.LabelReason.L(reason.String()), "detail", detail)
			}
			return
		}
		if err != nil {
			e.relayFailed(ctx, rctx, url, err)
			return
		}

		select {
		case intake <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) relayFailed(ctx, rctx context.Context, url string, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) || errors.Is(err, relay.ErrTimeout) {
		telemetry.IncrRelay(telemetry.MetricRelayTimeoutCount, url)
		e.log.Debug("relay timed out", telemetry.LabelRelay.L(url))
		return
	}
	telemetry.IncrRelay(telemetry.MetricRelayErrorCount, url)
	e.log.Debug("relay dropped from merge", telemetry.LabelRelay.L(url), telemetry.LabelError.L(err))
}

func (m *MergedStream) merge(ctx context.Context, intake <-chan types.Event) {
	defer m.cancel()
	defer close(m.out)

	for evt := range intake {
		m.mu.Lock()
		seenOn, dup := m.seen[evt.ID]
		m.seen[evt.ID] = append(seenOn, evt.RelaysSeen...)
		m.mu.Unlock()

		if dup {
			metrics.IncrCounter(telemetry.MetricEventDuplicateCount, 1)
			continue
		}

		select {
		case m.out <- evt:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Relays returns the relays the stream was opened against.
func (m *MergedStream) Relays() []string {
	return slices.Clone(m.relays)
}

// Next returns the next not-yet-seen event, or io.EOF once every relay is
// finished or the stream was unsubscribed.
func (m *MergedStream) Next(ctx context.Context) (types.Event, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return types.Event{}, relay.ErrConcurrentNext
	}
	defer m.busy.Store(false)

	select {
	case <-m.done:
		return types.Event{}, io.EOF
	default:
	}

	select {
	case evt, ok := <-m.out:
		if !ok {
			return types.Event{}, io.EOF
		}
		return evt, nil
	case <-m.done:
		return types.Event{}, io.EOF
	case <-ctx.Done():
		return types.Event{}, ctx.Err()
	}
}

// Unsubscribe closes every per-relay subscription and ends the stream.
// Calling it again is a no-op.
func (m *MergedStream) Unsubscribe() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.cancel()
	})
}

// Each calls cb for every event until the stream ends. If cb returns an
// error the stream is unsubscribed and the error returned.
func (m *MergedStream) Each(ctx context.Context, cb func(types.Event) error) error {
	for {
		evt, err := m.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := cb(evt); err != nil {
			m.Unsubscribe()
			return err
		}
	}
}

// Collect drains the stream into a finalized list: newest first, ties in
// arrival order, each event carrying every relay it was seen on.
func (m *MergedStream) Collect(ctx context.Context) ([]types.Event, error) {
	var events []types.Event
	err := m.Each(ctx, func(evt types.Event) error {
		events = append(events, evt)
		return nil
	})
	if err != nil {
		m.Unsubscribe()
		return nil, err
	}

	m.mu.Lock()
	for i := range events {
		events[i].RelaysSeen = slices.Clone(m.seen[events[i].ID])
	}
	m.mu.Unlock()

	return Finalize(events, 0), nil
}
