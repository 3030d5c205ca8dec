package multirelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/telemetry"
	"nostr-relaypool/internal/types"
)

// PublishStream yields one PublishResult per target relay, in the order
// the outcomes settle.
type PublishStream struct {
	relays  []string
	results chan types.PublishResult
	done    chan struct{}
	cancel  context.CancelFunc

	stopOnce sync.Once
}

// PubEvent sends evt to every relay addr resolves to. Each relay's outcome
// is bounded by PublishTimeout, so the stream always ends. The event must
// already carry a valid id and signature.
func (e *Executor) PubEvent(ctx context.Context, evt types.Event, addr Addressing) (*PublishStream, error) {
	if err := nostr.CheckEvent(&evt); err != nil {
		return nil, err
	}
	urls, err := addr.resolve(e.pool)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ps := &PublishStream{
		relays:  urls,
		results: make(chan types.PublishResult, len(urls)),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			ps.results <- e.publishOne(ctx, u, evt)
		}(u)
	}
	go func() {
		wg.Wait()
		cancel()
		close(ps.results)
	}()

	return ps, nil
}

func (e *Executor) publishOne(ctx context.Context, url string, evt types.Event) types.PublishResult {
	ctx, cancel := context.WithTimeout(ctx, e.opts.PublishTimeout)
	defer cancel()

	res := types.PublishResult{RelayURL: url}
	err := e.pool.Execute(ctx, url, func(ctx context.Context, c *relay.Conn) error {
		ack, err := c.Publish(evt)
		if err != nil {
			return err
		}
		ok, err := ack.Wait(ctx)
		if err != nil {
			return err
		}
		res.IsSuccess = ok.Accepted
		res.Reason = ok.Reason
		if !ok.Accepted && res.Reason == "" {
			res.Reason = "rejected"
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, relay.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		res.Reason = fmt.Sprintf("timeout: no OK within %s", e.opts.PublishTimeout)
	default:
		res.Reason = err.Error()
	}

	if res.IsSuccess {
		telemetry.IncrRelay(telemetry.MetricPublishSuccessCount, url)
	} else {
		telemetry.IncrRelay(telemetry.MetricPublishFailureCount, url)
		e.log.Debug("publish failed", telemetry.LabelRelay.L(url), telemetry.LabelReason.L(res.Reason),
			"event_id", nostr.ShortID(evt.ID))
	}
	return res
}

func (ps *PublishStream) Relays() []string {
	return slices.Clone(ps.relays)
}

// Next returns the next settled outcome, or io.EOF once every relay has
// reported or the stream was unsubscribed.
func (ps *PublishStream) Next(ctx context.Context) (types.PublishResult, error) {
	select {
	case <-ps.done:
		return types.PublishResult{}, io.EOF
	default:
	}

	select {
	case res, ok := <-ps.results:
		if !ok {
			return types.PublishResult{}, io.EOF
		}
		return res, nil
	case <-ps.done:
		return types.PublishResult{}, io.EOF
	case <-ctx.Done():
		return types.PublishResult{}, ctx.Err()
	}
}

// Unsubscribe stops waiting on relays that have not answered yet. It is
// not an error for the publish itself; calling it again is a no-op.
func (ps *PublishStream) Unsubscribe() {
	ps.stopOnce.Do(func() {
		close(ps.done)
		ps.cancel()
	})
}

// Collect waits for every outcome.
func (ps *PublishStream) Collect(ctx context.Context) ([]types.PublishResult, error) {
	var out []types.PublishResult
	for {
		res, err := ps.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
}

// Summary condenses publish outcomes, e.g. "published to 3/5 relays".
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
}

func Summarize(results []types.PublishResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.IsSuccess {
			s.Succeeded++
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d", s.Succeeded, s.Total)
}
