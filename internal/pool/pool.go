// Package pool keeps a bounded set of live relay connections out of a
// larger list of candidate relays. Overflow candidates wait in FIFO order
// and are admitted as slots free up.
//
// All membership state is owned by a single goroutine; public methods hand
// it closures over a command channel and wait for them to run.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-metrics"

	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/relay"
	"nostr-relaypool/internal/telemetry"
	"nostr-relaypool/internal/types"
)

const DefaultCapacity = 21

var (
	ErrPoolClosed = errors.New("pool: closed")
	ErrRemoved    = errors.New("pool: relay removed")
)

type Options struct {
	Capacity int // maximum simultaneously open sockets, default 21
	Relay    relay.Options

	// ValidateURL vets candidate URLs. Defaults to rejecting non-websocket
	// schemes and private network hosts (loopback is allowed).
	ValidateURL func(url string) error

	Logger *slog.Logger
}

// Pool is a bounded connection pool.
type Pool struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cmds      chan func()
	quit      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	active map[string]*slot
	queue  []string
	queued map[string]*pending
	stats  map[string]*types.RelayStats
	closed bool
}

// slot is one admitted URL. refs counts outstanding leases; a persistent
// slot (added with AddConnections) stays open at zero refs.
type slot struct {
	url        string
	persistent bool
	refs       int
	evicted    bool

	ready chan struct{} // closed once the dial settles
	conn  *relay.Conn
	err   error
}

type leaseResult struct {
	slot *slot
	err  error
}

// pending is a queued URL and the leases waiting for it.
type pending struct {
	persistent bool
	waiters    []chan leaseResult
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int                `json:"capacity"`
	Active   []string           `json:"active"`
	Queued   []string           `json:"queued"`
	Relays   []types.RelayStats `json:"relays"`
}

func New(opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.ValidateURL == nil {
		opts.ValidateURL = func(u string) error { return nostr.ValidateRelayURL(u, false) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Relay.Logger == nil {
		opts.Relay.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:   opts,
		log:    opts.Logger.With("component", "pool"),
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan func()),
		quit:   make(chan struct{}),
		active: make(map[string]*slot),
		queued: make(map[string]*pending),
		stats:  make(map[string]*types.RelayStats),
	}
	go p.run()
	return p
}

func (p *Pool) run() {
	for {
		select {
		case fn := <-p.cmds:
			fn()
		case <-p.quit:
			return
		}
	}
}

// do runs fn on the pool goroutine and waits for it to finish.
func (p *Pool) do(fn func()) error {
	done := make(chan struct{})
	select {
	case p.cmds <- func() { fn(); close(done) }:
	case <-p.quit:
		return ErrPoolClosed
	}
	<-done
	return nil
}

func (p *Pool) Capacity() int {
	return p.opts.Capacity
}

// AddConnections makes urls pool members. Free slots are filled right away
// and the rest wait in FIFO order. URLs that fail validation or are
// already members are skipped.
func (p *Pool) AddConnections(urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	var (
		valid []string
		err   error
	)
	for _, u := range urls {
		if verr := p.opts.ValidateURL(u); verr != nil {
			p.log.Warn("skipping relay", telemetry.LabelRelay.L(u), telemetry.LabelError.L(verr))
			err = errors.Join(err, verr)
			continue
		}
		valid = append(valid, u)
	}

	doErr := p.do(func() {
		if p.closed {
			err = ErrPoolClosed
			return
		}
		for _, u := range valid {
			p.statsFor(u)

			if s, ok := p.active[u]; ok {
				s.persistent = true
				continue
			}
			if q, ok := p.queued[u]; ok {
				q.persistent = true
				continue
			}
			p.enqueue(u, &pending{persistent: true})
		}
		p.admit()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Lease returns a live connection to url and a release func that must be
// called exactly once. Non-member URLs get a transient slot that closes
// when its last lease is released; when the pool is full the lease waits
// its turn in the queue or until ctx ends.
func (p *Pool) Lease(ctx context.Context, url string) (*relay.Conn, func(), error) {
	var (
		s    *slot
		wait chan leaseResult
		err  error
	)
	// Validation may hit DNS, so it runs before entering the pool goroutine.
	// Members were vetted by AddConnections already.
	verr := p.opts.ValidateURL(url)

	doErr := p.do(func() {
		switch {
		case p.closed:
			err = ErrPoolClosed
		case p.active[url] != nil:
			s = p.active[url]
			s.refs++
		case p.queued[url] == nil && verr != nil:
			err = verr
		case len(p.active) < p.opts.Capacity && len(p.queue) == 0:
			s = p.activate(url, false, 1)
		default:
			wait = make(chan leaseResult, 1)
			q := p.queued[url]
			if q == nil {
				q = &pending{}
				p.enqueue(url, q)
			}
			q.waiters = append(q.waiters, wait)
			p.admit()
		}
	})
	if doErr != nil {
		return nil, nil, doErr
	}
	if err != nil {
		return nil, nil, err
	}

	if wait != nil {
		select {
		case res := <-wait:
			if res.err != nil {
				return nil, nil, res.err
			}
			s = res.slot
		case <-ctx.Done():
			p.cancelWait(url, wait)
			return nil, nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { p.do(func() { p.release(s) }) })
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		release()
		return nil, nil, ctx.Err()
	}
	if s.err != nil {
		release()
		return nil, nil, s.err
	}
	return s.conn, release, nil
}

// Execute leases url, runs fn against the connection and releases the
// slot whatever fn returns.
func (p *Pool) Execute(ctx context.Context, url string, fn func(context.Context, *relay.Conn) error) error {
	conn, release, err := p.Lease(ctx, url)
	if err != nil {
		return err
	}
	defer release()

	if err := fn(ctx, conn); err != nil {
		telemetry.IncrRelay(telemetry.MetricRelayErrorCount, url)
		return fmt.Errorf("%s: %w", url, err)
	}
	return nil
}

// ExecuteConcurrently runs fn against every connected relay in parallel
// and returns the results of the calls that succeeded. Failures are
// logged and counted, never returned.
func ExecuteConcurrently[T any](ctx context.Context, p *Pool, fn func(context.Context, *relay.Conn) (T, error)) []T {
	urls := p.Connected()
	results := make([]T, len(urls))
	ok := make([]bool, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			err := p.Execute(ctx, u, func(ctx context.Context, c *relay.Conn) error {
				res, err := fn(ctx, c)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
			if err != nil {
				p.log.Debug("relay call failed", telemetry.LabelRelay.L(u), telemetry.LabelError.L(err))
				return
			}
			ok[i] = true
		}(i, u)
	}
	wg.Wait()

	out := make([]T, 0, len(urls))
	for i := range results {
		if ok[i] {
			out = append(out, results[i])
		}
	}
	return out
}

// Connected returns the member URLs whose socket is open, sorted.
func (p *Pool) Connected() []string {
	var urls []string
	p.do(func() {
		for u, s := range p.active {
			if p.stats[u] != nil && p.stats[u].Online && s.conn != nil {
				urls = append(urls, u)
			}
		}
	})
	sort.Strings(urls)
	return urls
}

// Remove drops url from the pool, closing its socket if open and
// admitting the next queued URL into the freed slot.
func (p *Pool) Remove(url string) {
	var conn *relay.Conn
	p.do(func() {
		if s, ok := p.active[url]; ok {
			s.evicted = true
			conn = s.conn
			p.markOffline(url)
			p.free(s)
			p.admit()
			return
		}
		if q, ok := p.queued[url]; ok {
			p.dequeue(url)
			for _, w := range q.waiters {
				w <- leaseResult{err: ErrRemoved}
			}
			p.gauges()
		}
	})
	if conn != nil {
		conn.Close()
	}
}

// Close shuts every connection and fails queued leases with ErrPoolClosed.
func (p *Pool) Close() error {
	var conns []*relay.Conn
	p.do(func() {
		if p.closed {
			return
		}
		p.closed = true
		for u, s := range p.active {
			s.evicted = true
			if s.conn != nil {
				conns = append(conns, s.conn)
			}
			p.markOffline(u)
		}
		for _, q := range p.queued {
			for _, w := range q.waiters {
				w <- leaseResult{err: ErrPoolClosed}
			}
		}
		p.active = make(map[string]*slot)
		p.queued = make(map[string]*pending)
		p.queue = nil
		p.gauges()
	})
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.quit)
	})

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Stats returns a snapshot of membership and per-relay counters.
func (p *Pool) Stats() Stats {
	st := Stats{Capacity: p.opts.Capacity}
	p.do(func() {
		for u := range p.active {
			st.Active = append(st.Active, u)
		}
		st.Queued = append(st.Queued, p.queue...)
		for _, rs := range p.stats {
			st.Relays = append(st.Relays, *rs)
		}
	})
	sort.Strings(st.Active)
	sort.Slice(st.Relays, func(i, j int) bool { return st.Relays[i].URL < st.Relays[j].URL })
	return st
}

// admit fills free slots from the head of the queue.
func (p *Pool) admit() {
	for len(p.active) < p.opts.Capacity && len(p.queue) > 0 {
		u := p.queue[0]
		q := p.queued[u]
		p.dequeue(u)

		if len(q.waiters) == 0 && !q.persistent {
			continue
		}

		s := p.active[u]
		if s == nil {
			s = p.activate(u, q.persistent, 0)
		} else if q.persistent {
			s.persistent = true
		}
		for _, w := range q.waiters {
			s.refs++
			w <- leaseResult{slot: s}
		}
	}
	p.gauges()
}

// activate claims a slot for u and dials it in the background.
func (p *Pool) activate(u string, persistent bool, refs int) *slot {
	s := &slot{url: u, persistent: persistent, refs: refs, ready: make(chan struct{})}
	p.active[u] = s
	p.statsFor(u).Attempted++
	telemetry.IncrRelay(telemetry.MetricConnectAttemptCount, u)

	go func() {
		conn, err := relay.Connect(p.ctx, u, p.opts.Relay)
		if p.do(func() { p.dialed(s, conn, err) }) != nil && conn != nil {
			conn.Close()
		}
	}()
	p.gauges()
	return s
}

func (p *Pool) dialed(s *slot, conn *relay.Conn, err error) {
	s.conn, s.err = conn, err
	close(s.ready)

	rs := p.statsFor(s.url)
	if err != nil {
		rs.Failed++
		rs.Online = false
		telemetry.IncrRelay(telemetry.MetricConnectErrorCount, s.url)
		p.log.Warn("relay connect failed", telemetry.LabelRelay.L(s.url), telemetry.LabelError.L(err))
		if p.active[s.url] == s {
			p.free(s)
			p.admit()
		}
		return
	}

	if s.evicted {
		go conn.Close()
		return
	}

	rs.Succeeded++
	rs.Online = true
	go func() {
		<-conn.Done()
		p.do(func() { p.lost(s) })
	}()
}

// lost handles a socket that went away on its own.
func (p *Pool) lost(s *slot) {
	if p.active[s.url] != s {
		return
	}
	telemetry.IncrRelay(telemetry.MetricConnectionLostCount, s.url)
	p.log.Info("relay connection lost", telemetry.LabelRelay.L(s.url), telemetry.LabelError.L(s.conn.Err()))
	p.markOffline(s.url)
	p.free(s)
	p.admit()
}

func (p *Pool) release(s *slot) {
	s.refs--
	if s.refs > 0 || s.persistent || p.active[s.url] != s {
		return
	}
	if s.conn != nil {
		go s.conn.Close()
	}
	p.markOffline(s.url)
	p.free(s)
	p.admit()
}

func (p *Pool) cancelWait(url string, wait chan leaseResult) {
	err := p.do(func() {
		q := p.queued[url]
		if q == nil {
			return
		}
		for i, w := range q.waiters {
			if w == wait {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		if len(q.waiters) == 0 && !q.persistent {
			p.dequeue(url)
			p.gauges()
		}
	})

	// the slot may have been handed over before the cancel ran
	select {
	case res := <-wait:
		if res.slot != nil && err == nil {
			p.do(func() { p.release(res.slot) })
		}
	default:
	}
}

func (p *Pool) free(s *slot) {
	if p.active[s.url] == s {
		delete(p.active, s.url)
	}
}

func (p *Pool) enqueue(u string, q *pending) {
	p.queue = append(p.queue, u)
	p.queued[u] = q
}

func (p *Pool) dequeue(u string) {
	delete(p.queued, u)
	for i, v := range p.queue {
		if v == u {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
}

func (p *Pool) statsFor(u string) *types.RelayStats {
	rs, ok := p.stats[u]
	if !ok {
		rs = &types.RelayStats{URL: u}
		p.stats[u] = rs
	}
	return rs
}

func (p *Pool) markOffline(u string) {
	if rs, ok := p.stats[u]; ok {
		rs.Online = false
	}
}

func (p *Pool) gauges() {
	metrics.SetGauge(telemetry.MetricPoolActive, float32(len(p.active)))
	metrics.SetGauge(telemetry.MetricPoolQueued, float32(len(p.queue)))
}
