package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"

	"nostr-relaypool/internal/multirelay"
	"nostr-relaypool/internal/nostr"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/types"
	"nostr-relaypool/internal/util"
)

// Request body size limits
const (
	maxBodySize = 64 * 1024
)

type server struct {
	pool          *pool.Pool
	exec          *multirelay.Executor
	sink          *metrics.InmemSink
	cacheBackend  string
	publishRelays []string
	started       time.Time
	pingInterval  time.Duration
}

// predicates are the named validity checks a query may reference.
var predicates = map[string]*multirelay.Predicate{
	"no-replies": {
		ID: "no-replies",
		Fn: func(evt types.Event) bool { return len(evt.TagValues("e")) == 0 },
	},
	"has-content": {
		ID: "has-content",
		Fn: func(evt types.Event) bool { return evt.Content != "" },
	},
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", limitBody(s.queryHandler, maxBodySize))
	mux.HandleFunc("POST /publish", limitBody(s.publishHandler, maxBodySize))
	mux.HandleFunc("GET /stream", s.streamHandler)
	mux.HandleFunc("GET /profiles", s.profilesHandler)
	mux.HandleFunc("GET /relays", s.relaysHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /metrics", s.metricsHandler)
	mux.HandleFunc("GET /debug/metrics", s.debugMetricsHandler)
	return RequestLoggingMiddleware(mux)
}

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// addressing targets the given relays, or every connected relay when the
// list is empty. Malformed URLs are rejected.
func addressing(relays []string) (multirelay.Addressing, error) {
	if len(relays) == 0 {
		return multirelay.AllConnected(), nil
	}
	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		u := nostr.NormalizeRelayURL(r)
		if u == "" {
			return multirelay.Addressing{}, fmt.Errorf("invalid relay URL %q", r)
		}
		urls = append(urls, u)
	}
	return multirelay.Batch(urls...), nil
}

// respondErr maps executor errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidFilter),
		errors.Is(err, nostr.ErrEventID),
		errors.Is(err, nostr.ErrEventSignature),
		errors.Is(err, multirelay.ErrInvalidPredicate):
		util.RespondBadRequest(w, err.Error())
	case errors.Is(err, multirelay.ErrNoRelays):
		util.RespondServiceUnavailable(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		util.RespondGatewayTimeout(w, err.Error())
	default:
		util.RespondInternalError(w, err.Error())
	}
}

type queryRequest struct {
	Filter    types.Filter `json:"filter"`
	Relays    []string     `json:"relays,omitempty"`
	Predicate string       `json:"predicate,omitempty"`
	Cache     string       `json:"cache,omitempty"`
}

func (s *server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	addr, err := addressing(req.Relays)
	if err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}

	q := multirelay.QueryRequest{
		Filter:     req.Filter,
		Addressing: addr,
		Policy:     multirelay.ParseCachePolicy(req.Cache),
	}
	if req.Predicate != "" {
		pred, ok := predicates[req.Predicate]
		if !ok {
			util.RespondBadRequest(w, fmt.Sprintf("unknown predicate %q", req.Predicate))
			return
		}
		q.Predicate = pred
	}

	res, err := s.exec.Query(r.Context(), q)
	if err != nil {
		LoggerFromContext(r.Context()).Debug("query failed", "error", err)
		respondErr(w, err)
		return
	}
	util.RespondJSON(w, http.StatusOK, res)
}

type publishRequest struct {
	Event  types.Event `json:"event"`
	Relays []string    `json:"relays,omitempty"`
}

type publishResponse struct {
	Results []types.PublishResult `json:"results"`
	Summary multirelay.Summary    `json:"summary"`
	Message string                `json:"message"`
}

func (s *server) publishHandler(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	relays := req.Relays
	if len(relays) == 0 {
		relays = s.publishRelays
	}
	addr, err := addressing(relays)
	if err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}

	ps, err := s.exec.PubEvent(r.Context(), req.Event, addr)
	if err != nil {
		respondErr(w, err)
		return
	}
	results, err := ps.Collect(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}

	sum := multirelay.Summarize(results)
	LoggerFromContext(r.Context()).Info("event published",
		"event_id", nostr.ShortID(req.Event.ID),
		"relays", sum.String())
	util.RespondJSON(w, http.StatusOK, publishResponse{
		Results: results,
		Summary: sum,
		Message: fmt.Sprintf("published to %s relays", sum),
	})
}

// profilesHandler returns the newest kind-0 event per pubkey. Pubkeys may
// be given as hex or npub.
func (s *server) profilesHandler(w http.ResponseWriter, r *http.Request) {
	pubkeys := util.SplitList(r.URL.Query().Get("pubkey"))
	if len(pubkeys) == 0 {
		util.RespondBadRequest(w, "pubkey is required")
		return
	}
	for i, pk := range pubkeys {
		pubkeys[i] = nostr.ResolvePubkey(pk)
	}

	profiles, err := s.exec.LatestByAuthor(r.Context(), 0, pubkeys)
	if err != nil {
		respondErr(w, err)
		return
	}
	util.RespondJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *server) relaysHandler(w http.ResponseWriter, r *http.Request) {
	util.RespondJSON(w, http.StatusOK, map[string]any{
		"pool":      s.pool.Stats(),
		"connected": s.pool.Connected(),
	})
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	util.RespondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": len(s.pool.Connected()),
	})
}
