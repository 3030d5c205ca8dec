package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"nostr-relaypool/internal/telemetry"
	"nostr-relaypool/internal/types"
	"nostr-relaypool/internal/util"
)

// SSE event types
const (
	SSEEventConnected = "connected"
	SSEEventNote      = "event"
	SSEEventEOSE      = "eose"
	SSEEventPing      = "ping"
)

var streamClients atomic.Int64

// streamHandler relays a merged subscription as Server-Sent Events. The
// stream ends with an eose event once every relay has finished.
//
//	GET /stream?filter={"kinds":[1],"limit":20}&relays=wss://a,wss://b
func (s *server) streamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		util.RespondInternalError(w, "SSE not supported")
		return
	}

	q := r.URL.Query()
	var filter types.Filter
	if raw := q.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			util.RespondBadRequest(w, "invalid filter: "+err.Error())
			return
		}
	}
	addr, err := addressing(util.SplitList(q.Get("relays")))
	if err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ms, err := s.exec.SubFilter(ctx, filter, addr)
	if err != nil {
		respondErr(w, err)
		return
	}
	defer ms.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	metrics.SetGauge(telemetry.MetricStreamClientsActive, float32(streamClients.Add(1)))
	defer func() {
		metrics.SetGauge(telemetry.MetricStreamClientsActive, float32(streamClients.Add(-1)))
	}()

	log := LoggerFromContext(ctx)
	log.Debug("SSE: starting stream", "relays", len(ms.Relays()))

	// Next blocks, so it runs beside the ping loop.
	events := make(chan types.Event)
	go func() {
		defer close(events)
		for {
			evt, err := ms.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	sendSSEEvent(w, flusher, SSEEventConnected, map[string]any{"relays": ms.Relays()})

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE: client disconnected", "sent", sent)
			return

		case evt, ok := <-events:
			if !ok {
				sendSSEEvent(w, flusher, SSEEventEOSE, map[string]any{"events": sent})
				return
			}
			sendSSEEvent(w, flusher, SSEEventNote, evt)
			sent++

		case <-ping.C:
			sendSSEEvent(w, flusher, SSEEventPing, nil)
		}
	}
}

// sendSSEEvent writes one "event: <type>\ndata: <json>\n\n" frame.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		slog.Error("SSE: failed to marshal event", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
