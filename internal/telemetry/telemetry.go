// Package telemetry names the metrics the relay pool emits and wires the
// go-metrics in-memory sink used by the daemon.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnectAttemptCount = []string{"relaypool", "connect", "attempt", "count"}
	MetricConnectErrorCount   = []string{"relaypool", "connect", "error", "count"}
	MetricConnectionLostCount = []string{"relaypool", "connection", "lost", "count"}
	MetricPoolActive          = []string{"relaypool", "pool", "active"}
	MetricPoolQueued          = []string{"relaypool", "pool", "queued"}
	MetricFrameDroppedCount   = []string{"relaypool", "frame", "dropped", "count"}
	MetricEventInvalidCount   = []string{"relaypool", "event", "invalid", "count"}
	MetricEventOverflowCount  = []string{"relaypool", "event", "overflow", "count"}
	MetricEventDuplicateCount = []string{"relaypool", "event", "duplicate", "count"}
	MetricRelayTimeoutCount   = []string{"relaypool", "relay", "timeout", "count"}
	MetricRelayErrorCount     = []string{"relaypool", "relay", "error", "count"}
	MetricPublishSuccessCount = []string{"relaypool", "publish", "success", "count"}
	MetricPublishFailureCount = []string{"relaypool", "publish", "failure", "count"}
	MetricQueryDuration       = []string{"relaypool", "query", "duration"}
	MetricCacheHitCount       = []string{"relaypool", "cache", "hit", "count"}
	MetricCacheMissCount      = []string{"relaypool", "cache", "miss", "count"}
	MetricCacheRefreshCount   = []string{"relaypool", "cache", "refresh", "count"}
	MetricHTTPRequestCount    = []string{"relaypool", "http", "request", "count"}
	MetricHTTPErrorCount      = []string{"relaypool", "http", "error", "count"}
	MetricStreamClientsActive = []string{"relaypool", "stream", "clients", "active"}
)

type TelemetryLabel string

var (
	LabelRelay  TelemetryLabel = "relay"
	LabelReason TelemetryLabel = "reason"
	LabelError  TelemetryLabel = "error"
	LabelSubID  TelemetryLabel = "sub_id"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// IncrRelay bumps a counter labelled with the relay URL.
func IncrRelay(key []string, relayURL string) {
	metrics.IncrCounterWithLabels(key, 1, []metrics.Label{LabelRelay.M(relayURL)})
}

// Init installs a global go-metrics instance backed by an in-memory sink
// and returns the sink so it can be served over HTTP.
func Init(service string) (*metrics.InmemSink, error) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(service)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = true
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	return sink, nil
}
