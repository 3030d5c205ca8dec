package main

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"

	"nostr-relaypool/internal/util"
)

// metricsHandler serves Prometheus-compatible metrics: process and pool
// state read directly, plus the go-metrics values of the last complete
// sink interval.
func (s *server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Build info metric
	fmt.Fprintf(w, "# HELP relaypool_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE relaypool_build_info gauge\n")
	fmt.Fprintf(w, "relaypool_build_info{cache_backend=%q,go_version=%q} 1\n\n", s.cacheBackend, runtime.Version())

	// Process metrics
	fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
	fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(w, "process_start_time_seconds %d\n\n", s.started.Unix())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(s.started).Seconds())

	// Go runtime metrics
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

	// Connection pool
	stats := s.pool.Stats()
	fmt.Fprintf(w, "# HELP relaypool_pool_capacity Maximum simultaneously open relay sockets\n")
	fmt.Fprintf(w, "# TYPE relaypool_pool_capacity gauge\n")
	fmt.Fprintf(w, "relaypool_pool_capacity %d\n\n", stats.Capacity)

	fmt.Fprintf(w, "# HELP relaypool_pool_active Relay connections holding a slot\n")
	fmt.Fprintf(w, "# TYPE relaypool_pool_active gauge\n")
	fmt.Fprintf(w, "relaypool_pool_active %d\n\n", len(stats.Active))

	fmt.Fprintf(w, "# HELP relaypool_pool_queued Relay URLs waiting for a slot\n")
	fmt.Fprintf(w, "# TYPE relaypool_pool_queued gauge\n")
	fmt.Fprintf(w, "relaypool_pool_queued %d\n\n", len(stats.Queued))

	if len(stats.Relays) > 0 {
		fmt.Fprintf(w, "# HELP relaypool_relay_connect_attempts_total Connection attempts per relay\n")
		fmt.Fprintf(w, "# TYPE relaypool_relay_connect_attempts_total counter\n")
		for _, rs := range stats.Relays {
			fmt.Fprintf(w, "relaypool_relay_connect_attempts_total{relay=%q} %d\n", rs.URL, rs.Attempted)
		}
		fmt.Fprintf(w, "\n")

		fmt.Fprintf(w, "# HELP relaypool_relay_connect_failures_total Failed connection attempts per relay\n")
		fmt.Fprintf(w, "# TYPE relaypool_relay_connect_failures_total counter\n")
		for _, rs := range stats.Relays {
			fmt.Fprintf(w, "relaypool_relay_connect_failures_total{relay=%q} %d\n", rs.URL, rs.Failed)
		}
		fmt.Fprintf(w, "\n")

		fmt.Fprintf(w, "# HELP relaypool_relay_online Whether the relay socket is open (1) or not (0)\n")
		fmt.Fprintf(w, "# TYPE relaypool_relay_online gauge\n")
		for _, rs := range stats.Relays {
			online := 0
			if rs.Online {
				online = 1
			}
			fmt.Fprintf(w, "relaypool_relay_online{relay=%q} %d\n", rs.URL, online)
		}
		fmt.Fprintf(w, "\n")
	}

	if s.sink != nil {
		writeSinkMetrics(w, s.sink)
	}
}

// writeSinkMetrics renders the newest finished interval of the in-memory
// sink. Counters are per-interval sums, so they are exposed as gauges.
func writeSinkMetrics(w io.Writer, sink *metrics.InmemSink) {
	data := sink.Data()
	if len(data) < 2 {
		return
	}
	im := data[len(data)-2]
	im.RLock()
	defer im.RUnlock()

	var lines []string
	for _, g := range im.Gauges {
		lines = append(lines, fmt.Sprintf("%s%s %g", promName(g.Name), promLabels(g.Labels), g.Value))
	}
	for _, c := range im.Counters {
		lines = append(lines, fmt.Sprintf("%s%s %g", promName(c.Name), promLabels(c.Labels), c.Sum))
	}
	for _, sv := range im.Samples {
		name := promName(sv.Name)
		labels := promLabels(sv.Labels)
		lines = append(lines,
			fmt.Sprintf("%s_count%s %d", name, labels, sv.Count),
			fmt.Sprintf("%s_mean%s %g", name, labels, sv.AggregateSample.Mean()),
			fmt.Sprintf("%s_max%s %g", name, labels, sv.Max))
	}
	sort.Strings(lines)

	fmt.Fprintf(w, "# go-metrics interval %s\n", im.Interval.UTC().Format(time.RFC3339))
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func promLabels(labels []metrics.Label) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", promName(l.Name), l.Value)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// debugMetricsHandler dumps the sink's recent intervals as JSON.
func (s *server) debugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		util.RespondServiceUnavailable(w, "metrics sink not configured")
		return
	}
	data, err := s.sink.DisplayMetrics(w, r)
	if err != nil {
		util.RespondInternalError(w, err.Error())
		return
	}
	util.RespondJSON(w, http.StatusOK, data)
}
