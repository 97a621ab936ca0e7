package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleMetricsJSON serves the legacy JSON metrics snapshot: usage counters
// plus process memory. The Prometheus scrape endpoint lives separately at
// /metrics/prometheus.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	respondJSON(w, http.StatusOK, map[string]any{
		"usage": s.usage.Stats(time.Time{}),
		"memory": map[string]any{
			"allocBytes":      mem.Alloc,
			"totalAllocBytes": mem.TotalAlloc,
			"sysBytes":        mem.Sys,
			"heapObjects":     mem.HeapObjects,
			"numGC":           mem.NumGC,
			"goroutines":      runtime.NumGoroutine(),
		},
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

// prometheusHandler exposes the default Prometheus registry, which the OTel
// exporter bridge feeds.
func prometheusHandler() http.Handler {
	return promhttp.Handler()
}
