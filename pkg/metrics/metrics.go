// Package metrics provides the Prometheus registry and exposition handler
// for the athena proxy. All metrics are defined in their respective packages
// (proxy, cache) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics exposition handler for Registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - athena_cache_hits_total{store} (Counter): Cache hits by store (memory, redis)
//   - athena_cache_misses_total{store} (Counter): Cache misses, including expired entries
//   - athena_cache_errors_total{store, operation} (Counter): Cache operation errors
//   - athena_cache_entries{store="memory"} (Gauge): Entries held by the in-memory store
//
// Proxy Metrics (pkg/proxy):
//   - athena_proxy_requests_total{cache} (Counter): Proxied requests by cache status (HIT, MISS, BYPASS)
//   - athena_upstream_requests_total{origin, status} (Counter): Backend requests by origin and HTTP status
//   - athena_upstream_duration_seconds{origin} (Histogram): Backend request duration by origin
//   - athena_dispatch_errors_total{class} (Counter): Dispatch failures by class (network, timeout, tls, invalid_target)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(athena_proxy_requests_total{cache="HIT"}[5m])) /
//   sum(rate(athena_proxy_requests_total[5m]))
//
//   # Dispatch Error Rate
//   rate(athena_dispatch_errors_total[5m])
//
//   # P95 Backend Latency per Origin
//   histogram_quantile(0.95, sum by (origin, le) (rate(athena_upstream_duration_seconds_bucket[5m])))
