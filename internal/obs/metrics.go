package obs

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Client-side metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eduhire_http_requests_total",
			Help: "Total number of backend requests by method and response status.",
		},
		[]string{"method", "status"},
	)

	tokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eduhire_token_refresh_total",
			Help: "Token refresh attempts by result.",
		},
		[]string{"result"},
	)

	storageFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eduhire_storage_fallback_total",
			Help: "Credential store operations served by the plain fallback backend.",
		},
		[]string{"op"},
	)

	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the private registry holding the client metrics.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(httpRequestsTotal, tokenRefreshTotal, storageFallbackTotal)
	})
	return registry
}

// ObserveRequest counts a completed backend request. status 0 means no response.
func ObserveRequest(method string, status int) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	httpRequestsTotal.WithLabelValues(method, label).Inc()
}

// ObserveRefresh counts a refresh attempt; result is "success" or "failure".
func ObserveRefresh(result string) {
	tokenRefreshTotal.WithLabelValues(result).Inc()
}

// ObserveFallback counts a credential store operation that used the fallback backend.
func ObserveFallback(op string) {
	storageFallbackTotal.WithLabelValues(op).Inc()
}

// RefreshCounter exposes the refresh counter for tests.
func RefreshCounter(result string) prometheus.Counter {
	return tokenRefreshTotal.WithLabelValues(result)
}

// FallbackCounter exposes the fallback counter for tests.
func FallbackCounter(op string) prometheus.Counter {
	return storageFallbackTotal.WithLabelValues(op)
}
