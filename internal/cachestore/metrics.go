package cachestore

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// KeyPrefixLabel is the label for cache metrics, representing the key prefix.
	KeyPrefixLabel = "key_prefix"
)

// Metrics contains the Prometheus collectors for cache-related metrics.
type Metrics struct {
	Hits        *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	RateLimited *prometheus.CounterVec
}

// newMetrics creates and registers the cache metrics collectors once per
// process.
var newMetrics = sync.OnceValue(func() Metrics {
	m := Metrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hit_count",
			Help: "The number of cache hits",
		}, []string{KeyPrefixLabel}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_miss_count",
			Help: "The number of cache misses",
		}, []string{KeyPrefixLabel}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "The number of requests rejected by the rate limiter",
		}, []string{KeyPrefixLabel}),
	}
	prometheus.MustRegister(
		m.Hits,
		m.Misses,
		m.RateLimited,
	)
	return m
})
