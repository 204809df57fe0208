package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tessera_cache_hits_total",
	Help: "Result-cache hits, by request path.",
}, []string{"path"})

var cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tessera_cache_misses_total",
	Help: "Result-cache misses, by request path.",
}, []string{"path"})
