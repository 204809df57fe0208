package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queryDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tessera_router_query_duration_seconds",
	Help:    "histogram of store dispatch latency, by target store",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"store"})

var queryRowsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tessera_router_query_rows_total",
	Help: "counter of rows returned by store dispatches, by target store",
}, []string{"store"})

var queryErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tessera_router_query_errors_total",
	Help: "counter of failed store dispatches, by target store",
}, []string{"store"})
