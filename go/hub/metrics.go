package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tessera_live_connections",
	Help: "Currently registered live channel clients.",
})

var framesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tessera_hub_frames_delivered_total",
	Help: "Frames fanned out to local clients, by channel kind.",
}, []string{"kind"})

var framesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tessera_hub_frames_published_total",
	Help: "Frames published to the shared bus, by channel kind.",
}, []string{"kind"})
