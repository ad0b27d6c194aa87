package deferqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deferqueue_timeout_count",
		Help: "The number of deferred timeouts (per event).",
	}, []string{"event"})

	pg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deferqueue_pending_timeouts",
		Help: "The number of deferred timeouts waiting for their deadline.",
	})
)

func timeoutCounter(e string) prometheus.Counter {
	return tc.With(prometheus.Labels{"event": e})
}

func pendingGauge() prometheus.Gauge {
	return pg
}
