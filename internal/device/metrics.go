package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fr = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_frame_rejected_count",
		Help: "The number of rejected uplink frames (per frame type and reason).",
	}, []string{"type", "reason"})

	fa = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_frame_accepted_count",
		Help: "The number of accepted uplink frames (per frame type and result).",
	}, []string{"type", "result"})

	ac = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_adr_count",
		Help: "The number of times the ADR algorithm was run.",
	})
)

func frameRejectedCounter(t, reason string) prometheus.Counter {
	return fr.With(prometheus.Labels{"type": t, "reason": reason})
}

func frameAcceptedCounter(t string, r Result) prometheus.Counter {
	return fa.With(prometheus.Labels{"type": t, "result": r.String()})
}

func adrCounter() prometheus.Counter {
	return ac
}
