// Package monitoring exposes the network-server metrics (frame counters,
// deferred uplink handling, ADR runs) and its health over HTTP.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/config"
)

const (
	metricsPath = "/metrics"
	healthPath  = "/health"
)

// Setup starts the monitoring server when a bind address is configured.
// The device-state store is always part of the health report, the given
// checks are added to it.
func Setup(c config.Config, checks ...Check) error {
	if c.Monitoring.Bind == "" {
		return nil
	}

	server := http.Server{
		Handler: newMux(c, checks...),
		Addr:    c.Monitoring.Bind,
	}

	log.WithFields(log.Fields{
		"bind":   c.Monitoring.Bind,
		"checks": len(checks) + 1,
	}).Info("monitoring: starting metrics and health server")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("monitoring: server error")
		}
	}()

	return nil
}

func newMux(c config.Config, checks ...Check) *http.ServeMux {
	mux := http.NewServeMux()

	if c.Monitoring.PrometheusEndpoint {
		log.WithField("endpoint", metricsPath).Info("monitoring: exposing frame and queue metrics")
		mux.Handle(metricsPath, promhttp.Handler())
	}

	if c.Monitoring.HealthcheckEndpoint {
		log.WithField("endpoint", healthPath).Info("monitoring: exposing health report")
		mux.Handle(healthPath, &healthHandler{
			checks: append([]Check{StorageCheck()}, checks...),
		})
	}

	return mux
}
