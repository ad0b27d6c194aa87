package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flora-lorawan/flora-network-server/internal/config"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

const checkTimeout = 2 * time.Second

// Check is a single item of the health report.
type Check struct {
	Name string
	Func func(context.Context) error
}

// StorageCheck reports the reachability of the Redis device-state store.
func StorageCheck() Check {
	return Check{
		Name: "storage",
		Func: func(ctx context.Context) error {
			return errors.Wrap(storage.RedisClient().Ping(ctx).Err(), "redis ping error")
		},
	}
}

// PendingCheck fails when more than max uplinks wait for their
// deduplication delay to pass. A max of zero disables the check.
func PendingCheck(pending func() int, max int) Check {
	return Check{
		Name: "deduplication_queue",
		Func: func(ctx context.Context) error {
			if n := pending(); max > 0 && n > max {
				return errors.Errorf("%d uplinks pending, max %d", n, max)
			}
			return nil
		},
	}
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Healthy bool              `json:"healthy"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

type healthHandler struct {
	checks []Check
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	report := HealthReport{
		Healthy: true,
		Version: config.Version,
		Checks:  make(map[string]string, len(h.checks)),
	}

	for _, c := range h.checks {
		if err := c.Func(ctx); err != nil {
			report.Healthy = false
			report.Checks[c.Name] = err.Error()
			log.WithError(err).WithField("check", c.Name).Warning("monitoring: health check failed")
			continue
		}
		report.Checks[c.Name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.WithError(err).Error("monitoring: encode health report error")
	}
}
