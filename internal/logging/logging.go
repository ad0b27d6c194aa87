package logging

import (
	"context"

	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContext returns a copy of ctx carrying a new random context ID. The ID
// is logged as ctx_id so that all log lines of a single uplink can be
// correlated.
func NewContext(ctx context.Context) context.Context {
	ctxID, err := uuid.NewV4()
	if err != nil {
		log.WithError(err).Error("logging: new uuid error")
		return ctx
	}
	return context.WithValue(ctx, ContextIDKey, ctxID)
}
