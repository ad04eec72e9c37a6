package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Correlation is created at the outer call and threaded through every log
// record and retry attempt for that call (spec §3, §4.3).
type Correlation struct {
	ID            string
	OperationType string
	Entity        string
	StartedAt     time.Time
	Attempt       int
}

// NewCorrelation starts a fresh correlation context for one client call.
func NewCorrelation(operationType, entity string) *Correlation {
	return &Correlation{
		ID:            uuid.NewString(),
		OperationType: operationType,
		Entity:        entity,
		StartedAt:     time.Now(),
		Attempt:       1,
	}
}

// Fields renders the correlation as structured log fields.
func (c *Correlation) Fields() map[string]interface{} {
	return map[string]interface{}{
		"correlation_id": c.ID,
		"operation_type": c.OperationType,
		"entity":         c.Entity,
		"attempt":        c.Attempt,
	}
}
