// Package store provides the LogRepo interface for the delivery audit trail.
package store

import (
	"time"

	"github.com/stepline/StepLine/internal/models"
)

// LogRepo defines persistence for the append-only delivery log. Entries are
// decoupled from the mutable tracking ledger so history survives row
// transitions.
type LogRepo interface {
	// AppendDeliveryLog appends one audit entry and returns its ID.
	AppendDeliveryLog(entry models.DeliveryLog) (string, error)

	// ListDeliveryLogs retrieves up to limit entries for a scenario, newest
	// first.
	ListDeliveryLogs(scenarioID string, limit int) ([]models.DeliveryLog, error)

	// PruneDeliveryLogs deletes entries older than before, returning the
	// number removed. Used by the maintenance cron.
	PruneDeliveryLogs(before time.Time) (int, error)
}
