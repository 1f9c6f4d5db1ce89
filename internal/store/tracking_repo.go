// Package store provides the TrackingRepo interface for the delivery ledger.
package store

import (
	"time"

	"github.com/stepline/StepLine/internal/models"
)

// TrackingRepo defines persistence for the per-(friend, step) delivery
// tracking ledger. The claim is a single conditional row update; it is the
// only cross-worker coordination point in the system.
type TrackingRepo interface {
	// CreateTracking inserts a waiting tracking row. If a row for
	// (friendID, stepID) already exists the call returns the existing row's ID
	// without inserting a duplicate; a terminal existing row is reset to
	// waiting at scheduledAt so re-enrollment schedules a fresh pass, while a
	// live row is left untouched.
	CreateTracking(friendID, stepID, scenarioID string, scheduledAt, now time.Time) (string, error)

	// GetTracking retrieves a tracking row by ID. Returns nil when not found.
	GetTracking(id string) (*models.DeliveryTracking, error)

	// GetTrackingForStep retrieves the tracking row for (friendID, stepID).
	// Returns nil when not found.
	GetTrackingForStep(friendID, stepID string) (*models.DeliveryTracking, error)

	// ListTrackingForFriend retrieves all tracking rows for a friend, newest
	// first.
	ListTrackingForFriend(friendID string) ([]models.DeliveryTracking, error)

	// PromoteDue moves waiting rows whose scheduled_delivery_at and
	// next_check_at have elapsed to ready, returning the number promoted.
	PromoteDue(now time.Time) (int, error)

	// ClaimReady marks up to limit ready rows as processing and returns them.
	// The update is conditional on status so concurrent workers never claim the
	// same row twice.
	ClaimReady(now time.Time, limit int) ([]models.DeliveryTracking, error)

	// MarkDelivered completes a processing row. Returns false when the row was
	// no longer in processing (e.g. concurrently exited), in which case the
	// delivery outcome must be discarded.
	MarkDelivered(id string, now time.Time) (bool, error)

	// FailDelivery records a transient failure on a processing row: increments
	// error_count, stores the error, and either reverts to waiting with
	// next_check_at = nextCheckAt or, once error_count reaches maxErrors, marks
	// the row terminally failed.
	FailDelivery(id, errMsg string, nextCheckAt time.Time, maxErrors int, now time.Time) error

	// ExitScenario marks every non-terminal tracking row for
	// (friendID, scenarioID) as exited, returning the number of rows changed.
	// This is the only cancellation primitive.
	ExitScenario(friendID, scenarioID string, now time.Time) (int, error)

	// ReclaimStale returns processing rows whose claim is older than
	// staleBefore to waiting (crash recovery), returning the number reclaimed.
	ReclaimStale(staleBefore, now time.Time) (int, error)

	// HasNonTerminal reports whether any non-terminal tracking row exists for
	// (friendID, scenarioID).
	HasNonTerminal(friendID, scenarioID string) (bool, error)
}
