// Package schedule computes absolute delivery timestamps for scenario steps.
//
// Compute is a pure function of its arguments so timing behavior can be unit
// tested in isolation from storage. Callers pass now explicitly; the package
// never reads the wall clock.
package schedule

import (
	"fmt"
	"time"

	"github.com/stepline/StepLine/internal/models"
)

// Compute returns the absolute target timestamp for a step given its timing
// policy and an anchor time.
//
//   - relative: friendAddedAt plus the configured day/hour/minute/second
//     offsets. All-zero offsets mean delivery at registration time.
//   - specific_time: the stored timestamp verbatim; the anchor is ignored.
//   - relative_to_previous: max(friendAddedAt, prevDeliveredAt) plus the day
//     offset. When a time of day is configured it overrides the clock time of
//     the resulting date; if that instant already lies before now, delivery
//     rolls to the next day at the same time of day.
//
// A nil prevDeliveredAt (first step) falls back to friendAddedAt. Compute does
// not clamp past results to now; the enrollment engine does that when seeding
// tracking rows so late enrollments become immediately due.
func Compute(p models.TimingPolicy, now, friendAddedAt time.Time, prevDeliveredAt *time.Time) (time.Time, error) {
	switch p.DeliveryType {
	case models.DeliveryTypeRelative:
		return computeRelative(p, friendAddedAt), nil
	case models.DeliveryTypeSpecificTime:
		if p.SpecificTime == nil {
			return time.Time{}, models.ErrMissingSpecificTime
		}
		return *p.SpecificTime, nil
	case models.DeliveryTypeRelativeToPrevious:
		return computeRelativeToPrevious(p, now, friendAddedAt, prevDeliveredAt)
	default:
		return time.Time{}, fmt.Errorf("%w: %q", models.ErrInvalidDeliveryType, p.DeliveryType)
	}
}

func computeRelative(p models.TimingPolicy, anchor time.Time) time.Time {
	return anchor.
		Add(time.Duration(p.OffsetDays) * 24 * time.Hour).
		Add(time.Duration(p.OffsetHours) * time.Hour).
		Add(time.Duration(p.OffsetMinutes) * time.Minute).
		Add(time.Duration(p.OffsetSeconds) * time.Second)
}

func computeRelativeToPrevious(p models.TimingPolicy, now, friendAddedAt time.Time, prevDeliveredAt *time.Time) (time.Time, error) {
	anchor := friendAddedAt
	if prevDeliveredAt != nil && prevDeliveredAt.After(anchor) {
		anchor = *prevDeliveredAt
	}
	base := anchor.Add(time.Duration(p.OffsetDays) * 24 * time.Hour)

	if p.TimeOfDay == "" {
		return base, nil
	}

	tod, err := time.Parse(models.TimeOfDayLayout, p.TimeOfDay)
	if err != nil {
		return time.Time{}, models.ErrInvalidTimeOfDay
	}

	result := time.Date(base.Year(), base.Month(), base.Day(), tod.Hour(), tod.Minute(), 0, 0, base.Location())
	// The fixed clock time may legitimately land earlier in the day than the
	// anchor's clock time. Only a result that is already in the past relative
	// to now rolls forward to the next day.
	if result.Before(now) {
		result = result.AddDate(0, 0, 1)
	}
	return result, nil
}

// Clamp returns t, or now when t lies in the past. Used when seeding tracking
// rows so a late enrollment becomes immediately due instead of perpetually
// overdue.
func Clamp(t, now time.Time) time.Time {
	if t.Before(now) {
		return now
	}
	return t
}
