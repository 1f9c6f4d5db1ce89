package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stepline/StepLine/internal/models"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("failed to parse time %q: %v", value, err)
	}
	return parsed
}

func TestCompute_RelativeZeroOffsets(t *testing.T) {
	anchor := mustTime(t, "2025-03-10T14:00:00Z")
	now := anchor

	got, err := Compute(models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative}, now, anchor, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !got.Equal(anchor) {
		t.Errorf("Expected anchor %v exactly, got %v", anchor, got)
	}
}

func TestCompute_RelativeOffsets(t *testing.T) {
	anchor := mustTime(t, "2025-03-10T14:00:00Z")

	p := models.TimingPolicy{
		DeliveryType:  models.DeliveryTypeRelative,
		OffsetDays:    1,
		OffsetHours:   2,
		OffsetMinutes: 30,
	}
	got, err := Compute(p, anchor, anchor, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := anchor.Add(24*time.Hour + 2*time.Hour + 30*time.Minute)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCompute_RelativeSeconds(t *testing.T) {
	anchor := mustTime(t, "2025-03-10T14:00:00Z")

	p := models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative, OffsetSeconds: 45}
	got, err := Compute(p, anchor, anchor, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if want := anchor.Add(45 * time.Second); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCompute_SpecificTimeIgnoresAnchor(t *testing.T) {
	pinned := mustTime(t, "2025-12-24T18:00:00Z")
	now := mustTime(t, "2025-03-10T14:00:00Z")

	p := models.TimingPolicy{DeliveryType: models.DeliveryTypeSpecificTime, SpecificTime: &pinned}

	anchor1 := mustTime(t, "2025-01-01T00:00:00Z")
	anchor2 := mustTime(t, "2025-06-15T09:30:00Z")

	got1, err := Compute(p, now, anchor1, nil)
	if err != nil {
		t.Fatalf("Compute anchor1 failed: %v", err)
	}
	got2, err := Compute(p, now, anchor2, nil)
	if err != nil {
		t.Fatalf("Compute anchor2 failed: %v", err)
	}
	if !got1.Equal(pinned) || !got2.Equal(pinned) {
		t.Errorf("Expected pinned %v for both anchors, got %v and %v", pinned, got1, got2)
	}
}

func TestCompute_SpecificTimeMissingTimestamp(t *testing.T) {
	now := mustTime(t, "2025-03-10T14:00:00Z")
	_, err := Compute(models.TimingPolicy{DeliveryType: models.DeliveryTypeSpecificTime}, now, now, nil)
	if !errors.Is(err, models.ErrMissingSpecificTime) {
		t.Errorf("Expected ErrMissingSpecificTime, got %v", err)
	}
}

func TestCompute_RelativeToPrevious_TimeOfDayBeforePreviousClock(t *testing.T) {
	// Previous step delivered on day N at 14:00; days=2 with 09:00 must land
	// on day N+2 at 09:00 even though 09:00 is earlier in the day than 14:00.
	prev := mustTime(t, "2025-03-10T14:00:00Z")
	now := prev
	added := mustTime(t, "2025-03-01T08:00:00Z")

	p := models.TimingPolicy{
		DeliveryType: models.DeliveryTypeRelativeToPrevious,
		OffsetDays:   2,
		TimeOfDay:    "09:00",
	}
	got, err := Compute(p, now, added, &prev)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := mustTime(t, "2025-03-12T09:00:00Z")
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCompute_RelativeToPrevious_RollsForwardWhenPast(t *testing.T) {
	// Zero day offset with a time of day that already passed today rolls to
	// tomorrow instead of producing a past-due instant.
	prev := mustTime(t, "2025-03-10T14:00:00Z")
	now := prev

	p := models.TimingPolicy{
		DeliveryType: models.DeliveryTypeRelativeToPrevious,
		OffsetDays:   0,
		TimeOfDay:    "09:00",
	}
	got, err := Compute(p, now, prev, &prev)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := mustTime(t, "2025-03-11T09:00:00Z")
	if !got.Equal(want) {
		t.Errorf("Expected roll to %v, got %v", want, got)
	}
}

func TestCompute_RelativeToPrevious_NoTimeOfDayKeepsClock(t *testing.T) {
	prev := mustTime(t, "2025-03-10T14:00:00Z")
	now := prev

	p := models.TimingPolicy{
		DeliveryType: models.DeliveryTypeRelativeToPrevious,
		OffsetDays:   3,
	}
	got, err := Compute(p, now, prev, &prev)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := mustTime(t, "2025-03-13T14:00:00Z")
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCompute_RelativeToPrevious_MissingPreviousFallsBackToAnchor(t *testing.T) {
	added := mustTime(t, "2025-03-10T08:00:00Z")
	now := added

	p := models.TimingPolicy{
		DeliveryType: models.DeliveryTypeRelativeToPrevious,
		OffsetDays:   1,
		TimeOfDay:    "10:30",
	}
	got, err := Compute(p, now, added, nil)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := mustTime(t, "2025-03-11T10:30:00Z")
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCompute_RelativeToPrevious_UsesLaterOfAnchors(t *testing.T) {
	// A previous delivery earlier than the friend's registration (manual
	// backfill) must not drag the schedule backwards.
	added := mustTime(t, "2025-03-10T08:00:00Z")
	prev := mustTime(t, "2025-03-05T12:00:00Z")
	now := added

	p := models.TimingPolicy{DeliveryType: models.DeliveryTypeRelativeToPrevious, OffsetDays: 1}
	got, err := Compute(p, now, added, &prev)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := mustTime(t, "2025-03-11T08:00:00Z")
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCompute_InvalidDeliveryType(t *testing.T) {
	now := mustTime(t, "2025-03-10T14:00:00Z")
	_, err := Compute(models.TimingPolicy{DeliveryType: "bogus"}, now, now, nil)
	if !errors.Is(err, models.ErrInvalidDeliveryType) {
		t.Errorf("Expected ErrInvalidDeliveryType, got %v", err)
	}
}

func TestClamp(t *testing.T) {
	now := mustTime(t, "2025-03-10T14:00:00Z")
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if got := Clamp(past, now); !got.Equal(now) {
		t.Errorf("Expected past clamped to now, got %v", got)
	}
	if got := Clamp(future, now); !got.Equal(future) {
		t.Errorf("Expected future unchanged, got %v", got)
	}
}
