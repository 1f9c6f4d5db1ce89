package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestScenarioValidate(t *testing.T) {
	s := Scenario{Name: "Onboarding"}
	if err := s.Validate(); err != nil {
		t.Errorf("Expected valid scenario, got %v", err)
	}

	s.Name = ""
	if err := s.Validate(); !errors.Is(err, ErrEmptyScenarioName) {
		t.Errorf("Expected ErrEmptyScenarioName, got %v", err)
	}

	s.Name = strings.Repeat("x", MaxScenarioNameLength+1)
	if err := s.Validate(); !errors.Is(err, ErrScenarioNameTooLong) {
		t.Errorf("Expected ErrScenarioNameTooLong, got %v", err)
	}
}

func TestTimingPolicyValidate(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		policy  TimingPolicy
		wantErr error
	}{
		{
			name:   "relative with offsets",
			policy: TimingPolicy{DeliveryType: DeliveryTypeRelative, OffsetDays: 3, OffsetHours: 2},
		},
		{
			name:   "specific time",
			policy: TimingPolicy{DeliveryType: DeliveryTypeSpecificTime, SpecificTime: &at},
		},
		{
			name:   "relative to previous with time of day",
			policy: TimingPolicy{DeliveryType: DeliveryTypeRelativeToPrevious, OffsetDays: 1, TimeOfDay: "09:00"},
		},
		{
			name:    "unknown delivery type",
			policy:  TimingPolicy{DeliveryType: "eventually"},
			wantErr: ErrInvalidDeliveryType,
		},
		{
			name:    "negative offset",
			policy:  TimingPolicy{DeliveryType: DeliveryTypeRelative, OffsetHours: -1},
			wantErr: ErrNegativeOffset,
		},
		{
			name:    "offset beyond ceiling",
			policy:  TimingPolicy{DeliveryType: DeliveryTypeRelative, OffsetDays: MaxOffsetDays + 1},
			wantErr: ErrOffsetTooLarge,
		},
		{
			name:    "specific time without timestamp",
			policy:  TimingPolicy{DeliveryType: DeliveryTypeSpecificTime},
			wantErr: ErrMissingSpecificTime,
		},
		{
			name:    "malformed time of day",
			policy:  TimingPolicy{DeliveryType: DeliveryTypeRelative, TimeOfDay: "9am"},
			wantErr: ErrInvalidTimeOfDay,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStepValidate(t *testing.T) {
	step := Step{StepOrder: 1, Timing: TimingPolicy{DeliveryType: DeliveryTypeRelative}}
	if err := step.Validate(); err != nil {
		t.Errorf("Expected valid step, got %v", err)
	}

	step.StepOrder = 0
	if err := step.Validate(); err == nil {
		t.Error("Expected error for step_order 0")
	}

	step.StepOrder = 1
	step.Timing.DeliveryType = "bogus"
	if err := step.Validate(); !errors.Is(err, ErrInvalidDeliveryType) {
		t.Errorf("Expected timing error to propagate, got %v", err)
	}
}

func TestTrackingStatusIsTerminal(t *testing.T) {
	terminal := []TrackingStatus{TrackingStatusDelivered, TrackingStatusFailed, TrackingStatusExited}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	live := []TrackingStatus{TrackingStatusWaiting, TrackingStatusReady, TrackingStatusProcessing, TrackingStatus("unknown")}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}

func TestIsValidTransitionCondition(t *testing.T) {
	if !IsValidTransitionCondition(TransitionUnconditional) || !IsValidTransitionCondition(TransitionManual) {
		t.Error("Expected known conditions to be valid")
	}
	if IsValidTransitionCondition("whenever") {
		t.Error("Expected unknown condition to be invalid")
	}
}
