package models

import (
	"errors"
	"testing"
)

func TestCreateScenarioRequestValidate(t *testing.T) {
	r := CreateScenarioRequest{OwnerID: "owner-1", Name: "Welcome series"}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}
	if err := (&CreateScenarioRequest{Name: "x"}).Validate(); err == nil {
		t.Error("Expected error for missing owner_id")
	}
	if err := (&CreateScenarioRequest{OwnerID: "owner-1"}).Validate(); !errors.Is(err, ErrEmptyScenarioName) {
		t.Errorf("Expected ErrEmptyScenarioName, got %v", err)
	}
}

func TestCreateStepRequestValidate(t *testing.T) {
	r := CreateStepRequest{
		StepOrder:    1,
		DeliveryType: DeliveryTypeRelative,
		OffsetDays:   2,
		Messages:     []StepMessage{{Kind: MessageKindText, Text: "hello"}},
	}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}

	// Message validation failures surface through the step request.
	r.Messages = append(r.Messages, StepMessage{Kind: MessageKindText})
	if err := r.Validate(); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}

	timing := r.Timing()
	if timing.DeliveryType != DeliveryTypeRelative || timing.OffsetDays != 2 {
		t.Errorf("Timing() lost fields: %+v", timing)
	}
}

func TestCreateTransitionRequestValidate(t *testing.T) {
	r := CreateTransitionRequest{ToScenarioID: "scn_1", Condition: TransitionUnconditional}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}
	if err := (&CreateTransitionRequest{Condition: TransitionManual}).Validate(); err == nil {
		t.Error("Expected error for missing to_scenario_id")
	}
	if err := (&CreateTransitionRequest{ToScenarioID: "scn_1", Condition: "sometimes"}).Validate(); err == nil {
		t.Error("Expected error for unknown condition")
	}
}

func TestCreateInviteRequestValidate(t *testing.T) {
	if err := (&CreateInviteRequest{}).Validate(); err != nil {
		t.Errorf("Expected unlimited invite to validate, got %v", err)
	}
	limit := 0
	if err := (&CreateInviteRequest{MaxUsage: &limit}).Validate(); err == nil {
		t.Error("Expected error for max_usage 0")
	}
}

func TestRegisterRequestValidate(t *testing.T) {
	r := RegisterRequest{InviteCode: "ABCD1234", LineUserID: "U0047556f2e40dba2a626eb32ebbd27f4"}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}
	if err := (&RegisterRequest{LineUserID: "U1"}).Validate(); !errors.Is(err, ErrEmptyInviteCode) {
		t.Errorf("Expected ErrEmptyInviteCode, got %v", err)
	}
	if err := (&RegisterRequest{InviteCode: "ABCD"}).Validate(); !errors.Is(err, ErrEmptyLineUserID) {
		t.Errorf("Expected ErrEmptyLineUserID, got %v", err)
	}
}

func TestTriggerRequestValidate(t *testing.T) {
	r := TriggerRequest{LineUserID: "U0047556f2e40dba2a626eb32ebbd27f4", ScenarioID: "scn_1"}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}
	if err := (&TriggerRequest{ScenarioID: "scn_1"}).Validate(); !errors.Is(err, ErrEmptyLineUserID) {
		t.Errorf("Expected ErrEmptyLineUserID, got %v", err)
	}
	if err := (&TriggerRequest{LineUserID: "U1"}).Validate(); err == nil {
		t.Error("Expected error for missing scenario_id")
	}
}
