package models

import (
	"errors"
	"time"
)

// API request/response types shared between the HTTP layer and its callers.

// CreateScenarioRequest is the payload for authoring a new scenario.
type CreateScenarioRequest struct {
	OwnerID         string `json:"owner_id"`
	Name            string `json:"name"`
	PreventAutoExit bool   `json:"prevent_auto_exit,omitempty"`
	DisplayOrder    int    `json:"display_order,omitempty"`
}

// Validate checks a scenario creation request.
func (r *CreateScenarioRequest) Validate() error {
	if r.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if r.Name == "" {
		return ErrEmptyScenarioName
	}
	if len(r.Name) > MaxScenarioNameLength {
		return ErrScenarioNameTooLong
	}
	return nil
}

// CreateStepRequest is the payload for appending a step to a scenario.
type CreateStepRequest struct {
	StepOrder     int           `json:"step_order"`
	DeliveryType  DeliveryType  `json:"delivery_type"`
	OffsetDays    int           `json:"offset_days,omitempty"`
	OffsetHours   int           `json:"offset_hours,omitempty"`
	OffsetMinutes int           `json:"offset_minutes,omitempty"`
	OffsetSeconds int           `json:"offset_seconds,omitempty"`
	SpecificTime  *time.Time    `json:"specific_time,omitempty"`
	TimeOfDay     string        `json:"time_of_day,omitempty"`
	Messages      []StepMessage `json:"messages,omitempty"`
}

// Timing converts the request fields into a TimingPolicy.
func (r *CreateStepRequest) Timing() TimingPolicy {
	return TimingPolicy{
		DeliveryType:  r.DeliveryType,
		OffsetDays:    r.OffsetDays,
		OffsetHours:   r.OffsetHours,
		OffsetMinutes: r.OffsetMinutes,
		OffsetSeconds: r.OffsetSeconds,
		SpecificTime:  r.SpecificTime,
		TimeOfDay:     r.TimeOfDay,
	}
}

// Validate checks a step creation request, including attached messages.
func (r *CreateStepRequest) Validate() error {
	if r.StepOrder < 1 {
		return errors.New("step_order must be >= 1")
	}
	timing := r.Timing()
	if err := timing.Validate(); err != nil {
		return err
	}
	for i := range r.Messages {
		if err := r.Messages[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CreateTransitionRequest is the payload for adding a transition edge.
type CreateTransitionRequest struct {
	ToScenarioID string              `json:"to_scenario_id"`
	Condition    TransitionCondition `json:"condition_type"`
}

// Validate checks a transition creation request.
func (r *CreateTransitionRequest) Validate() error {
	if r.ToScenarioID == "" {
		return errors.New("to_scenario_id is required")
	}
	if !IsValidTransitionCondition(r.Condition) {
		return errors.New("invalid condition_type")
	}
	return nil
}

// CreateInviteRequest is the payload for minting an invite code.
type CreateInviteRequest struct {
	MaxUsage *int `json:"max_usage,omitempty"`
}

// Validate checks an invite creation request.
func (r *CreateInviteRequest) Validate() error {
	if r.MaxUsage != nil && *r.MaxUsage < 1 {
		return errors.New("max_usage must be >= 1 when set")
	}
	return nil
}

// RegisterRequest is the invite-code redemption payload for a newly added
// LINE friend.
type RegisterRequest struct {
	InviteCode  string `json:"invite_code"`
	LineUserID  string `json:"line_user_id"`
	DisplayName string `json:"display_name,omitempty"`
	PictureURL  string `json:"picture_url,omitempty"`
}

// Validate checks a registration request.
func (r *RegisterRequest) Validate() error {
	if r.InviteCode == "" {
		return ErrEmptyInviteCode
	}
	if r.LineUserID == "" {
		return ErrEmptyLineUserID
	}
	return nil
}

// RegisterResult is returned on successful invite redemption.
type RegisterResult struct {
	FriendID   string `json:"friend_id"`
	ScenarioID string `json:"scenario_id"`
}

// TriggerRequest is the payload for manually (re-)starting a scenario for a
// known friend.
type TriggerRequest struct {
	LineUserID string `json:"line_user_id"`
	ScenarioID string `json:"scenario_id"`
}

// Validate checks a trigger request.
func (r *TriggerRequest) Validate() error {
	if r.LineUserID == "" {
		return ErrEmptyLineUserID
	}
	if r.ScenarioID == "" {
		return errors.New("scenario_id is required")
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for API responses.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
