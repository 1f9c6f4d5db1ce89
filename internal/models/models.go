// Package models defines the core data structures for StepLine.
//
// It includes the scenario graph entities (scenarios, steps, step messages,
// transitions, invite codes) and the delivery tracking ledger types shared
// across modules.
package models

import (
	"errors"
	"time"
)

// DeliveryType defines how a step's delivery time is computed.
type DeliveryType string

const (
	// DeliveryTypeRelative schedules relative to the friend's registration time.
	DeliveryTypeRelative DeliveryType = "relative"
	// DeliveryTypeSpecificTime schedules at a fixed absolute timestamp.
	DeliveryTypeSpecificTime DeliveryType = "specific_time"
	// DeliveryTypeRelativeToPrevious schedules relative to the previous step's
	// delivery, with an optional fixed time of day.
	DeliveryTypeRelativeToPrevious DeliveryType = "relative_to_previous"
)

// Validation constants for authoring input.
const (
	// MaxScenarioNameLength defines the maximum allowed length for scenario names
	MaxScenarioNameLength = 200
	// MaxOffsetDays defines the maximum allowed day offset for step timing
	MaxOffsetDays = 365
	// TimeOfDayLayout is the expected layout for step time-of-day values
	TimeOfDayLayout = "15:04"
)

// Error variables for better error handling and testability
var (
	ErrEmptyScenarioName   = errors.New("scenario name cannot be empty")
	ErrScenarioNameTooLong = errors.New("scenario name exceeds maximum length")
	ErrScenarioNotFound    = errors.New("scenario not found")
	ErrScenarioInactive    = errors.New("scenario is not active")
	ErrScenarioNoSteps     = errors.New("scenario has no steps")
	ErrStepNotFound        = errors.New("step not found")
	ErrInvalidDeliveryType = errors.New("invalid delivery type")
	ErrNegativeOffset      = errors.New("timing offsets cannot be negative")
	ErrOffsetTooLarge      = errors.New("day offset exceeds maximum")
	ErrMissingSpecificTime = errors.New("specific_time steps require a timestamp")
	ErrInvalidTimeOfDay    = errors.New("time_of_day must be in HH:MM format")
	ErrEmptyLineUserID     = errors.New("line_user_id cannot be empty")
	ErrFriendNotFound      = errors.New("friend not found")
	ErrInviteNotFound      = errors.New("invite code not found")
	ErrInviteInactive      = errors.New("invite code is not active")
	ErrInviteExhausted     = errors.New("invite code usage limit reached")
	ErrAlreadyEnrolled     = errors.New("friend is already enrolled in scenario")
	ErrEmptyInviteCode     = errors.New("invite code cannot be empty")
	ErrTransitionSelfLoop  = errors.New("transition cannot target its own scenario")
)

// IsValidDeliveryType checks if the given delivery type is supported.
func IsValidDeliveryType(dt DeliveryType) bool {
	switch dt {
	case DeliveryTypeRelative, DeliveryTypeSpecificTime, DeliveryTypeRelativeToPrevious:
		return true
	default:
		return false
	}
}

// Scenario is a named drip campaign: an ordered sequence of steps.
type Scenario struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	IsActive        bool      `json:"is_active"`
	PreventAutoExit bool      `json:"prevent_auto_exit"`
	DisplayOrder    int       `json:"display_order"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks authoring constraints for a scenario.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return ErrEmptyScenarioName
	}
	if len(s.Name) > MaxScenarioNameLength {
		return ErrScenarioNameTooLong
	}
	return nil
}

// TimingPolicy parameterizes the delivery time calculation for one step.
type TimingPolicy struct {
	DeliveryType  DeliveryType `json:"delivery_type"`
	OffsetDays    int          `json:"offset_days"`
	OffsetHours   int          `json:"offset_hours"`
	OffsetMinutes int          `json:"offset_minutes"`
	OffsetSeconds int          `json:"offset_seconds"`
	SpecificTime  *time.Time   `json:"specific_time,omitempty"`
	TimeOfDay     string       `json:"time_of_day,omitempty"` // e.g., "09:00"
}

// Validate rejects malformed timing at the authoring boundary so configuration
// errors never reach the ledger.
func (p *TimingPolicy) Validate() error {
	if !IsValidDeliveryType(p.DeliveryType) {
		return ErrInvalidDeliveryType
	}
	if p.OffsetDays < 0 || p.OffsetHours < 0 || p.OffsetMinutes < 0 || p.OffsetSeconds < 0 {
		return ErrNegativeOffset
	}
	if p.OffsetDays > MaxOffsetDays {
		return ErrOffsetTooLarge
	}
	if p.DeliveryType == DeliveryTypeSpecificTime && p.SpecificTime == nil {
		return ErrMissingSpecificTime
	}
	if p.TimeOfDay != "" {
		if _, err := time.Parse(TimeOfDayLayout, p.TimeOfDay); err != nil {
			return ErrInvalidTimeOfDay
		}
	}
	return nil
}

// Step is one scheduled message event within a scenario.
type Step struct {
	ID         string    `json:"id"`
	ScenarioID string    `json:"scenario_id"`
	StepOrder  int       `json:"step_order"`
	Timing     TimingPolicy
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks authoring constraints for a step.
func (s *Step) Validate() error {
	if s.StepOrder < 1 {
		return errors.New("step_order must be >= 1")
	}
	return s.Timing.Validate()
}

// Friend is an enrolled recipient identified by an external LINE user ID.
// Friends are owned by the account owner, not by any one scenario.
type Friend struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	LineUserID  string    `json:"line_user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	PictureURL  string    `json:"picture_url,omitempty"`
	IsBlocked   bool      `json:"is_blocked"`
	AddedAt     time.Time `json:"added_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TrackingStatus represents the lifecycle state of a delivery tracking record.
type TrackingStatus string

const (
	// TrackingStatusWaiting indicates the record is waiting for its scheduled time.
	TrackingStatusWaiting TrackingStatus = "waiting"
	// TrackingStatusReady indicates the scheduled time has elapsed and the record
	// is eligible for dispatch.
	TrackingStatusReady TrackingStatus = "ready"
	// TrackingStatusProcessing indicates a dispatcher worker holds the claim.
	TrackingStatusProcessing TrackingStatus = "processing"
	// TrackingStatusDelivered indicates all step messages were sent.
	TrackingStatusDelivered TrackingStatus = "delivered"
	// TrackingStatusFailed indicates the retry ceiling was exceeded.
	TrackingStatusFailed TrackingStatus = "failed"
	// TrackingStatusExited indicates the friend left the scenario before delivery.
	TrackingStatusExited TrackingStatus = "exited"
)

// IsTerminal reports whether the status permits no further dispatch.
func (s TrackingStatus) IsTerminal() bool {
	switch s {
	case TrackingStatusDelivered, TrackingStatusFailed, TrackingStatusExited:
		return true
	default:
		return false
	}
}

// DeliveryTracking is the per-(friend, step) scheduling/state record.
// At most one row exists per (friend, step); at most one non-terminal row
// exists per (friend, scenario).
type DeliveryTracking struct {
	ID                  string         `json:"id"`
	FriendID            string         `json:"friend_id"`
	StepID              string         `json:"step_id"`
	ScenarioID          string         `json:"scenario_id"`
	Status              TrackingStatus `json:"status"`
	ScheduledDeliveryAt time.Time      `json:"scheduled_delivery_at"`
	NextCheckAt         *time.Time     `json:"next_check_at,omitempty"`
	DeliveredAt         *time.Time     `json:"delivered_at,omitempty"`
	ErrorCount          int            `json:"error_count"`
	LastError           string         `json:"last_error,omitempty"`
	LockedAt            *time.Time     `json:"locked_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// TransitionCondition classifies a scenario transition edge.
type TransitionCondition string

const (
	// TransitionUnconditional is evaluated automatically when a scenario completes.
	TransitionUnconditional TransitionCondition = "unconditional"
	// TransitionManual is never evaluated automatically; it exists for operator
	// tooling to move friends between scenarios by hand.
	TransitionManual TransitionCondition = "manual"
)

// IsValidTransitionCondition checks if the given condition type is supported.
func IsValidTransitionCondition(c TransitionCondition) bool {
	return c == TransitionUnconditional || c == TransitionManual
}

// ScenarioTransition is a directed edge between scenarios. The graph may
// contain cycles; re-entry is bounded by the enrollment dedup log, not by
// acyclicity.
type ScenarioTransition struct {
	ID             string              `json:"id"`
	FromScenarioID string              `json:"from_scenario_id"`
	ToScenarioID   string              `json:"to_scenario_id"`
	Condition      TransitionCondition `json:"condition_type"`
	CreatedAt      time.Time           `json:"created_at"`
}

// InviteCode is a redeemable token that enrolls a friend into a scenario's
// first step. MaxUsage nil means unbounded.
type InviteCode struct {
	ID         string    `json:"id"`
	ScenarioID string    `json:"scenario_id"`
	Code       string    `json:"code"`
	UsageCount int       `json:"usage_count"`
	MaxUsage   *int      `json:"max_usage,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeliveryLogEvent classifies an entry in the append-only delivery audit trail.
type DeliveryLogEvent string

const (
	DeliveryLogAttempted DeliveryLogEvent = "attempted"
	DeliveryLogDelivered DeliveryLogEvent = "delivered"
	DeliveryLogFailed    DeliveryLogEvent = "failed"
	DeliveryLogExited    DeliveryLogEvent = "exited"
)

// DeliveryLog is an append-only audit record, decoupled from the mutable
// tracking ledger so history survives row transitions.
type DeliveryLog struct {
	ID         string           `json:"id"`
	FriendID   string           `json:"friend_id"`
	StepID     string           `json:"step_id,omitempty"`
	ScenarioID string           `json:"scenario_id"`
	Event      DeliveryLogEvent `json:"event"`
	Detail     string           `json:"detail,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ParticipationStatus represents a friend's standing in one scenario.
type ParticipationStatus string

const (
	// ParticipationActive indicates steps are still being delivered.
	ParticipationActive ParticipationStatus = "active"
	// ParticipationCompleted indicates the final step delivered and the friend
	// is parked (prevent_auto_exit scenarios).
	ParticipationCompleted ParticipationStatus = "completed"
	// ParticipationExited indicates the friend left or fell through.
	ParticipationExited ParticipationStatus = "exited"
)

// ScenarioFriendLog records one friend's enrollment in one scenario. The
// unique (friend_id, scenario_id) constraint on this log is the enrollment
// dedup mechanism: a racing duplicate enrollment becomes a rejected insert.
type ScenarioFriendLog struct {
	ID         string              `json:"id"`
	FriendID   string              `json:"friend_id"`
	ScenarioID string              `json:"scenario_id"`
	Status     ParticipationStatus `json:"status"`
	EnrolledAt time.Time           `json:"enrolled_at"`
	ExitedAt   *time.Time          `json:"exited_at,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}
