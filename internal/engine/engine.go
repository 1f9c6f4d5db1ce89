// Package engine implements enrollment and scenario transition logic.
//
// It owns the write paths that span multiple tables: invite redemption,
// friend enrollment, advancing a friend to the next step after a delivery,
// completing a scenario (transition evaluation) and exits. The dispatcher and
// the HTTP API both drive deliveries through this package.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/schedule"
	"github.com/stepline/StepLine/internal/store"
)

// Engine coordinates enrollment, step advancement and scenario transitions.
type Engine struct {
	store store.Store
	now   func() time.Time
}

// Option defines a configuration option for the engine.
type Option func(*Engine)

// WithClock overrides the engine's clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given store.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{store: st, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enroll enrolls an existing friend into a scenario's first step. Enrollment
// is idempotent through the friend-log unique insert: a friend already active
// or completed in the scenario gets ErrAlreadyEnrolled, an exited friend
// re-enters. First-step delivery times in the past are clamped to now so
// overdue steps go out on the next sweep instead of being lost.
func (e *Engine) Enroll(friendID, scenarioID string) error {
	now := e.now()

	friend, err := e.store.GetFriend(friendID)
	if err != nil {
		return err
	}
	if friend == nil {
		return models.ErrFriendNotFound
	}

	scenario, err := e.store.GetScenario(scenarioID)
	if err != nil {
		return err
	}
	if scenario == nil {
		return models.ErrScenarioNotFound
	}
	if !scenario.IsActive {
		return models.ErrScenarioInactive
	}

	first, err := e.store.FirstStep(scenarioID)
	if err != nil {
		return err
	}
	if first == nil {
		return models.ErrScenarioNoSteps
	}

	enrolled, err := e.store.EnrollFriendLog(friendID, scenarioID, now)
	if err != nil {
		return err
	}
	if !enrolled {
		return models.ErrAlreadyEnrolled
	}

	deliveryAt, err := schedule.Compute(first.Timing, now, friend.AddedAt, nil)
	if err != nil {
		return fmt.Errorf("compute first step delivery failed: %w", err)
	}
	deliveryAt = schedule.Clamp(deliveryAt, now)

	if _, err := e.store.CreateTracking(friendID, first.ID, scenarioID, deliveryAt, now); err != nil {
		return err
	}
	slog.Info("Engine.Enroll", "friendID", friendID, "scenarioID", scenarioID, "firstStepID", first.ID, "deliveryAt", deliveryAt)
	return nil
}

// RedeemInviteCode redeems an invite code and enrolls the LINE user into the
// invite's scenario, registering the friend if needed. Redemption fails
// closed: the usage increment only succeeds for an active code under its
// limit, so a burst of redemptions can never exceed max_usage.
func (e *Engine) RedeemInviteCode(code, lineUserID, displayName, pictureURL string) (*models.RegisterResult, error) {
	if code == "" {
		return nil, models.ErrEmptyInviteCode
	}
	if lineUserID == "" {
		return nil, models.ErrEmptyLineUserID
	}
	now := e.now()

	invite, err := e.store.RedeemInvite(code, now)
	if err != nil {
		return nil, err
	}

	scenario, err := e.store.GetScenario(invite.ScenarioID)
	if err != nil {
		return nil, err
	}
	if scenario == nil {
		return nil, models.ErrScenarioNotFound
	}

	friend, err := e.store.UpsertFriend(scenario.OwnerID, lineUserID, displayName, pictureURL, now)
	if err != nil {
		return nil, err
	}

	if err := e.Enroll(friend.ID, invite.ScenarioID); err != nil {
		return nil, err
	}
	slog.Info("Engine.RedeemInviteCode", "code", code, "friendID", friend.ID, "scenarioID", invite.ScenarioID)
	return &models.RegisterResult{FriendID: friend.ID, ScenarioID: invite.ScenarioID}, nil
}

// TriggerScenarioDelivery manually enrolls an existing friend into a scenario.
// Operator tooling uses this to start a drip outside the invite flow.
func (e *Engine) TriggerScenarioDelivery(lineUserID, scenarioID string) (*models.RegisterResult, error) {
	if lineUserID == "" {
		return nil, models.ErrEmptyLineUserID
	}
	friend, err := e.store.GetFriendByLineUserID(lineUserID)
	if err != nil {
		return nil, err
	}
	if friend == nil {
		return nil, models.ErrFriendNotFound
	}
	if err := e.Enroll(friend.ID, scenarioID); err != nil {
		return nil, err
	}
	return &models.RegisterResult{FriendID: friend.ID, ScenarioID: scenarioID}, nil
}

// AdvanceAfterDelivery schedules the next step after a confirmed delivery, or
// completes the scenario when the delivered step was the last one.
func (e *Engine) AdvanceAfterDelivery(t models.DeliveryTracking, deliveredAt time.Time) error {
	now := e.now()

	step, err := e.store.GetStep(t.StepID)
	if err != nil {
		return err
	}
	if step == nil {
		return models.ErrStepNotFound
	}

	next, err := e.store.NextStep(t.ScenarioID, step.StepOrder)
	if err != nil {
		return err
	}
	if next == nil {
		return e.CompleteScenario(t.FriendID, t.ScenarioID)
	}

	friend, err := e.store.GetFriend(t.FriendID)
	if err != nil {
		return err
	}
	if friend == nil {
		return models.ErrFriendNotFound
	}

	deliveryAt, err := schedule.Compute(next.Timing, now, friend.AddedAt, &deliveredAt)
	if err != nil {
		return fmt.Errorf("compute next step delivery failed: %w", err)
	}
	deliveryAt = schedule.Clamp(deliveryAt, now)

	if _, err := e.store.CreateTracking(t.FriendID, next.ID, t.ScenarioID, deliveryAt, now); err != nil {
		return err
	}
	slog.Info("Engine.AdvanceAfterDelivery", "friendID", t.FriendID, "scenarioID", t.ScenarioID, "nextStepID", next.ID, "deliveryAt", deliveryAt)
	return nil
}

// CompleteScenario finishes a friend's run through a scenario. Exactly one
// unconditional outgoing transition moves the friend to the target scenario;
// zero (or ambiguous multiple) transitions either park the friend
// (prevent_auto_exit) or exit the participation. Transition cycles are legal;
// re-entry is bounded by the enrollment dedup log.
func (e *Engine) CompleteScenario(friendID, scenarioID string) error {
	now := e.now()

	scenario, err := e.store.GetScenario(scenarioID)
	if err != nil {
		return err
	}
	if scenario == nil {
		return models.ErrScenarioNotFound
	}

	transitions, err := e.store.ListTransitions(scenarioID)
	if err != nil {
		return err
	}
	var unconditional []models.ScenarioTransition
	for _, t := range transitions {
		if t.Condition == models.TransitionUnconditional {
			unconditional = append(unconditional, t)
		}
	}

	transitioned := false
	if len(unconditional) == 1 {
		target := unconditional[0].ToScenarioID
		switch err := e.Enroll(friendID, target); err {
		case nil:
			transitioned = true
		case models.ErrAlreadyEnrolled, models.ErrScenarioInactive, models.ErrScenarioNoSteps:
			slog.Warn("Engine.CompleteScenario: transition target not enrollable", "friendID", friendID, "from", scenarioID, "to", target, "reason", err)
		default:
			return err
		}
	} else if len(unconditional) > 1 {
		slog.Warn("Engine.CompleteScenario: ambiguous transitions, treating as none", "scenarioID", scenarioID, "count", len(unconditional))
	}

	if transitioned || scenario.PreventAutoExit {
		if err := e.store.SetParticipationStatus(friendID, scenarioID, models.ParticipationCompleted, now); err != nil {
			return err
		}
		slog.Info("Engine.CompleteScenario: completed", "friendID", friendID, "scenarioID", scenarioID, "transitioned", transitioned)
		return nil
	}

	if err := e.store.SetParticipationStatus(friendID, scenarioID, models.ParticipationExited, now); err != nil {
		return err
	}
	if _, err := e.store.AppendDeliveryLog(models.DeliveryLog{
		FriendID:   friendID,
		ScenarioID: scenarioID,
		Event:      models.DeliveryLogExited,
		Detail:     "scenario completed",
	}); err != nil {
		return err
	}
	slog.Info("Engine.CompleteScenario: exited", "friendID", friendID, "scenarioID", scenarioID)
	return nil
}

// ExitFriend exits all of a friend's active participations and marks the
// friend blocked. This is the unfollow/block webhook entry point.
func (e *Engine) ExitFriend(lineUserID string) error {
	if lineUserID == "" {
		return models.ErrEmptyLineUserID
	}
	now := e.now()

	friend, err := e.store.GetFriendByLineUserID(lineUserID)
	if err != nil {
		return err
	}
	if friend == nil {
		return models.ErrFriendNotFound
	}

	scenarioIDs, err := e.store.ListActiveParticipations(friend.ID)
	if err != nil {
		return err
	}
	for _, scenarioID := range scenarioIDs {
		if _, err := e.store.ExitScenario(friend.ID, scenarioID, now); err != nil {
			return err
		}
		if err := e.store.SetParticipationStatus(friend.ID, scenarioID, models.ParticipationExited, now); err != nil {
			return err
		}
		if _, err := e.store.AppendDeliveryLog(models.DeliveryLog{
			FriendID:   friend.ID,
			ScenarioID: scenarioID,
			Event:      models.DeliveryLogExited,
			Detail:     "friend left",
		}); err != nil {
			return err
		}
	}

	if err := e.store.SetFriendBlocked(lineUserID, true, now); err != nil {
		return err
	}
	slog.Info("Engine.ExitFriend", "friendID", friend.ID, "participationsExited", len(scenarioIDs))
	return nil
}
