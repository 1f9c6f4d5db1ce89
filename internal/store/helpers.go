package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/stepline/StepLine/internal/models"
)

// isNoRows unwraps sql.ErrNoRows through scan helper wrapping.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanner abstracts *sql.Row and *sql.Rows so each entity needs one scan
// helper.
type scanner interface {
	Scan(dest ...interface{}) error
}

// Shared column lists keep SELECT statements and scan helpers in sync.
const (
	scenarioColumns   = `id, owner_id, name, is_active, prevent_auto_exit, display_order, created_at, updated_at`
	stepColumns       = `id, scenario_id, step_order, delivery_type, offset_days, offset_hours, offset_minutes, offset_seconds, specific_time, time_of_day, created_at, updated_at`
	messageColumns    = `id, step_id, message_order, kind, text, media_url, preview_url, flex_template_id, alt_text, created_at`
	friendColumns     = `id, owner_id, line_user_id, display_name, picture_url, is_blocked, added_at, created_at, updated_at`
	trackingColumns   = `id, friend_id, step_id, scenario_id, status, scheduled_delivery_at, next_check_at, delivered_at, error_count, last_error, locked_at, created_at, updated_at`
	transitionColumns = `id, from_scenario_id, to_scenario_id, condition_type, created_at`
	inviteColumns     = `id, scenario_id, code, usage_count, max_usage, is_active, created_at, updated_at`
	logColumns        = `id, friend_id, step_id, scenario_id, event, detail, created_at`
	friendLogColumns  = `id, friend_id, scenario_id, status, enrolled_at, exited_at, updated_at`
)

func scanScenario(sc scanner) (models.Scenario, error) {
	var s models.Scenario
	err := sc.Scan(&s.ID, &s.OwnerID, &s.Name, &s.IsActive, &s.PreventAutoExit, &s.DisplayOrder, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	return s, nil
}

func scanStep(sc scanner) (models.Step, error) {
	var s models.Step
	var deliveryType string
	var specificTime sql.NullTime
	var timeOfDay sql.NullString
	err := sc.Scan(
		&s.ID, &s.ScenarioID, &s.StepOrder, &deliveryType,
		&s.Timing.OffsetDays, &s.Timing.OffsetHours, &s.Timing.OffsetMinutes, &s.Timing.OffsetSeconds,
		&specificTime, &timeOfDay, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	s.Timing.DeliveryType = models.DeliveryType(deliveryType)
	if specificTime.Valid {
		s.Timing.SpecificTime = &specificTime.Time
	}
	s.Timing.TimeOfDay = timeOfDay.String
	return s, nil
}

func scanStepMessage(sc scanner) (models.StepMessage, error) {
	var m models.StepMessage
	var kind string
	var text, mediaURL, previewURL, flexTemplate, altText sql.NullString
	err := sc.Scan(&m.ID, &m.StepID, &m.MessageOrder, &kind, &text, &mediaURL, &previewURL, &flexTemplate, &altText, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.Kind = models.MessageKind(kind)
	m.Text = text.String
	m.MediaURL = mediaURL.String
	m.PreviewURL = previewURL.String
	m.FlexTemplate = flexTemplate.String
	m.AltText = altText.String
	return m, nil
}

func scanFriend(sc scanner) (models.Friend, error) {
	var f models.Friend
	var displayName, pictureURL sql.NullString
	err := sc.Scan(&f.ID, &f.OwnerID, &f.LineUserID, &displayName, &pictureURL, &f.IsBlocked, &f.AddedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	f.DisplayName = displayName.String
	f.PictureURL = pictureURL.String
	return f, nil
}

func scanTracking(sc scanner) (models.DeliveryTracking, error) {
	var t models.DeliveryTracking
	var status string
	var nextCheckAt, deliveredAt, lockedAt sql.NullTime
	var lastError sql.NullString
	err := sc.Scan(
		&t.ID, &t.FriendID, &t.StepID, &t.ScenarioID, &status,
		&t.ScheduledDeliveryAt, &nextCheckAt, &deliveredAt,
		&t.ErrorCount, &lastError, &lockedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan tracking failed: %w", err)
	}
	t.Status = models.TrackingStatus(status)
	t.LastError = lastError.String
	if nextCheckAt.Valid {
		t.NextCheckAt = &nextCheckAt.Time
	}
	if deliveredAt.Valid {
		t.DeliveredAt = &deliveredAt.Time
	}
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	return t, nil
}

func scanTransition(sc scanner) (models.ScenarioTransition, error) {
	var t models.ScenarioTransition
	var condition string
	err := sc.Scan(&t.ID, &t.FromScenarioID, &t.ToScenarioID, &condition, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Condition = models.TransitionCondition(condition)
	return t, nil
}

func scanInvite(sc scanner) (models.InviteCode, error) {
	var i models.InviteCode
	var maxUsage sql.NullInt64
	err := sc.Scan(&i.ID, &i.ScenarioID, &i.Code, &i.UsageCount, &maxUsage, &i.IsActive, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return i, err
	}
	if maxUsage.Valid {
		v := int(maxUsage.Int64)
		i.MaxUsage = &v
	}
	return i, nil
}

func scanDeliveryLog(sc scanner) (models.DeliveryLog, error) {
	var l models.DeliveryLog
	var stepID, detail sql.NullString
	err := sc.Scan(&l.ID, &l.FriendID, &stepID, &l.ScenarioID, &l.Event, &detail, &l.CreatedAt)
	if err != nil {
		return l, err
	}
	l.StepID = stepID.String
	l.Detail = detail.String
	return l, nil
}

func scanFriendLog(sc scanner) (models.ScenarioFriendLog, error) {
	var l models.ScenarioFriendLog
	var status string
	var exitedAt sql.NullTime
	err := sc.Scan(&l.ID, &l.FriendID, &l.ScenarioID, &status, &l.EnrolledAt, &exitedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}
	l.Status = models.ParticipationStatus(status)
	if exitedAt.Valid {
		l.ExitedAt = &exitedAt.Time
	}
	return l, nil
}
