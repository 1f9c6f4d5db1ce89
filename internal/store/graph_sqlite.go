package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/util"
)

// Compile-time check that SQLiteStore implements GraphRepo.
var _ GraphRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) CreateScenario(sc models.Scenario) (string, error) {
	id := util.GenerateScenarioID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO scenarios (id, owner_id, name, is_active, prevent_auto_exit, display_order, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sc.OwnerID, sc.Name, true, sc.PreventAutoExit, sc.DisplayOrder, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create scenario failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateScenario", "id", id, "name", sc.Name)
	return id, nil
}

func (s *SQLiteStore) GetScenario(id string) (*models.Scenario, error) {
	row := s.db.QueryRow(`SELECT `+scenarioColumns+` FROM scenarios WHERE id = ?`, id)
	sc, err := scanScenario(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario failed: %w", err)
	}
	return &sc, nil
}

func (s *SQLiteStore) ListScenarios(ownerID string) ([]models.Scenario, error) {
	rows, err := s.db.Query(
		`SELECT `+scenarioColumns+` FROM scenarios WHERE owner_id = ? ORDER BY display_order ASC, created_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list scenarios failed: %w", err)
	}
	defer rows.Close()

	var scenarios []models.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scenario failed: %w", err)
		}
		scenarios = append(scenarios, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scenarios iteration failed: %w", err)
	}
	return scenarios, nil
}

func (s *SQLiteStore) SetScenarioActive(id string, active bool) error {
	now := time.Now()
	_, err := s.db.Exec(`UPDATE scenarios SET is_active = ?, updated_at = ? WHERE id = ?`, active, now, id)
	if err != nil {
		return fmt.Errorf("set scenario active failed: %w", err)
	}
	slog.Debug("SQLiteStore.SetScenarioActive", "id", id, "active", active)
	return nil
}

func (s *SQLiteStore) CreateStep(step models.Step, messages []models.StepMessage) (string, error) {
	id := util.GenerateStepID()
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("create step begin failed: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO steps (id, scenario_id, step_order, delivery_type, offset_days, offset_hours, offset_minutes, offset_seconds, specific_time, time_of_day, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, step.ScenarioID, step.StepOrder, string(step.Timing.DeliveryType),
		step.Timing.OffsetDays, step.Timing.OffsetHours, step.Timing.OffsetMinutes, step.Timing.OffsetSeconds,
		step.Timing.SpecificTime, nilIfEmpty(step.Timing.TimeOfDay), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create step failed: %w", err)
	}

	for i, m := range messages {
		msgID := util.GenerateMessageID()
		_, err = tx.Exec(
			`INSERT INTO step_messages (id, step_id, message_order, kind, text, media_url, preview_url, flex_template_id, alt_text, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msgID, id, i+1, string(m.Kind), nilIfEmpty(m.Text), nilIfEmpty(m.MediaURL),
			nilIfEmpty(m.PreviewURL), nilIfEmpty(m.FlexTemplate), nilIfEmpty(m.AltText), now,
		)
		if err != nil {
			return "", fmt.Errorf("create step message failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("create step commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateStep", "id", id, "scenarioID", step.ScenarioID, "order", step.StepOrder, "messages", len(messages))
	return id, nil
}

func (s *SQLiteStore) GetStep(id string) (*models.Step, error) {
	row := s.db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step failed: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) ListSteps(scenarioID string) ([]models.Step, error) {
	rows, err := s.db.Query(
		`SELECT `+stepColumns+` FROM steps WHERE scenario_id = ? ORDER BY step_order ASC`,
		scenarioID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps failed: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step failed: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps iteration failed: %w", err)
	}
	return steps, nil
}

func (s *SQLiteStore) FirstStep(scenarioID string) (*models.Step, error) {
	row := s.db.QueryRow(
		`SELECT `+stepColumns+` FROM steps WHERE scenario_id = ? ORDER BY step_order ASC LIMIT 1`,
		scenarioID,
	)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first step failed: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) NextStep(scenarioID string, afterOrder int) (*models.Step, error) {
	row := s.db.QueryRow(
		`SELECT `+stepColumns+` FROM steps WHERE scenario_id = ? AND step_order > ? ORDER BY step_order ASC LIMIT 1`,
		scenarioID, afterOrder,
	)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next step failed: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) ListStepMessages(stepID string) ([]models.StepMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM step_messages WHERE step_id = ? ORDER BY message_order ASC`,
		stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("list step messages failed: %w", err)
	}
	defer rows.Close()

	var messages []models.StepMessage
	for rows.Next() {
		m, err := scanStepMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step message failed: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step messages iteration failed: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) CreateTransition(t models.ScenarioTransition) (string, error) {
	id := util.GenerateTransitionID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO scenario_transitions (id, from_scenario_id, to_scenario_id, condition_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, t.FromScenarioID, t.ToScenarioID, string(t.Condition), now,
	)
	if err != nil {
		return "", fmt.Errorf("create transition failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateTransition", "id", id, "from", t.FromScenarioID, "to", t.ToScenarioID)
	return id, nil
}

func (s *SQLiteStore) ListTransitions(fromScenarioID string) ([]models.ScenarioTransition, error) {
	rows, err := s.db.Query(
		`SELECT `+transitionColumns+` FROM scenario_transitions WHERE from_scenario_id = ? ORDER BY created_at ASC`,
		fromScenarioID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions failed: %w", err)
	}
	defer rows.Close()

	var transitions []models.ScenarioTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition failed: %w", err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions iteration failed: %w", err)
	}
	return transitions, nil
}
