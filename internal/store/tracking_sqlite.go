package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/util"
)

// Compile-time check that SQLiteStore implements TrackingRepo.
var _ TrackingRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) CreateTracking(friendID, stepID, scenarioID string, scheduledAt, now time.Time) (string, error) {
	// One row per (friend, step). A live row wins so a step never fires twice
	// within a run; a terminal row from a previous run is revived so a
	// re-enrolled friend walks the scenario again.
	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM step_delivery_tracking WHERE friend_id = ? AND step_id = ?`,
		friendID, stepID,
	).Scan(&existingID)
	if err == nil {
		result, err := s.db.Exec(
			`UPDATE step_delivery_tracking
			 SET status = 'waiting', scheduled_delivery_at = ?, next_check_at = NULL, delivered_at = NULL,
			     error_count = 0, last_error = '', locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status IN ('delivered', 'failed', 'exited')`,
			scheduledAt, now, existingID,
		)
		if err != nil {
			return "", fmt.Errorf("revive tracking failed: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 1 {
			slog.Debug("SQLiteStore.CreateTracking: revived terminal row", "friendID", friendID, "stepID", stepID, "existingID", existingID, "scheduledAt", scheduledAt)
		} else {
			slog.Debug("SQLiteStore.CreateTracking: existing row", "friendID", friendID, "stepID", stepID, "existingID", existingID)
		}
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("tracking dedupe check failed: %w", err)
	}

	id := util.GenerateTrackingID()
	_, err = s.db.Exec(
		`INSERT INTO step_delivery_tracking (id, friend_id, step_id, scenario_id, status, scheduled_delivery_at, error_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'waiting', ?, 0, ?, ?)`,
		id, friendID, stepID, scenarioID, scheduledAt, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create tracking failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateTracking", "id", id, "friendID", friendID, "stepID", stepID, "scheduledAt", scheduledAt)
	return id, nil
}

func (s *SQLiteStore) GetTracking(id string) (*models.DeliveryTracking, error) {
	row := s.db.QueryRow(`SELECT `+trackingColumns+` FROM step_delivery_tracking WHERE id = ?`, id)
	t, err := scanTracking(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tracking failed: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) GetTrackingForStep(friendID, stepID string) (*models.DeliveryTracking, error) {
	row := s.db.QueryRow(
		`SELECT `+trackingColumns+` FROM step_delivery_tracking WHERE friend_id = ? AND step_id = ?`,
		friendID, stepID,
	)
	t, err := scanTracking(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tracking for step failed: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTrackingForFriend(friendID string) ([]models.DeliveryTracking, error) {
	rows, err := s.db.Query(
		`SELECT `+trackingColumns+` FROM step_delivery_tracking WHERE friend_id = ? ORDER BY created_at DESC`,
		friendID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tracking failed: %w", err)
	}
	defer rows.Close()

	var records []models.DeliveryTracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracking iteration failed: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) PromoteDue(now time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'ready', updated_at = ?
		 WHERE status = 'waiting' AND scheduled_delivery_at <= ?
		   AND (next_check_at IS NULL OR next_check_at <= ?)`,
		now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("promote due failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ClaimReady(now time.Time, limit int) ([]models.DeliveryTracking, error) {
	rows, err := s.db.Query(
		`SELECT id FROM step_delivery_tracking WHERE status = 'ready'
		 ORDER BY scheduled_delivery_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim ready query failed: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim ready scan failed: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim ready iteration failed: %w", err)
	}

	// The conditional update is the claim: a row another worker already moved
	// out of ready affects zero rows and is skipped (expected contention, not
	// an error).
	var claimed []models.DeliveryTracking
	for _, id := range candidates {
		result, err := s.db.Exec(
			`UPDATE step_delivery_tracking SET status = 'processing', locked_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'ready'`,
			now, now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("claim update failed: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			continue
		}
		t, err := s.GetTracking(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			claimed = append(claimed, *t)
		}
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkDelivered(id string, now time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'delivered', delivered_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("SQLiteStore.MarkDelivered: outcome discarded, record no longer processing", "id", id)
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) FailDelivery(id, errMsg string, nextCheckAt time.Time, maxErrors int, now time.Time) error {
	var errorCount int
	err := s.db.QueryRow(`SELECT error_count FROM step_delivery_tracking WHERE id = ?`, id).Scan(&errorCount)
	if err != nil {
		return fmt.Errorf("fail delivery lookup failed: %w", err)
	}

	errorCount++
	if errorCount >= maxErrors {
		_, err = s.db.Exec(
			`UPDATE step_delivery_tracking SET status = 'failed', error_count = ?, last_error = ?, locked_at = NULL, next_check_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'processing'`,
			errorCount, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE step_delivery_tracking SET status = 'waiting', error_count = ?, last_error = ?, next_check_at = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'processing'`,
			errorCount, errMsg, nextCheckAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail delivery update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ExitScenario(friendID, scenarioID string, now time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'exited', locked_at = NULL, updated_at = ?
		 WHERE friend_id = ? AND scenario_id = ? AND status NOT IN ('delivered', 'failed', 'exited')`,
		now, friendID, scenarioID,
	)
	if err != nil {
		return 0, fmt.Errorf("exit scenario failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.ExitScenario", "friendID", friendID, "scenarioID", scenarioID, "exited", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) ReclaimStale(staleBefore, now time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'waiting', locked_at = NULL, updated_at = ?
		 WHERE status = 'processing' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.ReclaimStale", "reclaimed", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) HasNonTerminal(friendID, scenarioID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM step_delivery_tracking
		 WHERE friend_id = ? AND scenario_id = ? AND status NOT IN ('delivered', 'failed', 'exited') LIMIT 1`,
		friendID, scenarioID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("non-terminal check failed: %w", err)
	}
	return true, nil
}
