package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/util"
)

// Compile-time check that PostgresStore implements TrackingRepo.
var _ TrackingRepo = (*PostgresStore)(nil)

func (s *PostgresStore) CreateTracking(friendID, stepID, scenarioID string, scheduledAt, now time.Time) (string, error) {
	id := util.GenerateTrackingID()
	// ON CONFLICT DO NOTHING enforces one row per (friend, step); the follow-up
	// select returns the surviving row's id either way.
	result, err := s.db.Exec(
		`INSERT INTO step_delivery_tracking (id, friend_id, step_id, scenario_id, status, scheduled_delivery_at, error_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'waiting', $5, 0, $6, $7)
		 ON CONFLICT (friend_id, step_id) DO NOTHING`,
		id, friendID, stepID, scenarioID, scheduledAt, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create tracking failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// A live row wins so a step never fires twice within a run; a terminal
		// row from a previous run is revived so a re-enrolled friend walks the
		// scenario again.
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM step_delivery_tracking WHERE friend_id = $1 AND step_id = $2`,
			friendID, stepID,
		).Scan(&existingID)
		if err != nil {
			return "", fmt.Errorf("tracking dedupe lookup failed: %w", err)
		}
		revived, err := s.db.Exec(
			`UPDATE step_delivery_tracking
			 SET status = 'waiting', scheduled_delivery_at = $1, next_check_at = NULL, delivered_at = NULL,
			     error_count = 0, last_error = '', locked_at = NULL, updated_at = $2
			 WHERE id = $3 AND status IN ('delivered', 'failed', 'exited')`,
			scheduledAt, now, existingID,
		)
		if err != nil {
			return "", fmt.Errorf("revive tracking failed: %w", err)
		}
		if rn, _ := revived.RowsAffected(); rn == 1 {
			slog.Debug("PostgresStore.CreateTracking: revived terminal row", "friendID", friendID, "stepID", stepID, "existingID", existingID, "scheduledAt", scheduledAt)
		} else {
			slog.Debug("PostgresStore.CreateTracking: existing row", "friendID", friendID, "stepID", stepID, "existingID", existingID)
		}
		return existingID, nil
	}
	slog.Debug("PostgresStore.CreateTracking", "id", id, "friendID", friendID, "stepID", stepID, "scheduledAt", scheduledAt)
	return id, nil
}

func (s *PostgresStore) GetTracking(id string) (*models.DeliveryTracking, error) {
	row := s.db.QueryRow(`SELECT `+trackingColumns+` FROM step_delivery_tracking WHERE id = $1`, id)
	t, err := scanTracking(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tracking failed: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetTrackingForStep(friendID, stepID string) (*models.DeliveryTracking, error) {
	row := s.db.QueryRow(
		`SELECT `+trackingColumns+` FROM step_delivery_tracking WHERE friend_id = $1 AND step_id = $2`,
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

func (s *PostgresStore) ListTrackingForFriend(friendID string) ([]models.DeliveryTracking, error) {
	rows, err := s.db.Query(
		`SELECT `+trackingColumns+` FROM step_delivery_tracking WHERE friend_id = $1 ORDER BY created_at DESC`,
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

func (s *PostgresStore) PromoteDue(now time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'ready', updated_at = $1
		 WHERE status = 'waiting' AND scheduled_delivery_at <= $2
		   AND (next_check_at IS NULL OR next_check_at <= $3)`,
		now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("promote due failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ClaimReady(now time.Time, limit int) ([]models.DeliveryTracking, error) {
	// FOR UPDATE SKIP LOCKED lets concurrent dispatchers claim disjoint batches
	// without blocking each other.
	rows, err := s.db.Query(
		`UPDATE step_delivery_tracking SET status = 'processing', locked_at = $1, updated_at = $2
		 WHERE id IN (
			SELECT id FROM step_delivery_tracking
			WHERE status = 'ready'
			ORDER BY scheduled_delivery_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+trackingColumns,
		now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim ready failed: %w", err)
	}
	defer rows.Close()

	var claimed []models.DeliveryTracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim ready iteration failed: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) MarkDelivered(id string, now time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'delivered', delivered_at = $1, locked_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'processing'`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("PostgresStore.MarkDelivered: outcome discarded, record no longer processing", "id", id)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) FailDelivery(id, errMsg string, nextCheckAt time.Time, maxErrors int, now time.Time) error {
	var errorCount int
	err := s.db.QueryRow(`SELECT error_count FROM step_delivery_tracking WHERE id = $1`, id).Scan(&errorCount)
	if err != nil {
		return fmt.Errorf("fail delivery lookup failed: %w", err)
	}

	errorCount++
	if errorCount >= maxErrors {
		_, err = s.db.Exec(
			`UPDATE step_delivery_tracking SET status = 'failed', error_count = $1, last_error = $2, locked_at = NULL, next_check_at = NULL, updated_at = $3
			 WHERE id = $4 AND status = 'processing'`,
			errorCount, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE step_delivery_tracking SET status = 'waiting', error_count = $1, last_error = $2, next_check_at = $3, locked_at = NULL, updated_at = $4
			 WHERE id = $5 AND status = 'processing'`,
			errorCount, errMsg, nextCheckAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail delivery update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExitScenario(friendID, scenarioID string, now time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'exited', locked_at = NULL, updated_at = $1
		 WHERE friend_id = $2 AND scenario_id = $3 AND status NOT IN ('delivered', 'failed', 'exited')`,
		now, friendID, scenarioID,
	)
	if err != nil {
		return 0, fmt.Errorf("exit scenario failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.ExitScenario", "friendID", friendID, "scenarioID", scenarioID, "exited", n)
	}
	return int(n), nil
}

func (s *PostgresStore) ReclaimStale(staleBefore, now time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE step_delivery_tracking SET status = 'waiting', locked_at = NULL, updated_at = $1
		 WHERE status = 'processing' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.ReclaimStale", "reclaimed", n)
	}
	return int(n), nil
}

func (s *PostgresStore) HasNonTerminal(friendID, scenarioID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM step_delivery_tracking
		 WHERE friend_id = $1 AND scenario_id = $2 AND status NOT IN ('delivered', 'failed', 'exited') LIMIT 1`,
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
