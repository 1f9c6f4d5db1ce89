package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/util"
)

// Compile-time check that SQLiteStore implements LogRepo.
var _ LogRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) AppendDeliveryLog(entry models.DeliveryLog) (string, error) {
	id := util.GenerateLogID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO step_delivery_logs (id, friend_id, step_id, scenario_id, event, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entry.FriendID, nilIfEmpty(entry.StepID), entry.ScenarioID, string(entry.Event), nilIfEmpty(entry.Detail), now,
	)
	if err != nil {
		return "", fmt.Errorf("append delivery log failed: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListDeliveryLogs(scenarioID string, limit int) ([]models.DeliveryLog, error) {
	rows, err := s.db.Query(
		`SELECT `+logColumns+` FROM step_delivery_logs WHERE scenario_id = ? ORDER BY created_at DESC LIMIT ?`,
		scenarioID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs failed: %w", err)
	}
	defer rows.Close()

	var logs []models.DeliveryLog
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log failed: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list delivery logs iteration failed: %w", err)
	}
	return logs, nil
}

func (s *SQLiteStore) PruneDeliveryLogs(before time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM step_delivery_logs WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune delivery logs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PruneDeliveryLogs", "pruned", n)
	}
	return int(n), nil
}
