package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/util"
)

// Compile-time check that PostgresStore implements EnrollRepo.
var _ EnrollRepo = (*PostgresStore)(nil)

func (s *PostgresStore) UpsertFriend(ownerID, lineUserID, displayName, pictureURL string, now time.Time) (*models.Friend, error) {
	id := util.GenerateFriendID()
	_, err := s.db.Exec(
		`INSERT INTO friends (id, owner_id, line_user_id, display_name, picture_url, is_blocked, added_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)
		 ON CONFLICT (line_user_id) DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, friends.display_name),
			picture_url = COALESCE(EXCLUDED.picture_url, friends.picture_url),
			is_blocked = FALSE,
			updated_at = EXCLUDED.updated_at`,
		id, ownerID, lineUserID, nilIfEmpty(displayName), nilIfEmpty(pictureURL), now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert friend failed: %w", err)
	}
	return s.GetFriendByLineUserID(lineUserID)
}

func (s *PostgresStore) GetFriend(id string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE id = $1`, id)
	f, err := scanFriend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend failed: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) GetFriendByLineUserID(lineUserID string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE line_user_id = $1`, lineUserID)
	f, err := scanFriend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend by line user id failed: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) SetFriendBlocked(lineUserID string, blocked bool, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE friends SET is_blocked = $1, updated_at = $2 WHERE line_user_id = $3`,
		blocked, now, lineUserID,
	)
	if err != nil {
		return fmt.Errorf("set friend blocked failed: %w", err)
	}
	slog.Debug("PostgresStore.SetFriendBlocked", "lineUserID", lineUserID, "blocked", blocked)
	return nil
}

func (s *PostgresStore) CreateInviteCode(scenarioID, code string, maxUsage *int, now time.Time) (string, error) {
	id := util.GenerateInviteID()
	_, err := s.db.Exec(
		`INSERT INTO scenario_invite_codes (id, scenario_id, code, usage_count, max_usage, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, TRUE, $5, $6)`,
		id, scenarioID, code, maxUsage, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create invite code failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateInviteCode", "id", id, "scenarioID", scenarioID, "code", code)
	return id, nil
}

func (s *PostgresStore) GetInviteByCode(code string) (*models.InviteCode, error) {
	row := s.db.QueryRow(`SELECT `+inviteColumns+` FROM scenario_invite_codes WHERE code = $1`, code)
	i, err := scanInvite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invite failed: %w", err)
	}
	return &i, nil
}

func (s *PostgresStore) RedeemInvite(code string, now time.Time) (*models.InviteCode, error) {
	// The conditional increment is the validation: it succeeds only for an
	// active code still under its usage limit, so redemption fails closed.
	row := s.db.QueryRow(
		`UPDATE scenario_invite_codes SET usage_count = usage_count + 1, updated_at = $1
		 WHERE code = $2 AND is_active = TRUE AND (max_usage IS NULL OR usage_count < max_usage)
		 RETURNING `+inviteColumns,
		now, code,
	)
	invite, err := scanInvite(row)
	if err == sql.ErrNoRows {
		existing, err := s.GetInviteByCode(code)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, models.ErrInviteNotFound
		}
		if !existing.IsActive {
			return nil, models.ErrInviteInactive
		}
		return nil, models.ErrInviteExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("redeem invite failed: %w", err)
	}
	slog.Debug("PostgresStore.RedeemInvite", "code", code, "usageCount", invite.UsageCount)
	return &invite, nil
}

func (s *PostgresStore) EnrollFriendLog(friendID, scenarioID string, now time.Time) (bool, error) {
	id := util.GenerateFriendLogID()
	result, err := s.db.Exec(
		`INSERT INTO scenario_friend_logs (id, friend_id, scenario_id, status, enrolled_at, updated_at)
		 VALUES ($1, $2, $3, 'active', $4, $5)
		 ON CONFLICT (friend_id, scenario_id) DO NOTHING`,
		id, friendID, scenarioID, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enroll friend log failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 1 {
		return true, nil
	}

	// Duplicate insert: participation exists. Only an exited participation may
	// be reactivated; the conditional update keeps the race safe.
	result, err = s.db.Exec(
		`UPDATE scenario_friend_logs SET status = 'active', enrolled_at = $1, exited_at = NULL, updated_at = $2
		 WHERE friend_id = $3 AND scenario_id = $4 AND status = 'exited'`,
		now, now, friendID, scenarioID,
	)
	if err != nil {
		return false, fmt.Errorf("reactivate friend log failed: %w", err)
	}
	n, _ = result.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) GetFriendLog(friendID, scenarioID string) (*models.ScenarioFriendLog, error) {
	row := s.db.QueryRow(
		`SELECT `+friendLogColumns+` FROM scenario_friend_logs WHERE friend_id = $1 AND scenario_id = $2`,
		friendID, scenarioID,
	)
	l, err := scanFriendLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend log failed: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) SetParticipationStatus(friendID, scenarioID string, status models.ParticipationStatus, now time.Time) error {
	var exitedAt interface{}
	if status == models.ParticipationExited {
		exitedAt = now
	}
	_, err := s.db.Exec(
		`UPDATE scenario_friend_logs SET status = $1, exited_at = $2, updated_at = $3
		 WHERE friend_id = $4 AND scenario_id = $5`,
		string(status), exitedAt, now, friendID, scenarioID,
	)
	if err != nil {
		return fmt.Errorf("set participation status failed: %w", err)
	}
	slog.Debug("PostgresStore.SetParticipationStatus", "friendID", friendID, "scenarioID", scenarioID, "status", status)
	return nil
}

func (s *PostgresStore) ListActiveParticipations(friendID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT scenario_id FROM scenario_friend_logs WHERE friend_id = $1 AND status = 'active'`,
		friendID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active participations failed: %w", err)
	}
	defer rows.Close()

	var scenarioIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participation failed: %w", err)
		}
		scenarioIDs = append(scenarioIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active participations iteration failed: %w", err)
	}
	return scenarioIDs, nil
}
