package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/util"
)

// Compile-time check that SQLiteStore implements EnrollRepo.
var _ EnrollRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) UpsertFriend(ownerID, lineUserID, displayName, pictureURL string, now time.Time) (*models.Friend, error) {
	id := util.GenerateFriendID()
	_, err := s.db.Exec(
		`INSERT INTO friends (id, owner_id, line_user_id, display_name, picture_url, is_blocked, added_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (line_user_id) DO UPDATE SET
			display_name = COALESCE(excluded.display_name, display_name),
			picture_url = COALESCE(excluded.picture_url, picture_url),
			is_blocked = 0,
			updated_at = excluded.updated_at`,
		id, ownerID, lineUserID, nilIfEmpty(displayName), nilIfEmpty(pictureURL), now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert friend failed: %w", err)
	}
	return s.GetFriendByLineUserID(lineUserID)
}

func (s *SQLiteStore) GetFriend(id string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE id = ?`, id)
	f, err := scanFriend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend failed: %w", err)
	}
	return &f, nil
}

func (s *SQLiteStore) GetFriendByLineUserID(lineUserID string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE line_user_id = ?`, lineUserID)
	f, err := scanFriend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend by line user id failed: %w", err)
	}
	return &f, nil
}

func (s *SQLiteStore) SetFriendBlocked(lineUserID string, blocked bool, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE friends SET is_blocked = ?, updated_at = ? WHERE line_user_id = ?`,
		blocked, now, lineUserID,
	)
	if err != nil {
		return fmt.Errorf("set friend blocked failed: %w", err)
	}
	slog.Debug("SQLiteStore.SetFriendBlocked", "lineUserID", lineUserID, "blocked", blocked)
	return nil
}

func (s *SQLiteStore) CreateInviteCode(scenarioID, code string, maxUsage *int, now time.Time) (string, error) {
	id := util.GenerateInviteID()
	_, err := s.db.Exec(
		`INSERT INTO scenario_invite_codes (id, scenario_id, code, usage_count, max_usage, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, 1, ?, ?)`,
		id, scenarioID, code, maxUsage, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create invite code failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateInviteCode", "id", id, "scenarioID", scenarioID, "code", code)
	return id, nil
}

func (s *SQLiteStore) GetInviteByCode(code string) (*models.InviteCode, error) {
	row := s.db.QueryRow(`SELECT `+inviteColumns+` FROM scenario_invite_codes WHERE code = ?`, code)
	i, err := scanInvite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invite failed: %w", err)
	}
	return &i, nil
}

func (s *SQLiteStore) RedeemInvite(code string, now time.Time) (*models.InviteCode, error) {
	// The conditional increment is the validation: it succeeds only for an
	// active code still under its usage limit, so redemption fails closed.
	result, err := s.db.Exec(
		`UPDATE scenario_invite_codes SET usage_count = usage_count + 1, updated_at = ?
		 WHERE code = ? AND is_active = 1 AND (max_usage IS NULL OR usage_count < max_usage)`,
		now, code,
	)
	if err != nil {
		return nil, fmt.Errorf("redeem invite failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		invite, err := s.GetInviteByCode(code)
		if err != nil {
			return nil, err
		}
		if invite == nil {
			return nil, models.ErrInviteNotFound
		}
		if !invite.IsActive {
			return nil, models.ErrInviteInactive
		}
		return nil, models.ErrInviteExhausted
	}
	invite, err := s.GetInviteByCode(code)
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.RedeemInvite", "code", code, "usageCount", invite.UsageCount)
	return invite, nil
}

func (s *SQLiteStore) EnrollFriendLog(friendID, scenarioID string, now time.Time) (bool, error) {
	id := util.GenerateFriendLogID()
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO scenario_friend_logs (id, friend_id, scenario_id, status, enrolled_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?)`,
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
		`UPDATE scenario_friend_logs SET status = 'active', enrolled_at = ?, exited_at = NULL, updated_at = ?
		 WHERE friend_id = ? AND scenario_id = ? AND status = 'exited'`,
		now, now, friendID, scenarioID,
	)
	if err != nil {
		return false, fmt.Errorf("reactivate friend log failed: %w", err)
	}
	n, _ = result.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) GetFriendLog(friendID, scenarioID string) (*models.ScenarioFriendLog, error) {
	row := s.db.QueryRow(
		`SELECT `+friendLogColumns+` FROM scenario_friend_logs WHERE friend_id = ? AND scenario_id = ?`,
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

func (s *SQLiteStore) SetParticipationStatus(friendID, scenarioID string, status models.ParticipationStatus, now time.Time) error {
	var exitedAt interface{}
	if status == models.ParticipationExited {
		exitedAt = now
	}
	_, err := s.db.Exec(
		`UPDATE scenario_friend_logs SET status = ?, exited_at = ?, updated_at = ?
		 WHERE friend_id = ? AND scenario_id = ?`,
		string(status), exitedAt, now, friendID, scenarioID,
	)
	if err != nil {
		return fmt.Errorf("set participation status failed: %w", err)
	}
	slog.Debug("SQLiteStore.SetParticipationStatus", "friendID", friendID, "scenarioID", scenarioID, "status", status)
	return nil
}

func (s *SQLiteStore) ListActiveParticipations(friendID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT scenario_id FROM scenario_friend_logs WHERE friend_id = ? AND status = 'active'`,
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
