// Package store provides the EnrollRepo interface for friends, invite codes,
// and the enrollment dedup log.
package store

import (
	"time"

	"github.com/stepline/StepLine/internal/models"
)

// EnrollRepo defines persistence for friend identities, invite-code
// redemption, and the scenario_friend_logs dedup table. Enrollment
// serialization per (friend, scenario) is the unique constraint on that
// table: a racing duplicate becomes a rejected insert, never a lost update.
type EnrollRepo interface {
	// UpsertFriend inserts a friend keyed by line_user_id or refreshes the
	// profile fields of an existing one, returning the stored friend.
	UpsertFriend(ownerID, lineUserID, displayName, pictureURL string, now time.Time) (*models.Friend, error)

	// GetFriend retrieves a friend by internal ID. Returns nil when not found.
	GetFriend(id string) (*models.Friend, error)

	// GetFriendByLineUserID retrieves a friend by external LINE user ID.
	// Returns nil when not found.
	GetFriendByLineUserID(lineUserID string) (*models.Friend, error)

	// SetFriendBlocked marks a friend blocked or unblocked.
	SetFriendBlocked(lineUserID string, blocked bool, now time.Time) error

	// CreateInviteCode mints an invite code for a scenario and returns its ID.
	CreateInviteCode(scenarioID, code string, maxUsage *int, now time.Time) (string, error)

	// GetInviteByCode retrieves an invite code. Returns nil when not found.
	GetInviteByCode(code string) (*models.InviteCode, error)

	// RedeemInvite atomically validates and increments an invite code's usage
	// count. It fails closed: models.ErrInviteNotFound, ErrInviteInactive, or
	// ErrInviteExhausted is returned and nothing is changed unless the
	// conditional increment succeeds.
	RedeemInvite(code string, now time.Time) (*models.InviteCode, error)

	// EnrollFriendLog records a friend's participation in a scenario. Returns
	// true when the participation was newly created or reactivated from
	// exited; false when the friend is already enrolled and non-exited
	// (duplicate, treated as success-no-op by callers).
	EnrollFriendLog(friendID, scenarioID string, now time.Time) (bool, error)

	// GetFriendLog retrieves the participation record for
	// (friendID, scenarioID). Returns nil when not found.
	GetFriendLog(friendID, scenarioID string) (*models.ScenarioFriendLog, error)

	// SetParticipationStatus updates the participation status for
	// (friendID, scenarioID); exited participations also record exited_at.
	SetParticipationStatus(friendID, scenarioID string, status models.ParticipationStatus, now time.Time) error

	// ListActiveParticipations retrieves the scenario IDs in which a friend is
	// currently active.
	ListActiveParticipations(friendID string) ([]string, error)
}
