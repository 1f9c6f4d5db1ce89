package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stepline/StepLine/internal/engine"
	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/store"
)

var testNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

// funcService is a messaging.Service test double backed by a function.
type funcService struct {
	mu   sync.Mutex
	send func(ctx context.Context, to string, messages []models.StepMessage) error
	sent []string
}

func (f *funcService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (f *funcService) SendMessages(ctx context.Context, to string, messages []models.StepMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, to)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(ctx, to, messages)
	}
	return nil
}

func (f *funcService) Stop() error { return nil }

func (f *funcService) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeClock drives the engine's clock in lockstep with explicit sweep times.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	store  *store.SQLiteStore
	engine *engine.Engine
	svc    *funcService
	disp   *Dispatcher
	clock  *fakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatch-test.db")
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{t: testNow}
	eng := engine.NewEngine(st, engine.WithClock(clock.Now))
	svc := &funcService{}
	disp := NewDispatcher(st, eng, svc, cfg, WithClock(clock.Now))
	return &fixture{store: st, engine: eng, svc: svc, disp: disp, clock: clock}
}

func (f *fixture) seedEnrolledFriend(t *testing.T, timings ...models.TimingPolicy) (friendID, scenarioID string, stepIDs []string) {
	t.Helper()
	scenarioID, err := f.store.CreateScenario(models.Scenario{OwnerID: "owner1", Name: "Drip"})
	if err != nil {
		t.Fatalf("CreateScenario failed: %v", err)
	}
	for i, timing := range timings {
		id, err := f.store.CreateStep(
			models.Step{ScenarioID: scenarioID, StepOrder: i + 1, Timing: timing},
			[]models.StepMessage{{Kind: models.MessageKindText, Text: "step"}},
		)
		if err != nil {
			t.Fatalf("CreateStep failed: %v", err)
		}
		stepIDs = append(stepIDs, id)
	}
	friend, err := f.store.UpsertFriend("owner1", "U0123456789abcdef0123456789abcdef", "Hanako", "", testNow)
	if err != nil {
		t.Fatalf("UpsertFriend failed: %v", err)
	}
	if err := f.engine.Enroll(friend.ID, scenarioID); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	return friend.ID, scenarioID, stepIDs
}

func TestSweepDeliversDueStep(t *testing.T) {
	f := newFixture(t, Config{})
	friendID, _, stepIDs := f.seedEnrolledFriend(t,
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative})

	stats, err := f.disp.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if stats.Promoted != 1 || stats.Claimed != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v, want 1 promoted/claimed/delivered", stats)
	}
	if f.svc.sentCount() != 1 {
		t.Errorf("sent %d messages, want 1", f.svc.sentCount())
	}

	tracking, err := f.store.GetTrackingForStep(friendID, stepIDs[0])
	if err != nil {
		t.Fatalf("GetTrackingForStep failed: %v", err)
	}
	if tracking.Status != models.TrackingStatusDelivered {
		t.Errorf("status = %v, want delivered", tracking.Status)
	}
}

func TestSweepIgnoresFutureSteps(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedEnrolledFriend(t,
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative, OffsetDays: 1})

	stats, err := f.disp.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if stats.Promoted != 0 || stats.Claimed != 0 {
		t.Errorf("stats = %+v, want nothing promoted or claimed before due time", stats)
	}
	if f.svc.sentCount() != 0 {
		t.Errorf("sent %d messages, want 0", f.svc.sentCount())
	}
}

// Full register→step1→step2→exit walk driven by explicit sweep times.
func TestSweepEndToEndWalk(t *testing.T) {
	f := newFixture(t, Config{})
	friendID, scenarioID, stepIDs := f.seedEnrolledFriend(t,
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative},
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelativeToPrevious, OffsetDays: 2, TimeOfDay: "09:00"})

	// Step 1 is due immediately.
	stats, err := f.disp.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("first sweep stats = %+v, want 1 delivered", stats)
	}

	// Step 2 scheduled two days later at 09:00.
	step2, err := f.store.GetTrackingForStep(friendID, stepIDs[1])
	if err != nil {
		t.Fatalf("GetTrackingForStep failed: %v", err)
	}
	if step2 == nil {
		t.Fatal("step 1 delivery should schedule step 2")
	}
	wantAt := time.Date(2026, 1, 17, 9, 0, 0, 0, time.UTC)
	if !step2.ScheduledDeliveryAt.Equal(wantAt) {
		t.Fatalf("step 2 scheduled = %v, want %v", step2.ScheduledDeliveryAt, wantAt)
	}

	// A sweep before the due time delivers nothing.
	early := time.Date(2026, 1, 17, 8, 0, 0, 0, time.UTC)
	f.clock.Set(early)
	stats, err = f.disp.Sweep(context.Background(), early)
	if err != nil {
		t.Fatalf("early sweep failed: %v", err)
	}
	if stats.Delivered != 0 {
		t.Fatalf("early sweep stats = %+v, want nothing delivered", stats)
	}

	// At 09:00 step 2 goes out; the scenario has no further steps and no
	// transitions, so the participation exits.
	f.clock.Set(wantAt)
	stats, err = f.disp.Sweep(context.Background(), wantAt)
	if err != nil {
		t.Fatalf("final sweep failed: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("final sweep stats = %+v, want 1 delivered", stats)
	}

	log, err := f.store.GetFriendLog(friendID, scenarioID)
	if err != nil {
		t.Fatalf("GetFriendLog failed: %v", err)
	}
	if log.Status != models.ParticipationExited {
		t.Errorf("participation = %v, want exited after final step", log.Status)
	}
	if f.svc.sentCount() != 2 {
		t.Errorf("sent %d messages total, want 2", f.svc.sentCount())
	}
}

func TestSweepRetriesThenFailsTerminally(t *testing.T) {
	f := newFixture(t, Config{MaxErrors: 3})
	f.svc.send = func(ctx context.Context, to string, messages []models.StepMessage) error {
		return errors.New("LINE push failed with status 500")
	}
	friendID, _, stepIDs := f.seedEnrolledFriend(t,
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative})

	// Each sweep advances past the retry backoff of the previous failure.
	sweepTimes := []time.Time{
		testNow,
		testNow.Add(time.Minute),      // past the 30s backoff
		testNow.Add(5 * time.Minute),  // past the 60s backoff
		testNow.Add(30 * time.Minute), // nothing left to do
	}
	for i, at := range sweepTimes[:3] {
		f.clock.Set(at)
		stats, err := f.disp.Sweep(context.Background(), at)
		if err != nil {
			t.Fatalf("sweep %d failed: %v", i+1, err)
		}
		if stats.Failed != 1 {
			t.Fatalf("sweep %d stats = %+v, want 1 failed", i+1, stats)
		}
	}

	tracking, err := f.store.GetTrackingForStep(friendID, stepIDs[0])
	if err != nil {
		t.Fatalf("GetTrackingForStep failed: %v", err)
	}
	if tracking.Status != models.TrackingStatusFailed {
		t.Errorf("status after 3 failures = %v, want failed", tracking.Status)
	}
	if tracking.ErrorCount != 3 {
		t.Errorf("error count = %d, want 3", tracking.ErrorCount)
	}

	// Terminal: a later sweep claims nothing.
	f.clock.Set(sweepTimes[3])
	stats, err := f.disp.Sweep(context.Background(), sweepTimes[3])
	if err != nil {
		t.Fatalf("final sweep failed: %v", err)
	}
	if stats.Claimed != 0 {
		t.Errorf("final sweep stats = %+v, want no claims on a terminal row", stats)
	}
}

func TestSweepDiscardsOutcomeWhenFriendExitsMidSend(t *testing.T) {
	f := newFixture(t, Config{})
	var friendID, scenarioID string
	f.svc.send = func(ctx context.Context, to string, messages []models.StepMessage) error {
		// Simulate an unfollow racing the send.
		_, err := f.store.ExitScenario(friendID, scenarioID, f.clock.Now())
		return err
	}
	friendID, scenarioID, stepIDs := f.seedEnrolledFriend(t,
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative})

	stats, err := f.disp.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if stats.Discarded != 1 || stats.Delivered != 0 {
		t.Fatalf("stats = %+v, want 1 discarded, 0 delivered", stats)
	}

	tracking, err := f.store.GetTrackingForStep(friendID, stepIDs[0])
	if err != nil {
		t.Fatalf("GetTrackingForStep failed: %v", err)
	}
	if tracking.Status != models.TrackingStatusExited {
		t.Errorf("status = %v, want exited to win over the send outcome", tracking.Status)
	}
}

func TestSweepExitsBlockedFriend(t *testing.T) {
	f := newFixture(t, Config{})
	friendID, scenarioID, stepIDs := f.seedEnrolledFriend(t,
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative})
	if err := f.store.SetFriendBlocked("U0123456789abcdef0123456789abcdef", true, testNow); err != nil {
		t.Fatalf("SetFriendBlocked failed: %v", err)
	}

	stats, err := f.disp.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if stats.Discarded != 1 {
		t.Fatalf("stats = %+v, want 1 discarded", stats)
	}
	if f.svc.sentCount() != 0 {
		t.Errorf("sent %d messages to a blocked friend, want 0", f.svc.sentCount())
	}

	tracking, err := f.store.GetTrackingForStep(friendID, stepIDs[0])
	if err != nil {
		t.Fatalf("GetTrackingForStep failed: %v", err)
	}
	if tracking.Status != models.TrackingStatusExited {
		t.Errorf("status = %v, want exited", tracking.Status)
	}

	// The participation log and audit trail follow the ledger out.
	log, err := f.store.GetFriendLog(friendID, scenarioID)
	if err != nil {
		t.Fatalf("GetFriendLog failed: %v", err)
	}
	if log.Status != models.ParticipationExited {
		t.Errorf("participation = %v, want exited for blocked friend", log.Status)
	}
	active, err := f.store.ListActiveParticipations(friendID)
	if err != nil {
		t.Fatalf("ListActiveParticipations failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("blocked friend still listed active in %v", active)
	}
	entries, err := f.store.ListDeliveryLogs(scenarioID, 10)
	if err != nil {
		t.Fatalf("ListDeliveryLogs failed: %v", err)
	}
	exited := false
	for _, entry := range entries {
		if entry.Event == models.DeliveryLogExited {
			exited = true
		}
	}
	if !exited {
		t.Error("blocked-friend exit should append an audit log entry")
	}
}

func TestSweepReclaimsStaleLease(t *testing.T) {
	f := newFixture(t, Config{LeaseTimeout: 10 * time.Minute})
	friendID, _, stepIDs := f.seedEnrolledFriend(t,
		models.TimingPolicy{DeliveryType: models.DeliveryTypeRelative})

	// Simulate a crashed worker holding a claim.
	if _, err := f.store.PromoteDue(testNow); err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	claimed, err := f.store.ClaimReady(testNow.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimReady failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected to claim 1 row, got %d", len(claimed))
	}

	// The next sweep reclaims the expired lease and delivers.
	stats, err := f.disp.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if stats.Reclaimed != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v, want 1 reclaimed and 1 delivered", stats)
	}

	tracking, err := f.store.GetTrackingForStep(friendID, stepIDs[0])
	if err != nil {
		t.Fatalf("GetTrackingForStep failed: %v", err)
	}
	if tracking.Status != models.TrackingStatusDelivered {
		t.Errorf("status = %v, want delivered", tracking.Status)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		errorCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{100, time.Hour},
		{-1, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.errorCount); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.errorCount, got, tt.want)
		}
	}
}
