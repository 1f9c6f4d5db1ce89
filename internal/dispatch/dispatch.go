// Package dispatch implements the polling delivery dispatcher.
//
// A sweep recovers stale claims, promotes due tracking records, claims a
// batch with a CAS state transition and sends each record's step messages.
// Multiple dispatcher instances may run against the same database; the claim
// transition is the only coordination between them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/stepline/StepLine/internal/engine"
	"github.com/stepline/StepLine/internal/messaging"
	"github.com/stepline/StepLine/internal/models"
	"github.com/stepline/StepLine/internal/store"
)

// Default dispatcher configuration.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultBatchSize    = 50
	DefaultLeaseTimeout = 10 * time.Minute
	DefaultMaxErrors    = 3
	DefaultSendTimeout  = 30 * time.Second

	// retryBaseDelay is the first retry backoff; each subsequent failure
	// doubles it up to retryMaxDelay.
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = time.Hour

	// stepCacheTTL bounds how long a step's message bundle is served from
	// memory before re-reading the graph.
	stepCacheTTL     = 5 * time.Minute
	stepCacheCleanup = 10 * time.Minute
)

// Config holds dispatcher tuning knobs.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	LeaseTimeout time.Duration
	MaxErrors    int
	SendTimeout  time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = DefaultMaxErrors
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// SweepStats summarizes one sweep for logging and tests.
type SweepStats struct {
	Reclaimed int
	Promoted  int
	Claimed   int
	Delivered int
	Failed    int
	Discarded int
}

// stepBundle is the cached unit of graph data a delivery needs.
type stepBundle struct {
	step     *models.Step
	messages []models.StepMessage
}

// Dispatcher polls the tracking ledger and delivers due steps.
type Dispatcher struct {
	store     store.Store
	engine    *engine.Engine
	messenger messaging.Service
	cfg       Config
	cache     *cache.Cache
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

// Option defines a configuration option for the dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the dispatcher's clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over the given store, engine and
// messaging channel.
func NewDispatcher(st store.Store, eng *engine.Engine, messenger messaging.Service, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     st,
		engine:    eng,
		messenger: messenger,
		cfg:       cfg.withDefaults(),
		cache:     cache.New(stepCacheTTL, stepCacheCleanup),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until the context is canceled. A startup reclaim pass returns
// records orphaned by a previous crash to the pipeline before the first tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	if n, err := d.store.ReclaimStale(d.now().Add(-d.cfg.LeaseTimeout), d.now()); err != nil {
		slog.Error("Dispatcher startup reclaim failed", "error", err)
	} else if n > 0 {
		slog.Info("Dispatcher startup reclaim", "reclaimed", n)
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	slog.Info("Dispatcher started", "pollInterval", d.cfg.PollInterval, "batchSize", d.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			stats, err := d.Sweep(ctx, d.now())
			if err != nil {
				slog.Error("Dispatcher sweep failed", "error", err)
				continue
			}
			if stats.Claimed > 0 || stats.Reclaimed > 0 {
				slog.Info("Dispatcher sweep",
					"reclaimed", stats.Reclaimed, "promoted", stats.Promoted,
					"claimed", stats.Claimed, "delivered", stats.Delivered,
					"failed", stats.Failed, "discarded", stats.Discarded)
			}
		}
	}
}

// Sweep executes one dispatch cycle at the given time. It is exported so
// tests and the maintenance scheduler can drive cycles with explicit clocks.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	reclaimed, err := d.store.ReclaimStale(now.Add(-d.cfg.LeaseTimeout), now)
	if err != nil {
		return stats, fmt.Errorf("reclaim stale failed: %w", err)
	}
	stats.Reclaimed = reclaimed

	promoted, err := d.store.PromoteDue(now)
	if err != nil {
		return stats, fmt.Errorf("promote due failed: %w", err)
	}
	stats.Promoted = promoted

	claimed, err := d.store.ClaimReady(now, d.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("claim ready failed: %w", err)
	}
	stats.Claimed = len(claimed)

	for _, record := range claimed {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		switch d.deliver(ctx, record, now) {
		case deliveryDone:
			stats.Delivered++
		case deliveryFailed:
			stats.Failed++
		case deliveryDiscarded:
			stats.Discarded++
		}
	}
	return stats, nil
}

type deliveryOutcome int

const (
	deliveryDone deliveryOutcome = iota
	deliveryFailed
	deliveryDiscarded
)

// deliver sends one claimed record's message bundle and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, record models.DeliveryTracking, now time.Time) deliveryOutcome {
	bundle, err := d.loadStep(record.StepID)
	if err != nil {
		return d.fail(record, now, fmt.Errorf("load step failed: %w", err))
	}

	friend, err := d.store.GetFriend(record.FriendID)
	if err != nil || friend == nil {
		return d.fail(record, now, fmt.Errorf("load friend %s failed: %w", record.FriendID, err))
	}

	// A blocked friend can no longer receive pushes; exit the whole
	// participation instead of burning retries. Ledger rows, the friend log
	// and the audit trail must all agree, same as an engine-level exit.
	if friend.IsBlocked {
		if _, err := d.store.ExitScenario(record.FriendID, record.ScenarioID, now); err != nil {
			slog.Error("Dispatcher exit for blocked friend failed", "trackingID", record.ID, "error", err)
		}
		if err := d.store.SetParticipationStatus(record.FriendID, record.ScenarioID, models.ParticipationExited, now); err != nil {
			slog.Error("Dispatcher participation exit for blocked friend failed", "trackingID", record.ID, "error", err)
		}
		d.appendLog(record, models.DeliveryLogExited, "friend blocked")
		slog.Info("Dispatcher skipped blocked friend", "trackingID", record.ID, "friendID", record.FriendID)
		return deliveryDiscarded
	}

	d.appendLog(record, models.DeliveryLogAttempted, "")

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err = d.messenger.SendMessages(sendCtx, friend.LineUserID, bundle.messages)
	cancel()
	if err != nil {
		return d.fail(record, now, err)
	}

	applied, err := d.store.MarkDelivered(record.ID, now)
	if err != nil {
		slog.Error("Dispatcher mark delivered failed", "trackingID", record.ID, "error", err)
		return deliveryFailed
	}
	if !applied {
		// The friend exited between claim and send; the row is terminal and
		// the outcome is discarded.
		slog.Info("Dispatcher delivery outcome discarded", "trackingID", record.ID)
		return deliveryDiscarded
	}

	d.appendLog(record, models.DeliveryLogDelivered, "")
	if err := d.engine.AdvanceAfterDelivery(record, now); err != nil {
		slog.Error("Dispatcher advance after delivery failed", "trackingID", record.ID, "error", err)
	}
	return deliveryDone
}

// fail records a transient failure with exponential backoff. The store marks
// the record terminal once the error count reaches the ceiling.
func (d *Dispatcher) fail(record models.DeliveryTracking, now time.Time, cause error) deliveryOutcome {
	nextCheck := now.Add(backoffDelay(record.ErrorCount))
	if err := d.store.FailDelivery(record.ID, cause.Error(), nextCheck, d.cfg.MaxErrors, now); err != nil {
		slog.Error("Dispatcher fail delivery update failed", "trackingID", record.ID, "error", err)
		return deliveryFailed
	}
	d.appendLog(record, models.DeliveryLogFailed, cause.Error())
	slog.Warn("Dispatcher delivery failed", "trackingID", record.ID, "errorCount", record.ErrorCount+1, "nextCheck", nextCheck, "error", cause)
	return deliveryFailed
}

func (d *Dispatcher) appendLog(record models.DeliveryTracking, event models.DeliveryLogEvent, detail string) {
	if _, err := d.store.AppendDeliveryLog(models.DeliveryLog{
		FriendID:   record.FriendID,
		StepID:     record.StepID,
		ScenarioID: record.ScenarioID,
		Event:      event,
		Detail:     detail,
	}); err != nil {
		slog.Error("Dispatcher append delivery log failed", "trackingID", record.ID, "error", err)
	}
}

// loadStep reads a step and its ordered messages through the TTL cache.
func (d *Dispatcher) loadStep(stepID string) (*stepBundle, error) {
	if cached, ok := d.cache.Get(stepID); ok {
		return cached.(*stepBundle), nil
	}
	step, err := d.store.GetStep(stepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, models.ErrStepNotFound
	}
	messages, err := d.store.ListStepMessages(stepID)
	if err != nil {
		return nil, err
	}
	bundle := &stepBundle{step: step, messages: messages}
	d.cache.Set(stepID, bundle, cache.DefaultExpiration)
	return bundle, nil
}

// backoffDelay returns the retry delay after the given number of prior
// failures: 30s, 60s, 120s, ... capped at an hour.
func backoffDelay(errorCount int) time.Duration {
	if errorCount < 0 {
		errorCount = 0
	}
	if errorCount > 7 {
		return retryMaxDelay
	}
	delay := retryBaseDelay * (1 << errorCount)
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}
