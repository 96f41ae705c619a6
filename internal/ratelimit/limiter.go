// Package ratelimit decides whether a (user, project) pair may start another
// deployment. Concurrency is counted in process memory; hourly and daily
// windows are counted from durable usage records.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/metrics"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

var log = logging.New("ratelimit")

// UsageStore persists usage records. services.UsageService and
// RedisUsageStore both satisfy it.
type UsageStore interface {
	CreateUsage(ctx context.Context, usage *models.RateLimitUsage) error
	CompleteUsage(ctx context.Context, userID, projectID, tokenID string, outcome models.UsageOutcome, at time.Time) error
	// ListUsageSince returns records with StartedAt >= since.
	ListUsageSince(ctx context.Context, userID, projectID string, since time.Time) ([]models.RateLimitUsage, error)
}

type Limit string

const (
	LimitConcurrent Limit = "concurrent"
	LimitHourly     Limit = "hourly"
	LimitDaily      Limit = "daily"
)

type Usage struct {
	Concurrent int    `json:"concurrent"`
	LastHour   int    `json:"last_hour"`
	LastDay    int    `json:"last_day"`
	Limits     Limits `json:"limits"`
}

type Decision struct {
	Allowed bool `json:"allowed"`
	// Limit is the violated limit; empty when allowed.
	Limit             Limit  `json:"limit,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Usage             Usage  `json:"usage"`
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

type usageKey struct {
	userID    string
	projectID string
}

type Limiter struct {
	store                 UsageStore
	now                   func() time.Time
	concurrencyRetryAfter time.Duration

	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits
	inFlight  map[usageKey]map[string]struct{}

	// usageKey -> *sync.Mutex held while a reservation checks and records
	reservations sync.Map
}

func New(cfg Config, store UsageStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("usage store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		store:                 store,
		now:                   time.Now,
		concurrencyRetryAfter: cfg.ConcurrencyRetryAfter,
		defaults:              cfg.Defaults,
		overrides:             make(map[string]Limits, len(cfg.Overrides)),
		inFlight:              make(map[usageKey]map[string]struct{}),
	}
	for userID, limits := range cfg.Overrides {
		l.overrides[userID] = limits
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetOverride replaces the default limits for userID.
func (l *Limiter) SetOverride(userID string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[userID] = limits
}

func (l *Limiter) RemoveOverride(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.overrides, userID)
}

func (l *Limiter) LimitsFor(userID string) Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitsLocked(userID)
}

func (l *Limiter) limitsLocked(userID string) Limits {
	if limits, ok := l.overrides[userID]; ok {
		return limits
	}
	return l.defaults
}

// InFlight returns the number of started but not completed deployments.
func (l *Limiter) InFlight(userID, projectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight[usageKey{userID, projectID}])
}

// CheckAllowed checks concurrency, then the hourly window, then the daily
// window. A store error allows the deployment.
func (l *Limiter) CheckAllowed(ctx context.Context, userID, projectID string) Decision {
	l.mu.Lock()
	limits := l.limitsLocked(userID)
	concurrent := len(l.inFlight[usageKey{userID, projectID}])
	l.mu.Unlock()

	decision := Decision{Usage: Usage{Concurrent: concurrent, Limits: limits}}
	if limits.MaxConcurrent > 0 && concurrent >= limits.MaxConcurrent {
		return l.reject(decision, LimitConcurrent, concurrent, limits.MaxConcurrent, ceilSeconds(l.concurrencyRetryAfter))
	}

	now := l.now()
	records, err := l.store.ListUsageSince(ctx, userID, projectID, now.Add(-DayWindow))
	if err != nil {
		metrics.UsageStoreError("check")
		log.Warn("usage store unavailable, allowing deployment", "user", userID, "project", projectID, "err", err)
		decision.Allowed = true
		return decision
	}

	hourly, oldestHourly := countWindow(records, now, HourWindow)
	daily, oldestDaily := countWindow(records, now, DayWindow)
	decision.Usage.LastHour = hourly
	decision.Usage.LastDay = daily

	if limits.MaxPerHour > 0 && hourly >= limits.MaxPerHour {
		return l.reject(decision, LimitHourly, hourly, limits.MaxPerHour, retryAfter(oldestHourly, HourWindow, now))
	}
	if limits.MaxPerDay > 0 && daily >= limits.MaxPerDay {
		return l.reject(decision, LimitDaily, daily, limits.MaxPerDay, retryAfter(oldestDaily, DayWindow, now))
	}

	decision.Allowed = true
	return decision
}

// Reserve checks the limits like CheckAllowed and, when allowed, marks
// tokenID in flight and records its start. Reservations for one (user,
// project) pair are serialized, so concurrent callers cannot both take the
// last slot of a quota. Usage in the decision is counted before the
// reservation.
func (l *Limiter) Reserve(ctx context.Context, userID, projectID, tokenID string) Decision {
	lock := l.reservationLock(usageKey{userID, projectID})
	lock.Lock()
	defer lock.Unlock()

	decision := l.CheckAllowed(ctx, userID, projectID)
	if !decision.Allowed {
		return decision
	}
	if err := l.RecordStart(context.WithoutCancel(ctx), userID, projectID, tokenID); err != nil {
		log.Warn("reserved without a usage record", "user", userID, "project", projectID, "token", tokenID, "err", err)
	}
	return decision
}

func (l *Limiter) reservationLock(key usageKey) *sync.Mutex {
	lock, _ := l.reservations.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (l *Limiter) reject(decision Decision, limit Limit, used, max int, retryAfterSeconds int64) Decision {
	metrics.RateLimitRejected(string(limit))
	decision.Allowed = false
	decision.Limit = limit
	decision.Reason = fmt.Sprintf("%s deployment limit reached (%d/%d)", limit, used, max)
	decision.RetryAfterSeconds = retryAfterSeconds
	return decision
}

// RecordStart marks tokenID in flight and persists a started usage record.
// The in-flight mark is kept even when the store write fails.
func (l *Limiter) RecordStart(ctx context.Context, userID, projectID, tokenID string) error {
	key := usageKey{userID, projectID}
	l.mu.Lock()
	set, ok := l.inFlight[key]
	if !ok {
		set = make(map[string]struct{})
		l.inFlight[key] = set
	}
	set[tokenID] = struct{}{}
	l.mu.Unlock()

	err := l.store.CreateUsage(ctx, &models.RateLimitUsage{
		UserID:    userID,
		ProjectID: projectID,
		TokenID:   tokenID,
		StartedAt: l.now(),
		Outcome:   models.UsageOutcomeStarted,
	})
	if err != nil {
		metrics.UsageStoreError("record_start")
		return errors.Wrap(err, "failed to record usage start")
	}
	return nil
}

// RecordCompletion releases tokenID and closes its usage record. Repeated
// calls for the same token leave the counter unchanged.
func (l *Limiter) RecordCompletion(ctx context.Context, userID, projectID, tokenID string, outcome models.UsageOutcome) error {
	key := usageKey{userID, projectID}
	l.mu.Lock()
	if set, ok := l.inFlight[key]; ok {
		delete(set, tokenID)
		if len(set) == 0 {
			delete(l.inFlight, key)
		}
	}
	l.mu.Unlock()

	if err := l.store.CompleteUsage(ctx, userID, projectID, tokenID, outcome, l.now()); err != nil {
		metrics.UsageStoreError("record_completion")
		return errors.Wrap(err, "failed to record usage completion")
	}
	return nil
}

// countWindow counts records started strictly after now-window, so a record
// exactly one window old no longer counts.
func countWindow(records []models.RateLimitUsage, now time.Time, window time.Duration) (int, time.Time) {
	cutoff := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, r := range records {
		if !r.StartedAt.After(cutoff) {
			continue
		}
		count++
		if oldest.IsZero() || r.StartedAt.Before(oldest) {
			oldest = r.StartedAt
		}
	}
	return count, oldest
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) int64 {
	return ceilSeconds(oldest.Add(window).Sub(now))
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
