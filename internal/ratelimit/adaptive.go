package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"botfleet/internal/models"
)

// Policy is the adaptive throttling policy shared by every credential.
type Policy struct {
	BaseRate         float64       // calls per second in steady state
	MinRate          float64       // floor after repeated overloads
	MaxRate          float64       // ceiling; BaseRate never exceeds it
	RecoveryCooldown time.Duration // quiet time between recovery steps
	RecoveryStep     float64       // fraction of BaseRate regained per step
	MaxBackoff       time.Duration // cap on the exponential pause
}

// DefaultPolicy matches the platform's documented per-bot ceiling.
func DefaultPolicy() Policy {
	return PolicyFromConfig(models.NewDefaultConfig().Limiter)
}

// PolicyFromConfig converts validated configuration into a Policy.
func PolicyFromConfig(cfg models.LimiterConfig) Policy {
	p := Policy{
		BaseRate:         cfg.BaseRate,
		MinRate:          cfg.MinRate,
		MaxRate:          cfg.MaxRate,
		RecoveryCooldown: cfg.RecoveryCooldown,
		RecoveryStep:     cfg.RecoveryStep,
		MaxBackoff:       cfg.MaxBackoff,
	}
	if p.MaxRate > 0 && p.BaseRate > p.MaxRate {
		p.BaseRate = p.MaxRate
	}
	return p
}

// Metrics receives limiter events. FleetMetrics in the observability
// package implements it.
type Metrics interface {
	ObservePermitWait(credentialID string, wait time.Duration)
	ObserveOverload(credentialID string, backoff time.Duration)
}

// Snapshot is a read-only view of one credential's bucket.
type Snapshot struct {
	CredentialID        string        `json:"credential_id"`
	BaseRate            float64       `json:"base_rate"`
	CurrentRate         float64       `json:"current_rate"`
	MinRate             float64       `json:"min_rate"`
	MaxRate             float64       `json:"max_rate"`
	Tokens              float64       `json:"tokens"`
	LastRefill          time.Time     `json:"last_refill,omitzero"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BackoffUntil        time.Time     `json:"backoff_until,omitzero"`
	RecoveryStartedAt   time.Time     `json:"recovery_started_at,omitzero"`
	InBackoff           bool          `json:"in_backoff"`
	BackoffRemaining    time.Duration `json:"backoff_remaining"`
	RecoveryActive      bool          `json:"recovery_active"`
}

type bucket struct {
	mu sync.Mutex

	current      float64
	tokens       float64
	lastRefill   time.Time
	failures     int
	backoffUntil time.Time
	recoveryAt   time.Time // zero when no recovery timer is running
	epoch        uint64    // bumped on every overload
}

// refill credits tokens for the time since the last refill. Nothing accrues
// before lastRefill, which an overload pushes to the end of the backoff.
func (b *bucket) refill(now time.Time) {
	if now.Before(b.lastRefill) {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.current, b.tokens+elapsed*b.current)
	b.lastRefill = now
}

// AdaptiveLimiter paces calls per credential. Each credential has an
// independent token bucket whose rate halves on overload and climbs back
// toward the base rate after quiet periods.
type AdaptiveLimiter struct {
	policy  Policy
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	metrics Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures an AdaptiveLimiter.
type Option func(*AdaptiveLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *AdaptiveLimiter) { l.now = now }
}

// WithSleep replaces the context-aware sleep used while waiting for a permit.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *AdaptiveLimiter) { l.sleep = sleep }
}

func WithMetrics(m Metrics) Option {
	return func(l *AdaptiveLimiter) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *AdaptiveLimiter) { l.logger = logger }
}

// NewAdaptiveLimiter creates a limiter with no buckets; buckets appear on
// first use of a credential id.
func NewAdaptiveLimiter(policy Policy, opts ...Option) *AdaptiveLimiter {
	l := &AdaptiveLimiter{
		policy:  policy,
		now:     time.Now,
		sleep:   sleepContext,
		logger:  slog.Default(),
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *AdaptiveLimiter) bucket(credentialID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[credentialID]
	if !ok {
		b = &bucket{
			current:    l.policy.BaseRate,
			tokens:     l.policy.BaseRate,
			lastRefill: l.now(),
		}
		l.buckets[credentialID] = b
	}
	return b
}

// AwaitPermit blocks until credentialID may make one call, then consumes a
// token. It returns ctx.Err() if the context ends first; no token is
// consumed in that case.
//
// When the bucket holds less than one token the caller reserves the next
// one, leaving the balance negative, and sleeps until it has accrued. This
// keeps rates below one call per second working, where the balance can
// never reach a whole token.
func (l *AdaptiveLimiter) AwaitPermit(ctx context.Context, credentialID string) error {
	b := l.bucket(credentialID)
	start := l.now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		now := l.now()
		b.refill(now)

		if now.Before(b.backoffUntil) {
			wait := b.backoffUntil.Sub(now)
			b.mu.Unlock()
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			l.observeWait(credentialID, now.Sub(start))
			return nil
		}

		wait := time.Duration((1 - b.tokens) / b.current * float64(time.Second))
		if wait < time.Microsecond {
			wait = time.Microsecond
		}
		b.tokens--
		epoch := b.epoch
		b.mu.Unlock()

		err := l.sleep(ctx, wait)

		b.mu.Lock()
		// An overload while sleeping discarded the reservation.
		reset := b.epoch != epoch
		if err != nil && !reset {
			b.tokens = math.Min(b.current, b.tokens+1)
		}
		b.mu.Unlock()

		if err != nil {
			return err
		}
		if reset {
			continue
		}
		l.observeWait(credentialID, l.now().Sub(start))
		return nil
	}
}

func (l *AdaptiveLimiter) observeWait(credentialID string, d time.Duration) {
	if l.metrics != nil {
		l.metrics.ObservePermitWait(credentialID, d)
	}
}

// ReportOverload records a throttling signal from the platform. The current
// rate halves per consecutive failure down to MinRate and pending tokens are
// discarded. Calls then pause for retryAfter, or for an exponential backoff
// capped at MaxBackoff when the platform gave no hint.
func (l *AdaptiveLimiter) ReportOverload(credentialID string, retryAfter time.Duration) {
	b := l.bucket(credentialID)

	b.mu.Lock()
	now := l.now()
	b.failures++
	b.current = math.Max(l.policy.MinRate, math.Floor(l.policy.BaseRate/math.Pow(2, float64(b.failures))))

	pause := retryAfter
	if pause <= 0 {
		pause = l.backoff(b.failures)
	}
	b.backoffUntil = now.Add(pause)
	b.tokens = 0
	b.lastRefill = b.backoffUntil
	b.recoveryAt = time.Time{}
	b.epoch++
	rate, failures := b.current, b.failures
	b.mu.Unlock()

	l.logger.Warn("Platform overload reported, reducing rate",
		"credential_id", credentialID,
		"current_rate", rate,
		"consecutive_failures", failures,
		"backoff", pause,
	)
	if l.metrics != nil {
		l.metrics.ObserveOverload(credentialID, pause)
	}
}

func (l *AdaptiveLimiter) backoff(failures int) time.Duration {
	// 2^failures seconds; the exponent is clamped so the shift cannot overflow.
	exp := min(failures, 30)
	d := time.Duration(1<<exp) * time.Second
	if d > l.policy.MaxBackoff {
		d = l.policy.MaxBackoff
	}
	return d
}

// ReportSuccess records a successful call. While the rate is reduced, the
// first success starts a recovery timer and every success after a full
// RecoveryCooldown raises the rate by one RecoveryStep. Reaching the base rate
// clears the failure count.
func (l *AdaptiveLimiter) ReportSuccess(credentialID string) {
	b := l.bucket(credentialID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current >= l.policy.BaseRate {
		return
	}

	now := l.now()
	if b.recoveryAt.IsZero() {
		b.recoveryAt = now
		return
	}
	if now.Sub(b.recoveryAt) < l.policy.RecoveryCooldown {
		return
	}

	step := math.Max(1, l.policy.RecoveryStep*l.policy.BaseRate)
	b.current = math.Min(l.policy.BaseRate, b.current+step)

	if b.current >= l.policy.BaseRate {
		b.failures = 0
		b.recoveryAt = time.Time{}
		l.logger.Info("Rate fully recovered", "credential_id", credentialID, "current_rate", b.current)
		return
	}
	b.recoveryAt = now
	l.logger.Debug("Rate recovering", "credential_id", credentialID, "current_rate", b.current)
}

// Info returns the bucket state for credentialID without consuming tokens.
// An unknown credential reports a fresh bucket and none is created.
func (l *AdaptiveLimiter) Info(credentialID string) Snapshot {
	l.mu.Lock()
	b, ok := l.buckets[credentialID]
	l.mu.Unlock()

	now := l.now()
	if !ok {
		return Snapshot{
			CredentialID: credentialID,
			BaseRate:     l.policy.BaseRate,
			CurrentRate:  l.policy.BaseRate,
			MinRate:      l.policy.MinRate,
			MaxRate:      l.policy.MaxRate,
			Tokens:       l.policy.BaseRate,
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return l.snapshot(credentialID, b, now)
}

// Status returns a snapshot of every bucket created so far.
func (l *AdaptiveLimiter) Status() map[string]Snapshot {
	l.mu.Lock()
	ids := make(map[string]*bucket, len(l.buckets))
	for id, b := range l.buckets {
		ids[id] = b
	}
	l.mu.Unlock()

	now := l.now()
	out := make(map[string]Snapshot, len(ids))
	for id, b := range ids {
		b.mu.Lock()
		out[id] = l.snapshot(id, b, now)
		b.mu.Unlock()
	}
	return out
}

// snapshot projects refilled tokens without writing them back. Caller holds b.mu.
func (l *AdaptiveLimiter) snapshot(id string, b *bucket, now time.Time) Snapshot {
	elapsed := math.Max(0, now.Sub(b.lastRefill).Seconds())
	snap := Snapshot{
		CredentialID:        id,
		BaseRate:            l.policy.BaseRate,
		CurrentRate:         b.current,
		MinRate:             l.policy.MinRate,
		MaxRate:             l.policy.MaxRate,
		Tokens:              math.Max(0, math.Min(b.current, b.tokens+elapsed*b.current)),
		LastRefill:          b.lastRefill,
		ConsecutiveFailures: b.failures,
		BackoffUntil:        b.backoffUntil,
		RecoveryStartedAt:   b.recoveryAt,
		RecoveryActive:      !b.recoveryAt.IsZero(),
	}
	if now.Before(b.backoffUntil) {
		snap.InBackoff = true
		snap.BackoffRemaining = b.backoffUntil.Sub(now)
	}
	return snap
}
