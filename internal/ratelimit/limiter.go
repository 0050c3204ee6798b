// Package ratelimit bounds calls into the LLM downstream with a global daily
// circuit breaker plus per-visitor and per-IP sliding windows.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/metrics"
)

// Reason names the limit that rejected a request.
type Reason string

const (
	ReasonDaily Reason = "daily limit"
	ReasonVID   Reason = "vid limit"
	ReasonIP    Reason = "ip limit"
)

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Checker evaluates and records one request.
type Checker interface {
	Check(ctx context.Context, visitorID, ip string) (Decision, error)
}

// Config holds the limits.
type Config struct {
	PerVID        int
	PerIP         int
	DailyLimit    int
	Window        time.Duration
	DayLength     time.Duration
	PruneInterval time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		PerVID:        10,
		PerIP:         30,
		DailyLimit:    1000,
		Window:        time.Minute,
		DayLength:     24 * time.Hour,
		PruneInterval: 5 * time.Minute,
	}
}

// Limiter is the in-process Checker.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	byVID     hits
	byIP      hits
	daily     int
	lastReset time.Time

	pruner pruner
}

var _ Checker = (*Limiter)(nil)

// NewLimiter creates an in-memory limiter.
func NewLimiter(cfg Config, logger zerolog.Logger) *Limiter {
	return newLimiter(cfg, logger, time.Now)
}

func newLimiter(cfg Config, logger zerolog.Logger, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:       cfg,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		now:       now,
		byVID:     make(hits),
		byIP:      make(hits),
		lastReset: now(),
	}
}

// Check rejects the request if the daily cap, the visitor window or the IP
// window is exhausted, in that order. An allowed request is recorded against
// all three before the lock is released.
func (l *Limiter) Check(_ context.Context, visitorID, ip string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastReset) > l.cfg.DayLength {
		l.daily = 0
		l.lastReset = now
	}

	if l.daily >= l.cfg.DailyLimit {
		return l.reject(ReasonDaily, l.lastReset.Add(l.cfg.DayLength).Sub(now), visitorID, ip), nil
	}

	vidTimes := l.byVID.recent(visitorID, now, l.cfg.Window)
	if len(vidTimes) >= l.cfg.PerVID {
		return l.reject(ReasonVID, vidTimes[0].Add(l.cfg.Window).Sub(now), visitorID, ip), nil
	}

	ipTimes := l.byIP.recent(ip, now, l.cfg.Window)
	if len(ipTimes) >= l.cfg.PerIP {
		return l.reject(ReasonIP, ipTimes[0].Add(l.cfg.Window).Sub(now), visitorID, ip), nil
	}

	l.byVID.record(visitorID, now)
	l.byIP.record(ip, now)
	l.daily++

	if l.daily == l.cfg.DailyLimit {
		l.logger.Warn().Int("limit", l.cfg.DailyLimit).Msg("daily limit reached, rejecting until reset")
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) reject(reason Reason, retry time.Duration, visitorID, ip string) Decision {
	metrics.RateLimitHits.WithLabelValues(string(reason)).Inc()
	l.logger.Warn().
		Str("type", "security").
		Str("event", "rate_limit_exceeded").
		Str("reason", string(reason)).
		Str("visitor_id", visitorID).
		Str("ip", ip).
		Msg("rate limit exceeded")
	if retry < 0 {
		retry = 0
	}
	return Decision{Reason: reason, RetryAfter: retry}
}

// Prune drops window entries older than the window length.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	vids := l.byVID.prune(now, l.cfg.Window)
	ips := l.byIP.prune(now, l.cfg.Window)
	l.logger.Debug().Int("vids", vids).Int("ips", ips).Msg("pruned rate limit windows")
}

// Start prunes on the configured interval until ctx ends or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	l.pruner.start(ctx, l.cfg.PruneInterval, l.Prune)
}

// Stop ends the prune loop.
func (l *Limiter) Stop() {
	l.pruner.stop()
}
