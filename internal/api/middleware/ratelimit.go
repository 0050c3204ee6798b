package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/apperr"
	"github.com/eldtechnologies/backchannel/internal/metrics"
	"github.com/eldtechnologies/backchannel/internal/ratelimit"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist      []string // IPs or CIDRs exempt from rate limiting
	FeedbackPerIP  int
	FeedbackWindow time.Duration
}

// RateLimiter applies per-route sliding window limits.
type RateLimiter struct {
	counter      ratelimit.Counter
	limits       map[string]RateLimit
	logger       zerolog.Logger
	whitelist    []*net.IPNet
	whitelistIPs map[string]bool
}

// NewRateLimiter creates a new rate limiter counting hits in counter.
func NewRateLimiter(counter ratelimit.Counter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	if cfg.FeedbackPerIP <= 0 {
		cfg.FeedbackPerIP = 10
	}
	if cfg.FeedbackWindow <= 0 {
		cfg.FeedbackWindow = time.Hour
	}

	rl := &RateLimiter{
		counter:      counter,
		logger:       logger,
		whitelistIPs: make(map[string]bool),
		limits: map[string]RateLimit{
			"POST /feedback": {cfg.FeedbackPerIP, cfg.FeedbackWindow, ipKey},
		},
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ip:" + RealIP(r)
}

// RealIP extracts the real client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		pattern, limit, ok := rl.findLimit(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := pattern + "|" + limit.KeyFunc(r)
		res, err := rl.counter.Hit(r.Context(), key, limit.Requests, limit.Window)
		if err != nil {
			// A broken counter must not take the endpoint down with it.
			rl.logger.Error().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(res.RetryAfter))
			metrics.RateLimitHits.WithLabelValues("ip limit").Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			writeError(w, apperr.RateLimited("ip limit"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request.
func (rl *RateLimiter) findLimit(r *http.Request) (string, RateLimit, bool) {
	key := r.Method + " " + r.URL.Path
	for pattern, limit := range rl.limits {
		if strings.HasPrefix(key, pattern) {
			return pattern, limit, true
		}
	}
	return "", RateLimit{}, false
}

// retryAfterSeconds renders d as a Retry-After value, rounding up so clients
// never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// RetryAfter sets the Retry-After header for d.
func RetryAfter(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Retry-After", retryAfterSeconds(d))
}
