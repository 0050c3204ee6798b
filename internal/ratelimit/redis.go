package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/metrics"
)

// checkScript performs the whole check-and-record in one round trip so
// concurrent requests cannot both take the last slot.
//
// KEYS: daily count, daily reset time, vid window, ip window
// ARGV: now ms, window ms, per vid, per ip, daily limit, day ms, member
//
// Returns {reason, retry ms}; reason is empty when allowed.
var checkScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local day = tonumber(ARGV[6])

local reset = tonumber(redis.call('GET', KEYS[2]) or '0')
if reset == 0 or now - reset > day then
	redis.call('SET', KEYS[1], 0)
	redis.call('SET', KEYS[2], now)
	reset = now
end

if tonumber(redis.call('GET', KEYS[1]) or '0') >= tonumber(ARGV[5]) then
	return {'daily limit', reset + day - now}
end

local function full(key, limit)
	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	if redis.call('ZCARD', key) >= limit then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return tonumber(oldest[2]) + window - now
	end
	return nil
end

local retry = full(KEYS[3], tonumber(ARGV[3]))
if retry then
	return {'vid limit', retry}
end
retry = full(KEYS[4], tonumber(ARGV[4]))
if retry then
	return {'ip limit', retry}
end

redis.call('ZADD', KEYS[3], now, ARGV[7])
redis.call('ZADD', KEYS[4], now, ARGV[7])
redis.call('PEXPIRE', KEYS[3], window)
redis.call('PEXPIRE', KEYS[4], window)
redis.call('INCR', KEYS[1])
return {'', 0}
`)

// RedisLimiter is a Checker whose windows live in Redis sorted sets, so the
// limits hold across restarts. Expired entries age out by key TTL.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

var _ Checker = (*RedisLimiter)(nil)

// NewRedisClient parses redisURL and checks the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client *redis.Client, cfg Config, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "ratelimit").Str("backend", "redis").Logger(),
		now:    time.Now,
	}
}

func vidKey(visitorID string) string { return fmt.Sprintf("think:vid:%s", visitorID) }
func ipKey(ip string) string         { return fmt.Sprintf("think:ip:%s", ip) }

const (
	dailyCountKey = "think:daily:count"
	dailyResetKey = "think:daily:reset"
)

// Check evaluates and records the request atomically on the server.
func (l *RedisLimiter) Check(ctx context.Context, visitorID, ip string) (Decision, error) {
	now := l.now()
	member := ulid.Make().String()

	res, err := checkScript.Run(ctx, l.client,
		[]string{dailyCountKey, dailyResetKey, vidKey(visitorID), ipKey(ip)},
		now.UnixMilli(),
		l.cfg.Window.Milliseconds(),
		l.cfg.PerVID,
		l.cfg.PerIP,
		l.cfg.DailyLimit,
		l.cfg.DayLength.Milliseconds(),
		member,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	reason, _ := res[0].(string)
	if reason == "" {
		return Decision{Allowed: true}, nil
	}

	retryMs, _ := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	if retryMs < 0 {
		retryMs = 0
	}

	metrics.RateLimitHits.WithLabelValues(reason).Inc()
	l.logger.Warn().
		Str("type", "security").
		Str("event", "rate_limit_exceeded").
		Str("reason", reason).
		Str("visitor_id", visitorID).
		Str("ip", ip).
		Msg("rate limit exceeded")

	return Decision{Reason: Reason(reason), RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
}

// hitScript is the sliding-window counter behind RedisCounter.
//
// KEYS: window key
// ARGV: now ms, span ms, limit, member
//
// Returns {allowed, remaining, retry ms}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - span)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	return {0, 0, tonumber(oldest[2]) + span - now}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], span)
return {1, limit - count - 1, 0}
`)

// RedisCounter is a Counter shared by every server using the same Redis.
type RedisCounter struct {
	client *redis.Client
	now    func() time.Time
}

var _ Counter = (*RedisCounter)(nil)

// NewRedisCounter creates a counter backed by client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, now: time.Now}
}

func (c *RedisCounter) Hit(ctx context.Context, key string, limit int, span time.Duration) (Result, error) {
	res, err := hitScript.Run(ctx, c.client,
		[]string{"ratelimit:" + key},
		c.now().UnixMilli(),
		span.Milliseconds(),
		limit,
		ulid.Make().String(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit counter: %w", err)
	}
	if len(res) != 3 {
		return Result{}, fmt.Errorf("rate limit counter: unexpected reply %v", res)
	}

	retry := time.Duration(res[2]) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return Result{Allowed: res[0] == 1, Remaining: int(res[1]), RetryAfter: retry}, nil
}
