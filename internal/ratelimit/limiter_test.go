package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PerIP = 100
	return cfg
}

func TestVisitorLimit(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(testConfig(), zerolog.Nop(), clock.Now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "visitor-0001", "1.2.3.4")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		clock.Advance(time.Second)
	}

	d, err := l.Check(ctx, "visitor-0001", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonVID, d.Reason)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	// Another visitor is unaffected.
	d, _ = l.Check(ctx, "visitor-0002", "1.2.3.4")
	assert.True(t, d.Allowed)

	clock.Advance(51 * time.Second)
	d, err = l.Check(ctx, "visitor-0001", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestIPLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerIP = 3
	l := newLimiter(cfg, zerolog.Nop(), newFakeClock().Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := l.Check(ctx, fmt.Sprintf("visitor-%04d", i), "1.2.3.4")
		require.True(t, d.Allowed)
	}

	d, _ := l.Check(ctx, "visitor-9999", "1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonIP, d.Reason)

	d, _ = l.Check(ctx, "visitor-9999", "5.6.7.8")
	assert.True(t, d.Allowed)
}

func TestRejectedRequestsAreNotRecorded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerVID = 1
	cfg.PerIP = 2
	l := newLimiter(cfg, zerolog.Nop(), newFakeClock().Now)
	ctx := context.Background()

	d, _ := l.Check(ctx, "visitor-0001", "1.2.3.4")
	require.True(t, d.Allowed)

	// Rejected on the visitor window; must not use up the IP window.
	d, _ = l.Check(ctx, "visitor-0001", "1.2.3.4")
	require.Equal(t, ReasonVID, d.Reason)

	d, _ = l.Check(ctx, "visitor-0002", "1.2.3.4")
	assert.True(t, d.Allowed)
}

func TestDailyLimit(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.DailyLimit = 2
	l := newLimiter(cfg, zerolog.Nop(), clock.Now)
	ctx := context.Background()

	d, _ := l.Check(ctx, "visitor-0001", "1.2.3.4")
	require.True(t, d.Allowed)
	d, _ = l.Check(ctx, "visitor-0002", "1.2.3.5")
	require.True(t, d.Allowed)

	clock.Advance(time.Hour)
	d, _ = l.Check(ctx, "visitor-0003", "1.2.3.6")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDaily, d.Reason)
	assert.Equal(t, 23*time.Hour, d.RetryAfter)

	clock.Advance(23*time.Hour + time.Second)
	d, _ = l.Check(ctx, "visitor-0003", "1.2.3.6")
	assert.True(t, d.Allowed)
}

func TestPrune(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(testConfig(), zerolog.Nop(), clock.Now)

	l.Check(context.Background(), "visitor-0001", "1.2.3.4")
	clock.Advance(2 * time.Minute)
	l.Prune()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.byVID)
	assert.Empty(t, l.byIP)
}

func TestWindow(t *testing.T) {
	clock := newFakeClock()
	w := newWindow(2, time.Minute, clock.Now)

	r := w.Allow("k")
	assert.Equal(t, Result{Allowed: true, Remaining: 1}, r)
	clock.Advance(10 * time.Second)
	r = w.Allow("k")
	assert.Equal(t, Result{Allowed: true, Remaining: 0}, r)

	r = w.Allow("k")
	assert.False(t, r.Allowed)
	assert.Equal(t, 50*time.Second, r.RetryAfter)

	assert.True(t, w.Allow("other").Allowed)

	clock.Advance(51 * time.Second)
	assert.True(t, w.Allow("k").Allowed)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, w.Prune())
}

func TestMemoryCounterSeparatesShapes(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	r, err := c.Hit(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, _ = c.Hit(ctx, "k", 1, time.Minute)
	assert.False(t, r.Allowed)

	// Same key under a different limit is counted on its own.
	r, _ = c.Hit(ctx, "k", 5, time.Minute)
	assert.True(t, r.Allowed)
	assert.Equal(t, 4, r.Remaining)
}

func TestMemoryCounterStartStop(t *testing.T) {
	c := NewMemoryCounter()
	c.Start(context.Background(), 5*time.Millisecond)
	c.Hit(context.Background(), "k", 1, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.Stop()
}
