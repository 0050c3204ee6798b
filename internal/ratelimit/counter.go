package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter counts hits per key in a sliding window of span, allowing at most
// limit. Route-level limits in the HTTP layer are built on it.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, span time.Duration) (Result, error)
}

type windowShape struct {
	limit int
	span  time.Duration
}

// MemoryCounter is the in-process Counter. It keeps one Window per distinct
// limit and span.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[windowShape]*Window
	now     func() time.Time

	pruner pruner
}

var _ Counter = (*MemoryCounter)(nil)

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[windowShape]*Window),
		now:     time.Now,
	}
}

func (c *MemoryCounter) window(limit int, span time.Duration) *Window {
	c.mu.Lock()
	defer c.mu.Unlock()

	shape := windowShape{limit, span}
	w, ok := c.windows[shape]
	if !ok {
		w = newWindow(limit, span, c.now)
		c.windows[shape] = w
	}
	return w
}

func (c *MemoryCounter) Hit(_ context.Context, key string, limit int, span time.Duration) (Result, error) {
	return c.window(limit, span).Allow(key), nil
}

// Prune drops expired hits from every window.
func (c *MemoryCounter) Prune() {
	c.mu.Lock()
	windows := make([]*Window, 0, len(c.windows))
	for _, w := range c.windows {
		windows = append(windows, w)
	}
	c.mu.Unlock()

	for _, w := range windows {
		w.Prune()
	}
}

// Start prunes every interval until ctx ends or Stop is called.
func (c *MemoryCounter) Start(ctx context.Context, interval time.Duration) {
	c.pruner.start(ctx, interval, c.Prune)
}

// Stop ends the prune loop.
func (c *MemoryCounter) Stop() {
	c.pruner.stop()
}

// pruner runs a function on a ticker in the background.
type pruner struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *pruner) start(ctx context.Context, interval time.Duration, fn func()) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (p *pruner) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
