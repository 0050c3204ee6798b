// Package registry tracks live push connections and fans events out to them.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/metrics"
)

// AdminIdentity is the identity recorded on admin connections.
const AdminIdentity = "admin"

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
)

// Transport is the capability a push connection must provide.
type Transport interface {
	WriteEvent(name string, data any) error
	Close() error
}

// Conn is one registered push connection.
type Conn struct {
	ID       string
	Identity string // visitor id or AdminIdentity

	transport    Transport
	lastActivity atomic.Int64 // unix nanoseconds
}

// LastActivity is the registration time or the last successful write.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

func (c *Conn) role() string {
	if c.Identity == AdminIdentity {
		return "admin"
	}
	return "visitor"
}

// Target selects the connections an event is delivered to.
type Target struct {
	visitorID string
	admins    bool
}

// Visitor targets every connection registered for visitorID.
func Visitor(visitorID string) Target { return Target{visitorID: visitorID} }

// Admins targets every admin connection.
var Admins = Target{admins: true}

// Failure is one connection that could not be written to.
type Failure struct {
	ConnID string
	Err    error
}

// Report summarises one Notify call.
type Report struct {
	Attempted int
	Delivered int
	Failures  []Failure
}

// Stats counts live connections.
type Stats struct {
	Visitors int `json:"visitors"`
	Admins   int `json:"admins"`
	Total    int `json:"total"`
}

// Registry holds live visitor and admin connections. Create one per server
// with New and tie its sweep loop to the server with Start and Shutdown.
type Registry struct {
	mu       sync.Mutex
	visitors map[string][]*Conn
	admins   []*Conn

	logger        zerolog.Logger
	now           func() time.Time
	idleTimeout   time.Duration
	sweepInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIdleTimeout sets how long a connection may go without activity.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval sets how often stale connections are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// New creates an empty registry.
func New(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		visitors:      make(map[string][]*Conn),
		logger:        logger.With().Str("component", "registry").Logger(),
		now:           time.Now,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the stale-connection sweep until ctx ends or Shutdown is called.
// Calling it while the sweep is already running does nothing.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepStale()
			}
		}
	}()
}

// Shutdown stops the sweep loop and closes every live connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	var all []*Conn
	for _, conns := range r.visitors {
		all = append(all, conns...)
	}
	all = append(all, r.admins...)
	r.visitors = make(map[string][]*Conn)
	r.admins = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	for _, c := range all {
		c.transport.Close()
		metrics.LiveConnections.WithLabelValues(c.role()).Dec()
	}
	r.logger.Info().Int("closed", len(all)).Msg("registry shut down")
}

func (r *Registry) newConn(identity string, t Transport) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		Identity:  identity,
		transport: t,
	}
	c.touch(r.now())
	return c
}

// RegisterVisitor adds a connection for visitorID. The returned function
// de-registers and closes it; calling it more than once is harmless.
func (r *Registry) RegisterVisitor(visitorID string, t Transport) (*Conn, func()) {
	c := r.newConn(visitorID, t)

	r.mu.Lock()
	r.visitors[visitorID] = append(r.visitors[visitorID], c)
	count := len(r.visitors[visitorID])
	r.mu.Unlock()

	metrics.LiveConnections.WithLabelValues("visitor").Inc()
	r.logger.Info().
		Str("visitor_id", visitorID).
		Str("conn_id", c.ID).
		Int("active", count).
		Msg("visitor connected")

	return c, func() { r.remove(c, "") }
}

// RegisterAdmin adds an admin connection. The returned function de-registers
// and closes it.
func (r *Registry) RegisterAdmin(t Transport) (*Conn, func()) {
	c := r.newConn(AdminIdentity, t)

	r.mu.Lock()
	r.admins = append(r.admins, c)
	count := len(r.admins)
	r.mu.Unlock()

	metrics.LiveConnections.WithLabelValues("admin").Inc()
	r.logger.Info().
		Str("conn_id", c.ID).
		Int("active", count).
		Msg("admin connected")

	return c, func() { r.remove(c, "") }
}

// remove drops c if it is still registered and closes its transport. cause
// is empty for a normal disconnect.
func (r *Registry) remove(c *Conn, cause string) bool {
	r.mu.Lock()
	var removed bool
	var remaining int
	if c.Identity == AdminIdentity {
		r.admins, removed = without(r.admins, c)
		remaining = len(r.admins)
	} else {
		var conns []*Conn
		conns, removed = without(r.visitors[c.Identity], c)
		if len(conns) == 0 {
			delete(r.visitors, c.Identity)
		} else {
			r.visitors[c.Identity] = conns
		}
		remaining = len(conns)
	}
	r.mu.Unlock()

	if !removed {
		return false
	}

	c.transport.Close()
	metrics.LiveConnections.WithLabelValues(c.role()).Dec()
	if cause != "" {
		metrics.ConnectionsEvicted.WithLabelValues(cause).Inc()
	}

	level := zerolog.InfoLevel
	if cause != "" {
		level = zerolog.WarnLevel
	}
	r.logger.WithLevel(level).
		Str("cause", cause).
		Str("identity", c.Identity).
		Str("conn_id", c.ID).
		Int("remaining", remaining).
		Msg(c.role() + " disconnected")
	return true
}

// without returns conns minus c, reporting whether c was present. A fresh
// slice is built so snapshots taken earlier stay intact.
func without(conns []*Conn, c *Conn) ([]*Conn, bool) {
	for i, existing := range conns {
		if existing == c {
			out := make([]*Conn, 0, len(conns)-1)
			out = append(out, conns[:i]...)
			return append(out, conns[i+1:]...), true
		}
	}
	return conns, false
}

// snapshot copies the connections for target.
func (r *Registry) snapshot(target Target) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var src []*Conn
	if target.admins {
		src = r.admins
	} else {
		src = r.visitors[target.visitorID]
	}
	return append([]*Conn(nil), src...)
}

// Notify writes the event to every connection registered for target when the
// call starts. A connection whose write fails is evicted; the others still
// receive the event. Failures are reported, never returned as an error.
func (r *Registry) Notify(target Target, event string, payload any) Report {
	conns := r.snapshot(target)
	report := Report{Attempted: len(conns)}
	if len(conns) == 0 {
		return report
	}

	var failed []*Conn
	for _, c := range conns {
		if err := c.transport.WriteEvent(event, payload); err != nil {
			report.Failures = append(report.Failures, Failure{ConnID: c.ID, Err: err})
			failed = append(failed, c)
			continue
		}
		c.touch(r.now())
		report.Delivered++
	}

	for i, c := range failed {
		r.logger.Warn().
			Err(report.Failures[i].Err).
			Str("identity", c.Identity).
			Str("conn_id", c.ID).
			Str("event", event).
			Msg("push write failed")
		r.remove(c, "write")
	}

	metrics.EventsDelivered.WithLabelValues(event).Add(float64(report.Delivered))
	r.logger.Debug().
		Str("event", event).
		Int("delivered", report.Delivered).
		Int("failed", len(failed)).
		Msg("notified connections")
	return report
}

// NotifyVisitor delivers an event to a visitor's connections.
func (r *Registry) NotifyVisitor(visitorID, event string, payload any) {
	r.Notify(Visitor(visitorID), event, payload)
}

// NotifyAdmins delivers an event to every admin connection.
func (r *Registry) NotifyAdmins(event string, payload any) {
	r.Notify(Admins, event, payload)
}

// SweepStale evicts connections idle for longer than the idle timeout,
// whatever the state of their transport. It returns how many were evicted.
func (r *Registry) SweepStale() int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var stale []*Conn
	for _, conns := range r.visitors {
		for _, c := range conns {
			if c.LastActivity().Before(cutoff) {
				stale = append(stale, c)
			}
		}
	}
	for _, c := range r.admins {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	cleaned := 0
	for _, c := range stale {
		if r.remove(c, "idle") {
			cleaned++
		}
	}
	if cleaned > 0 {
		r.logger.Info().Int("cleaned", cleaned).Msg("swept stale connections")
	}
	return cleaned
}

// VisitorCount returns the number of live connections for visitorID.
func (r *Registry) VisitorCount(visitorID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors[visitorID])
}

// Stats counts live connections.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	visitors := 0
	for _, conns := range r.visitors {
		visitors += len(conns)
	}
	return Stats{
		Visitors: visitors,
		Admins:   len(r.admins),
		Total:    visitors + len(r.admins),
	}
}
