// Package notify pushes new visitor messages to the operator's phone.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/metrics"
)

// ErrNotConfigured is returned by Send on a notifier missing its settings.
var ErrNotConfigured = errors.New("notifier not configured")

const sendTimeout = 10 * time.Second

// Notifier is one delivery channel.
type Notifier interface {
	Name() string
	Configured() bool
	Send(ctx context.Context, message string) error
}

// Manager fans a message out to every configured notifier.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates a manager over notifiers. Unconfigured notifiers are
// kept but skipped on send.
func NewManager(logger zerolog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		logger:    logger.With().Str("component", "notify").Logger(),
	}
}

// Configured returns the notifiers that can send.
func (m *Manager) Configured() []Notifier {
	var out []Notifier
	for _, n := range m.notifiers {
		if n.Configured() {
			out = append(out, n)
		}
	}
	return out
}

// SendAll sends message on every configured channel concurrently. A failing
// channel does not stop the others; all failures are joined into the result.
func (m *Manager) SendAll(ctx context.Context, message string) error {
	configured := m.Configured()
	if len(configured) == 0 {
		m.logger.Debug().Msg("no notification channels configured")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	errs := make([]error, len(configured))
	var wg sync.WaitGroup
	for i, n := range configured {
		wg.Add(1)
		go func(i int, n Notifier) {
			defer wg.Done()
			if err := n.Send(ctx, message); err != nil {
				metrics.NotificationsSent.WithLabelValues(n.Name(), "error").Inc()
				m.logger.Error().Err(err).Str("provider", n.Name()).Msg("notification failed")
				errs[i] = fmt.Errorf("%s: %w", n.Name(), err)
				return
			}
			metrics.NotificationsSent.WithLabelValues(n.Name(), "ok").Inc()
		}(i, n)
	}
	wg.Wait()

	err := errors.Join(errs...)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	m.logger.Info().Int("sent", len(configured)-failed).Int("failed", failed).Msg("notifications dispatched")
	return err
}
