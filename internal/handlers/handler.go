package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/apperr"
	"github.com/eldtechnologies/backchannel/internal/llm"
	"github.com/eldtechnologies/backchannel/internal/ratelimit"
	"github.com/eldtechnologies/backchannel/internal/registry"
	"github.com/eldtechnologies/backchannel/internal/sse"
	"github.com/eldtechnologies/backchannel/internal/store"
)

const (
	maxTextLen = 5000
	maxPageLen = 200
)

// Notifier is told about every new visitor message.
type Notifier interface {
	SendAll(ctx context.Context, message string) error
}

// Deps are the collaborators shared by all handlers. Redis and Notifier are
// optional.
type Deps struct {
	Threads      store.Threads
	Registry     *registry.Registry
	Limiter      ratelimit.Checker
	Thinker      llm.Thinker
	Notifier     Notifier
	Redis        *redis.Client
	Logger       zerolog.Logger
	PingInterval time.Duration
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	threads      store.Threads
	registry     *registry.Registry
	limiter      ratelimit.Checker
	thinker      llm.Thinker
	notifier     Notifier
	redis        *redis.Client
	logger       zerolog.Logger
	pingInterval time.Duration
	now          func() time.Time

	pings pingCounter
	bg    sync.WaitGroup
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	if d.PingInterval <= 0 {
		d.PingInterval = sse.DefaultPingInterval
	}
	return &Handler{
		threads:      d.Threads,
		registry:     d.Registry,
		limiter:      d.Limiter,
		thinker:      d.Thinker,
		notifier:     d.Notifier,
		redis:        d.Redis,
		logger:       d.Logger,
		pingInterval: d.PingInterval,
		now:          time.Now,
	}
}

// Wait blocks until background notification sends have finished.
func (h *Handler) Wait() {
	h.bg.Wait()
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, apperr.Body{Error: message})
}

// Fail converts err into the error taxonomy and writes it. Internal errors
// are logged and their cause withheld from the client.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.Kind == apperr.KindInternal {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	h.JSON(w, e.Kind.Status(), e.Body())
}

// classify maps package sentinel errors onto the taxonomy.
func classify(err error) *apperr.Error {
	switch {
	case errors.Is(err, store.ErrInvalidVisitorID):
		return apperr.Validation("invalid visitor id")
	case errors.Is(err, store.ErrInvalidMessage):
		return apperr.Validation("invalid message")
	case errors.Is(err, llm.ErrNotConfigured):
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "llm not configured", err)
	case errors.Is(err, llm.ErrTimeout):
		return apperr.Wrap(apperr.KindTimeout, "timeout", err)
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, llm.ErrUpstream):
		return apperr.Wrap(apperr.KindUpstreamError, "llm error", err)
	}
	return apperr.From(err)
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body too large")
		}
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

// sanitizeText trims text, removes control characters other than newlines
// and tabs, and limits it to max characters.
func sanitizeText(text string, max int) string {
	text = strings.TrimSpace(text)

	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)

	if r := []rune(text); len(r) > max {
		text = string(r[:max])
	}
	return text
}

// pingCounter counts ping feedback per UTC day.
type pingCounter struct {
	mu    sync.Mutex
	day   string
	count int
}

func (p *pingCounter) inc(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	day := now.UTC().Format(time.DateOnly)
	if day != p.day {
		p.day = day
		p.count = 0
	}
	p.count++
	return p.count
}
