package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/backchannel/internal/apperr"
	"github.com/eldtechnologies/backchannel/internal/llm"
	"github.com/eldtechnologies/backchannel/internal/models"
	"github.com/eldtechnologies/backchannel/internal/store"
)

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello", sanitizeText("  hello \n", 100))
	assert.Equal(t, "line one\nline two\tend", sanitizeText("line one\nline two\tend", 100))
	assert.Equal(t, "bell", sanitizeText("b\x07ell\x00", 100))
	assert.Equal(t, "héll", sanitizeText("héllo", 4))
	assert.Equal(t, "", sanitizeText(" \x01 ", 100))
	assert.Len(t, []rune(sanitizeText(strings.Repeat("é", 6000), maxTextLen)), maxTextLen)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Blocked(), http.StatusForbidden},
		{fmt.Errorf("think: %w", apperr.RateLimited("ip limit")), http.StatusTooManyRequests},
		{store.ErrInvalidVisitorID, http.StatusBadRequest},
		{fmt.Errorf("%w: unknown author", store.ErrInvalidMessage), http.StatusBadRequest},
		{llm.ErrNotConfigured, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: deadline", llm.ErrTimeout), http.StatusGatewayTimeout},
		{llm.ErrUnavailable, http.StatusBadGateway},
		{llm.ErrUpstream, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err).Kind.Status(), tt.err.Error())
	}

	internal := classify(errors.New("secret path /var/data"))
	assert.Equal(t, "internal server error", internal.Body().Error)
}

func TestPingCounterResetsDaily(t *testing.T) {
	var p pingCounter
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, p.inc(day))
	assert.Equal(t, 2, p.inc(day.Add(30*time.Minute)))
	assert.Equal(t, 1, p.inc(day.Add(2*time.Hour)))
}

// racingThreads answers GetMessages from a fixed slice and reports a reply
// that landed after it from UnreadCount.
type racingThreads struct {
	store.Threads
	messages []models.Message
}

func (r racingThreads) GetMessages(context.Context, string, string) ([]models.Message, error) {
	return r.messages, nil
}

func (r racingThreads) UnreadCount(context.Context, string, string) (int, error) {
	return len(r.messages) + 1, nil
}

func TestCheckMessagesCountsReturnedSlice(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		unread   int
	}{
		{"nothing new", []models.Message{}, 0},
		{"mixed", []models.Message{
			{ID: "1", From: models.FromVisitor, Text: "q"},
			{ID: "2", From: models.FromOperator, Text: "a"},
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Deps{Threads: racingThreads{messages: tt.messages}, Logger: zerolog.Nop()})

			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("vid", "v-001")
			req := httptest.NewRequest(http.MethodGet, "/threads/v-001/check?since=x", nil)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			rec := httptest.NewRecorder()

			h.CheckMessages(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			var resp CheckResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.unread, resp.UnreadCount)
			assert.Equal(t, len(tt.messages) > 0, resp.HasNew)
		})
	}
}
