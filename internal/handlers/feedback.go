package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/eldtechnologies/backchannel/internal/api/middleware"
	"github.com/eldtechnologies/backchannel/internal/apperr"
	"github.com/eldtechnologies/backchannel/internal/metrics"
	"github.com/eldtechnologies/backchannel/internal/models"
)

// Feedback types.
const (
	FeedbackPing    = "ping"
	FeedbackMessage = "message"
)

// FeedbackRequest represents the feedback request body.
type FeedbackRequest struct {
	VisitorID string `json:"visitorId"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Page      string `json:"page,omitempty"`
}

// FeedbackResponse represents the feedback response.
type FeedbackResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	VisitorID string `json:"visitorId"`
	Count     *int   `json:"count,omitempty"` // pings today, for type=ping
}

// Feedback accepts a ping or a message from a visitor. Messages are appended
// to the visitor's thread and pushed to the operator's notifiers.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	if !models.ValidVisitorID(req.VisitorID) {
		h.Fail(w, r, apperr.Validation("invalid visitorId"))
		return
	}
	if req.Type != FeedbackPing && req.Type != FeedbackMessage {
		h.Fail(w, r, apperr.Validation("type must be ping or message"))
		return
	}

	if h.threads.IsBlocked(req.VisitorID) {
		metrics.BlockedRequests.Inc()
		h.logger.Warn().
			Str("type", "security").
			Str("event", "blocked_request").
			Str("visitor_id", req.VisitorID).
			Str("ip", middleware.RealIP(r)).
			Msg("blocked visitor attempted feedback")
		h.Fail(w, r, apperr.Blocked())
		return
	}

	if req.Type == FeedbackPing {
		count := h.pings.inc(h.now())
		h.JSON(w, http.StatusOK, FeedbackResponse{Success: true, VisitorID: req.VisitorID, Count: &count})
		return
	}

	text := sanitizeText(req.Text, maxTextLen)
	if text == "" {
		h.Fail(w, r, apperr.Validation("text is required"))
		return
	}
	page := sanitizeText(req.Page, maxPageLen)

	msg, err := h.threads.Append(r.Context(), req.VisitorID, models.Message{
		From: models.FromVisitor,
		Text: text,
		Page: page,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.notifyOperator(req.VisitorID, page, text)

	h.JSON(w, http.StatusOK, FeedbackResponse{
		Success:   true,
		MessageID: msg.ID,
		VisitorID: req.VisitorID,
	})
}

// notifyOperator sends the message to the configured notifiers in the
// background. Failures are logged by the notifier and never reach the visitor.
func (h *Handler) notifyOperator(visitorID, page, text string) {
	if h.notifier == nil {
		return
	}
	if page == "" {
		page = "unknown page"
	}
	body := fmt.Sprintf("New message from %s on %s:\n\n%s", visitorID, page, text)

	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		if err := h.notifier.SendAll(context.Background(), body); err != nil {
			h.logger.Debug().Err(err).Str("visitor_id", visitorID).Msg("operator notification incomplete")
		}
	}()
}
