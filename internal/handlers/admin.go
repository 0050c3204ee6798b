package handlers

import (
	"net/http"
	"sort"

	"github.com/eldtechnologies/backchannel/internal/apperr"
	"github.com/eldtechnologies/backchannel/internal/models"
)

// ThreadsResponse represents the admin thread list.
type ThreadsResponse struct {
	Threads []models.ThreadSummary `json:"threads"`
}

// ReplyRequest represents an operator reply.
type ReplyRequest struct {
	Text string `json:"text"`
}

// ReplyResponse represents the reply response.
type ReplyResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// SuccessResponse is returned by admin mutations.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ListThreads returns every thread, most recently active first.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.threads.ListSummaries(r.Context())
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LastSeen > threads[j].LastSeen
	})

	if threads == nil {
		threads = []models.ThreadSummary{}
	}
	h.JSON(w, http.StatusOK, ThreadsResponse{Threads: threads})
}

// Reply appends an operator message, which the store pushes to the visitor's
// open streams.
func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	vid, err := visitorParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	var req ReplyRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	text := sanitizeText(req.Text, maxTextLen)
	if text == "" {
		h.Fail(w, r, apperr.Validation("text is required"))
		return
	}

	msg, err := h.threads.Append(r.Context(), vid, models.Message{
		From: models.FromOperator,
		Text: text,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.logger.Info().Str("visitor_id", vid).Str("message_id", msg.ID).Msg("reply sent")
	h.JSON(w, http.StatusOK, ReplyResponse{Success: true, MessageID: msg.ID})
}

// DeleteThread removes a thread and its archives.
func (h *Handler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	vid, err := visitorParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	deleted, err := h.threads.DeleteThread(r.Context(), vid)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if !deleted {
		h.Fail(w, r, apperr.NotFound("thread not found"))
		return
	}

	h.logger.Info().Str("visitor_id", vid).Msg("thread deleted")
	h.JSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// BlockVisitor adds a visitor to the block list.
func (h *Handler) BlockVisitor(w http.ResponseWriter, r *http.Request) {
	vid, err := visitorParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	if err := h.threads.Block(vid); err != nil {
		h.Fail(w, r, err)
		return
	}

	h.logger.Info().Str("type", "security").Str("visitor_id", vid).Msg("visitor blocked")
	h.JSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// UnblockVisitor removes a visitor from the block list.
func (h *Handler) UnblockVisitor(w http.ResponseWriter, r *http.Request) {
	vid, err := visitorParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	removed, err := h.threads.Unblock(vid)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if !removed {
		h.Fail(w, r, apperr.NotFound("visitor not blocked"))
		return
	}

	h.logger.Info().Str("type", "security").Str("visitor_id", vid).Msg("visitor unblocked")
	h.JSON(w, http.StatusOK, SuccessResponse{Success: true})
}
