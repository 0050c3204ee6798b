package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/backchannel/internal/apperr"
	"github.com/eldtechnologies/backchannel/internal/models"
	"github.com/eldtechnologies/backchannel/internal/store"
)

// MessagesResponse represents a thread's messages.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
}

// CheckResponse represents the polling response.
type CheckResponse struct {
	Messages    []models.Message `json:"messages"`
	UnreadCount int              `json:"unreadCount"`
	HasNew      bool             `json:"hasNew"`
}

func visitorParam(r *http.Request) (string, error) {
	vid := chi.URLParam(r, "vid")
	if !models.ValidVisitorID(vid) {
		return "", apperr.Validation("invalid visitor id")
	}
	return vid, nil
}

// GetMessages returns the whole thread. A visitor without a thread gets an
// empty list.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	vid, err := visitorParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	messages, err := h.threads.GetMessages(r.Context(), vid, "")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

// CheckMessages returns the messages after ?since= along with how many of
// them are operator replies. An unknown since id yields the whole thread.
func (h *Handler) CheckMessages(w http.ResponseWriter, r *http.Request) {
	vid, err := visitorParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	since := r.URL.Query().Get("since")

	messages, err := h.threads.GetMessages(r.Context(), vid, since)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, CheckResponse{
		Messages:    messages,
		UnreadCount: store.Unread(messages),
		HasNew:      len(messages) > 0,
	})
}
