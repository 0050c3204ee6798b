package handlers

import (
	"net/http"

	"github.com/eldtechnologies/backchannel/internal/api/middleware"
	"github.com/eldtechnologies/backchannel/internal/apperr"
	"github.com/eldtechnologies/backchannel/internal/llm"
	"github.com/eldtechnologies/backchannel/internal/models"
)

// minThinkVisitorIDLen matches the ids the site widget generates.
const minThinkVisitorIDLen = 10

// Think asks the LLM for a creature thought aimed at the visitor. Calls are
// rate limited per visitor, per IP and globally per day.
func (h *Handler) Think(w http.ResponseWriter, r *http.Request) {
	var req llm.ThinkRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	if len(req.VisitorID) < minThinkVisitorIDLen || !models.ValidVisitorID(req.VisitorID) {
		h.Fail(w, r, apperr.Validation("invalid vid"))
		return
	}
	if !llm.ValidTrigger(req.Trigger) {
		h.Fail(w, r, apperr.Validation("invalid trigger"))
		return
	}

	decision, err := h.limiter.Check(r.Context(), req.VisitorID, middleware.RealIP(r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if !decision.Allowed {
		middleware.RetryAfter(w, decision.RetryAfter)
		h.Fail(w, r, apperr.RateLimited(string(decision.Reason)))
		return
	}

	meta, ok, err := h.threads.VisitorMetadata(r.Context(), req.VisitorID)
	if err != nil {
		h.logger.Warn().Err(err).Str("visitor_id", req.VisitorID).Msg("visitor metadata unavailable")
	} else if ok {
		req.Metadata = &meta
	}

	thought, err := h.thinker.Think(r.Context(), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.logger.Debug().
		Str("visitor_id", req.VisitorID).
		Str("trigger", req.Trigger).
		Str("mood", thought.Mood).
		Msg("creature thought")
	h.JSON(w, http.StatusOK, thought)
}
