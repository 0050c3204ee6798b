package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eldtechnologies/backchannel/internal/models"
	"github.com/eldtechnologies/backchannel/internal/registry"
	"github.com/eldtechnologies/backchannel/internal/sse"
)

// VisitorStream opens the visitor's push stream. The connection is registered
// before the snapshot is read so no append can fall between the two; the
// client drops duplicates by message id.
func (h *Handler) VisitorStream(w http.ResponseWriter, r *http.Request) {
	vid, err := visitorParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	stream := sse.NewStream(h.pingInterval)
	conn, release := h.registry.RegisterVisitor(vid, stream)
	defer release()

	messages, err := h.threads.GetMessages(r.Context(), vid, "")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	initial, err := json.Marshal(models.InitEvent{Type: "init", Messages: messages})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.serve(w, r, stream, conn, &sse.Event{Data: initial})
}

// AdminStream opens an operator push stream carrying every visitor message
// and thread deletion.
func (h *Handler) AdminStream(w http.ResponseWriter, r *http.Request) {
	stream := sse.NewStream(h.pingInterval)
	conn, release := h.registry.RegisterAdmin(stream)
	defer release()

	ready, err := json.Marshal(models.StatusEvent{Type: "ready", Timestamp: h.now().UnixMilli()})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.serve(w, r, stream, conn, &sse.Event{Name: models.EventStatus, Data: ready})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, stream *sse.Stream, conn *registry.Conn, initial *sse.Event) {
	err := stream.Serve(r.Context(), w, initial)
	if err != nil && !errors.Is(err, r.Context().Err()) {
		h.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("stream write failed")
	}
}
