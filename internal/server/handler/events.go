package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// EventReplayer reads back mirrored broadcast events.
type EventReplayer interface {
	Replay(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler lets a reconnecting client catch up on missed broadcasts.
type EventHandler struct {
	events EventReplayer
	logger *slog.Logger
}

func NewEventHandler(events EventReplayer, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logHandler(logger, "events")}
}

type replayedEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// Replay returns up to count events after the given stream id.
// GET /api/events?after=<id>&count=100
func (h *EventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, _ := strconv.Atoi(q.Get("count"))
	if count <= 0 || count > 1000 {
		count = 100
	}
	msgs, err := h.events.Replay(r.Context(), q.Get("after"), count)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	out := make([]replayedEvent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, replayedEvent{ID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
