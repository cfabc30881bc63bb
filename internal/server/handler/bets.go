package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pitchmarket/internal/service"
)

// BetService places bets.
type BetService interface {
	PlaceBet(ctx context.Context, req service.BetRequest) (service.BetResult, error)
}

// BetHandler serves bet placement.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, logger: logHandler(logger, "bets")}
}

// PlaceBet prices and records a bet. A rejection still carries the result
// body with accepted=false and its reason.
// POST /api/bets
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req service.BetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	res, err := h.bets.PlaceBet(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
