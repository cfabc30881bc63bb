package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// HistoryService answers per-bettor and per-market ledger queries.
type HistoryService interface {
	Positions(ctx context.Context, address string) ([]domain.Position, error)
	SettlementsByUser(ctx context.Context, address string, opts domain.ListOpts) ([]domain.Settlement, error)
	SettlementsByMarket(ctx context.Context, marketID string) ([]domain.Settlement, error)
	Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
}

// HistoryHandler serves positions, settlements and the leaderboard.
type HistoryHandler struct {
	history HistoryService
	logger  *slog.Logger
}

func NewHistoryHandler(history HistoryService, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, logger: logHandler(logger, "history")}
}

func addressParam(r *http.Request) (string, error) {
	a := r.URL.Query().Get("address")
	if !common.IsHexAddress(a) {
		return "", &domain.ValidationError{Field: "address", Reason: "must be a hex address"}
	}
	return a, nil
}

// Positions returns a bettor's open positions.
// GET /api/positions?address=0x...
func (h *HistoryHandler) Positions(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	positions, err := h.history.Positions(r.Context(), addr)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// Settlements returns settlement history filtered by bettor or by market.
// GET /api/settlements?address=0x...&limit=50&offset=0
// GET /api/settlements?market=<id>
func (h *HistoryHandler) Settlements(w http.ResponseWriter, r *http.Request) {
	var (
		rows []domain.Settlement
		err  error
	)
	if marketID := r.URL.Query().Get("market"); marketID != "" {
		rows, err = h.history.SettlementsByMarket(r.Context(), marketID)
	} else {
		var addr string
		addr, err = addressParam(r)
		if err == nil {
			rows, err = h.history.SettlementsByUser(r.Context(), addr, parseListOpts(r))
		}
	}
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if rows == nil {
		rows = []domain.Settlement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": rows})
}

// Leaderboard ranks bettors by settled profit.
// GET /api/leaderboard?limit=20
func (h *HistoryHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.history.Leaderboard(r.Context(), limit)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}
