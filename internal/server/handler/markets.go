package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/service"
)

// MarketService is the read side of the market lifecycle.
type MarketService interface {
	Market(ctx context.Context, id string) (service.MarketView, error)
	CurrentMarket(ctx context.Context) (service.MarketView, error)
	Markets() []domain.Market
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "markets")}
}

// ListMarkets returns every market held in memory.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.markets.Markets()
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// CurrentMarket returns the most recently opened market with prices.
// GET /api/markets/current
func (h *MarketHandler) CurrentMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.CurrentMarket(r.Context())
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Market(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
