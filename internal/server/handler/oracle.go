package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
	"github.com/alanyoungcy/pitchmarket/internal/market"
	"github.com/alanyoungcy/pitchmarket/internal/oracle"
)

// OracleService drives the market lifecycle on behalf of the game feed.
type OracleService interface {
	SetGameActive(ctx context.Context, active bool)
	OpenMarket(ctx context.Context, gameID, categoryID string) (domain.Market, error)
	CloseMarket(ctx context.Context) (domain.Market, error)
	CloseMarketByID(ctx context.Context, id string) (domain.Market, error)
	Resolve(ctx context.Context, outcome string) (market.Resolution, error)
	ResolveMarket(ctx context.Context, id, outcome string) (market.Resolution, error)
	StartAutoPlay(ctx context.Context, p oracle.AutoPlay) error
	StopAutoPlay()
}

// OracleHandler serves the operator endpoints that stand in for a live game
// feed. Auto-play requests fall back to defaults for any field left unset.
type OracleHandler struct {
	oracle   OracleService
	defaults oracle.AutoPlay
	base     context.Context
	logger   *slog.Logger
}

// NewOracleHandler creates an OracleHandler. Auto-play chains outlive the
// request that starts them and are bound to base instead.
func NewOracleHandler(base context.Context, svc OracleService, defaults oracle.AutoPlay, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{
		oracle:   svc,
		defaults: defaults,
		base:     base,
		logger:   logHandler(logger, "oracle"),
	}
}

type gameRequest struct {
	Active bool `json:"active"`
}

// SetGame flips the game-active flag.
// POST /api/oracle/game
func (h *OracleHandler) SetGame(w http.ResponseWriter, r *http.Request) {
	var req gameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	h.oracle.SetGameActive(r.Context(), req.Active)
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

type openMarketRequest struct {
	GameID     string `json:"gameId"`
	CategoryID string `json:"categoryId"`
}

// OpenMarket creates and opens the next market.
// POST /api/oracle/markets
func (h *OracleHandler) OpenMarket(w http.ResponseWriter, r *http.Request) {
	var req openMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	m, err := h.oracle.OpenMarket(r.Context(), req.GameID, req.CategoryID)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type closeMarketRequest struct {
	MarketID string `json:"marketId"`
}

// CloseMarket stops betting on the named market, or the current one.
// POST /api/oracle/markets/close
func (h *OracleHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	var req closeMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	var (
		m   domain.Market
		err error
	)
	if req.MarketID != "" {
		m, err = h.oracle.CloseMarketByID(r.Context(), req.MarketID)
	} else {
		m, err = h.oracle.CloseMarket(r.Context())
	}
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type resolveRequest struct {
	MarketID string `json:"marketId"`
	Outcome  string `json:"outcome"`
}

type payoutView struct {
	Address string  `json:"address"`
	Outcome string  `json:"outcome"`
	Shares  float64 `json:"shares"`
	Payout  float64 `json:"payout,omitempty"`
	Loss    float64 `json:"loss,omitempty"`
}

type resolutionResponse struct {
	Market      domain.Market `json:"market"`
	Winners     []payoutView  `json:"winners"`
	Losers      []payoutView  `json:"losers"`
	TotalPayout float64       `json:"totalPayout"`
	TotalLoss   float64       `json:"totalLoss"`
	Error       string        `json:"error,omitempty"`
}

func payoutViews(ps []market.Payout) []payoutView {
	out := make([]payoutView, 0, len(ps))
	for _, p := range ps {
		out = append(out, payoutView{
			Address: p.Position.Address,
			Outcome: p.Position.Outcome,
			Shares:  p.Position.Shares,
			Payout:  p.Payout,
			Loss:    p.Loss,
		})
	}
	return out
}

// Resolve settles the named market, or the current one. A market that
// resolved but failed to archive answers 500 with the resolution attached.
// POST /api/oracle/resolve
func (h *OracleHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if req.Outcome == "" {
		writeErr(w, r, h.logger, &domain.ValidationError{Field: "outcome", Reason: "required"})
		return
	}

	var (
		res market.Resolution
		err error
	)
	if req.MarketID != "" {
		res, err = h.oracle.ResolveMarket(r.Context(), req.MarketID, req.Outcome)
	} else {
		res, err = h.oracle.Resolve(r.Context(), req.Outcome)
	}
	if err != nil && res.Market.ID == "" {
		writeErr(w, r, h.logger, err)
		return
	}

	body := resolutionResponse{
		Market:      res.Market,
		Winners:     payoutViews(res.Winners),
		Losers:      payoutViews(res.Losers),
		TotalPayout: res.TotalPayout,
		TotalLoss:   res.TotalLoss,
	}
	status := http.StatusOK
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: resolved without archive",
			slog.String("market_id", res.Market.ID),
			slog.String("error", err.Error()),
		)
		body.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, body)
}

type autoPlayRequest struct {
	OpenDelayMs    int64    `json:"openDelayMs"`
	CloseDelayMs   int64    `json:"closeDelayMs"`
	ResolveDelayMs int64    `json:"resolveDelayMs"`
	Outcomes       []string `json:"outcomes"`
}

func (h *OracleHandler) autoPlay(req autoPlayRequest) (oracle.AutoPlay, error) {
	p := h.defaults
	if req.OpenDelayMs < 0 || req.CloseDelayMs < 0 || req.ResolveDelayMs < 0 {
		return p, &domain.ValidationError{Field: "delay", Reason: "must not be negative"}
	}
	if req.OpenDelayMs > 0 {
		p.OpenDelay = time.Duration(req.OpenDelayMs) * time.Millisecond
	}
	if req.CloseDelayMs > 0 {
		p.CloseDelay = time.Duration(req.CloseDelayMs) * time.Millisecond
	}
	if req.ResolveDelayMs > 0 {
		p.ResolveDelay = time.Duration(req.ResolveDelayMs) * time.Millisecond
	}
	if len(req.Outcomes) > 0 {
		p.Outcomes = oracle.RandomOutcome{Outcomes: req.Outcomes}
	}
	if p.Outcomes == nil {
		return p, &domain.ValidationError{Field: "outcomes", Reason: "required"}
	}
	return p, nil
}

// StartAutoPlay starts the open, close and resolve cycle.
// POST /api/oracle/autoplay
func (h *OracleHandler) StartAutoPlay(w http.ResponseWriter, r *http.Request) {
	var req autoPlayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	p, err := h.autoPlay(req)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if err := h.oracle.StartAutoPlay(h.base, p); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"running":        true,
		"openDelayMs":    p.OpenDelay.Milliseconds(),
		"closeDelayMs":   p.CloseDelay.Milliseconds(),
		"resolveDelayMs": p.ResolveDelay.Milliseconds(),
	})
}

// StopAutoPlay halts the cycle.
// DELETE /api/oracle/autoplay
func (h *OracleHandler) StopAutoPlay(w http.ResponseWriter, r *http.Request) {
	h.oracle.StopAutoPlay()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}
