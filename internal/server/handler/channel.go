package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pitchmarket/internal/clearnode"
)

// BalanceSource exposes the house wallet's cached channel balance.
type BalanceSource interface {
	Address() string
	Connected() bool
	Balance() ([]clearnode.LedgerBalance, time.Time)
}

// ChannelHandler reports channel state. A nil source means the channel
// client is disabled.
type ChannelHandler struct {
	channel BalanceSource
	logger  *slog.Logger
}

func NewChannelHandler(channel BalanceSource, logger *slog.Logger) *ChannelHandler {
	return &ChannelHandler{channel: channel, logger: logHandler(logger, "channel")}
}

type balanceResponse struct {
	Address   string                    `json:"address"`
	Connected bool                      `json:"connected"`
	Balances  []clearnode.LedgerBalance `json:"balances"`
	UpdatedAt *time.Time                `json:"updatedAt,omitempty"`
}

// Balance returns the last refreshed ledger balances.
// GET /api/channel/balance
func (h *ChannelHandler) Balance(w http.ResponseWriter, r *http.Request) {
	if h.channel == nil {
		writeError(w, http.StatusServiceUnavailable, "channel client disabled")
		return
	}
	balances, at := h.channel.Balance()
	if balances == nil {
		balances = []clearnode.LedgerBalance{}
	}
	resp := balanceResponse{
		Address:   h.channel.Address(),
		Connected: h.channel.Connected(),
		Balances:  balances,
	}
	if !at.IsZero() {
		resp.UpdatedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}
