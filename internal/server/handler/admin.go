package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pitchmarket/internal/domain"
)

// AdminService holds the operator-only exchange operations.
type AdminService interface {
	Reset(ctx context.Context) error
	Settle(ctx context.Context, marketID string) ([]domain.Settlement, error)
}

// AdminHandler serves operator maintenance endpoints.
type AdminHandler struct {
	admin  AdminService
	logger *slog.Logger
}

func NewAdminHandler(admin AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logHandler(logger, "admin")}
}

// Reset discards in-memory exchange state.
// POST /api/admin/reset
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Reset(r.Context()); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: exchange reset by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Settle re-runs archival for a resolved market.
// POST /api/admin/settle/{id}
func (h *AdminHandler) Settle(w http.ResponseWriter, r *http.Request) {
	rows, err := h.admin.Settle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if rows == nil {
		rows = []domain.Settlement{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settled": len(rows), "settlements": rows})
}
