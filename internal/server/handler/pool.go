package handler

import (
	"net/http"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// PoolView exposes the resource pool cardinalities.
type PoolView interface {
	Sizes() domain.PoolSizes
}

// PoolHandler serves the resource pool endpoint.
type PoolHandler struct {
	pool PoolView
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pool PoolView) *PoolHandler {
	return &PoolHandler{pool: pool}
}

// GetPool returns the pending/available/in-use counts.
// GET /api/pool
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	sizes := h.pool.Sizes()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":   sizes.Pending,
		"available": sizes.Available,
		"inUse":     sizes.InUse,
		"total":     sizes.Total(),
	})
}
