package handler

import (
	"net/http"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// ResidualView exposes the residual-load ledger.
type ResidualView interface {
	ResidualLoad() []float64
	NetMarketActivity() []float64
	ImbalanceFee() *domain.ImbalanceFee
}

// ResidualHandler serves the residual-load endpoint.
type ResidualHandler struct {
	ledger ResidualView
	clock  domain.Clock
}

// NewResidualHandler creates a ResidualHandler.
func NewResidualHandler(ledger ResidualView, clock domain.Clock) *ResidualHandler {
	return &ResidualHandler{ledger: ledger, clock: clock}
}

// GetResidual returns the residual load and net market activity per slice.
// GET /api/residual
func (h *ResidualHandler) GetResidual(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"currentTime":       h.clock.CurrentTime(),
		"endTime":           h.clock.EndTime(),
		"residualLoad":      h.ledger.ResidualLoad(),
		"netMarketActivity": h.ledger.NetMarketActivity(),
	}
	if fee := h.ledger.ImbalanceFee(); fee != nil {
		body["imbalanceFee"] = fee
	}
	writeJSON(w, http.StatusOK, body)
}
