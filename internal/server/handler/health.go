package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// checkTimeout bounds each backend check of a health request.
const checkTimeout = 2 * time.Second

// StatusFunc reports the agent's current state.
type StatusFunc func() domain.AgentStatus

// CheckFunc pings one backend.
type CheckFunc func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	status StatusFunc
	checks map[string]CheckFunc
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. status and checks may be nil.
func NewHealthHandler(status StatusFunc, checks map[string]func(context.Context) error, logger *slog.Logger) *HealthHandler {
	h := &HealthHandler{
		status: status,
		checks: make(map[string]CheckFunc, len(checks)),
		logger: logHandler(logger, "health"),
	}
	for name, fn := range checks {
		h.checks[name] = fn
	}
	return h
}

// HealthCheck responds with the agent status and the result of every backend
// check. A failing backend turns the response into a 503 "degraded".
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	backends := make(map[string]string, len(h.checks))
	for _, name := range h.checkNames() {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			h.logger.WarnContext(r.Context(), "backend check failed",
				slog.String("backend", name),
				slog.String("error", err.Error()),
			)
			backends[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		backends[name] = "up"
	}

	body := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(backends) > 0 {
		body["backends"] = backends
	}
	if h.status != nil {
		body["agent"] = h.status()
	}
	writeJSON(w, code, body)
}

func (h *HealthHandler) checkNames() []string {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
