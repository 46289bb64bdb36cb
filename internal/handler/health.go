package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// Health проверяет зависимости сервиса и отвечает 503, если хотя бы одна недоступна.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	resp := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			resp[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp[name] = "ok"
	}

	writeJSON(w, status, resp)
}
