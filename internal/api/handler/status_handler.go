package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/service"
)

// StatusSource is satisfied by *service.SignalService.
type StatusSource interface {
	Status(ctx context.Context) (*service.Status, error)
}

// StatusHandler serves the JSON snapshot the UI polls. Raw Prometheus
// metrics are available separately at /metrics.
type StatusHandler struct {
	svc    StatusSource
	logger *zap.Logger
}

func NewStatusHandler(svc StatusSource, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{svc: svc, logger: logger}
}

// GetStatus handles GET /api/v1/status
//
// @Summary  Queue depth, last sync times and reconfiguration flag
// @Tags     sync
// @Produce  json
// @Success  200  {object}  service.Status
// @Failure  503  {object}  map[string]string
// @Router   /api/v1/status [get]
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		h.logger.Warn("status read failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}
