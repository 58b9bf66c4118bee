package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/signal-sync/internal/api/middleware"
	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/schedule"
)

// SyncController is satisfied by *scheduler.Scheduler.
type SyncController interface {
	SyncNow() error
	UpdateSchedule(expr string) domain.ScheduleSpec
}

// SyncHandler exposes "sync now" and schedule changes to the UI.
type SyncHandler struct {
	ctl    SyncController
	logger *zap.Logger
}

func NewSyncHandler(ctl SyncController, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{ctl: ctl, logger: logger}
}

type scheduleRequest struct {
	Expression string `json:"expression"`
}

// SyncNow handles POST /api/v1/sync
//
// @Summary  Request an immediate sync cycle
// @Tags     sync
// @Produce  json
// @Success  202  {object}  map[string]string
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/sync [post]
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.SyncNow(); err != nil {
		h.logger.Info("sync request dropped",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// UpdateSchedule handles PUT /api/v1/schedule
//
// @Summary  Change the sync schedule
// @Tags     sync
// @Accept   json
// @Produce  json
// @Param    body  body      scheduleRequest  true  "Schedule expression"
// @Success  200   {object}  domain.ScheduleSpec
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/schedule [put]
func (h *SyncHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// Strict parse. The scheduler would fall back to the default interval.
	if _, err := schedule.Parse(req.Expression); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.ctl.UpdateSchedule(req.Expression))
}
