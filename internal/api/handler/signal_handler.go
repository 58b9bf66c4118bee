package handler

import (
	"context"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/signal-sync/internal/api/middleware"
	"github.com/notifyhub/signal-sync/internal/domain"
)

// Enqueuer is satisfied by *service.SignalService.
type Enqueuer interface {
	Enqueue(ctx context.Context, name domain.StreamName, payload []byte) (string, error)
	EnqueueJSON(ctx context.Context, name domain.StreamName, raw []byte) (string, error)
}

// SignalHandler lets local collectors hand captured records to the queue.
type SignalHandler struct {
	svc    Enqueuer
	logger *zap.Logger
}

func NewSignalHandler(svc Enqueuer, logger *zap.Logger) *SignalHandler {
	return &SignalHandler{svc: svc, logger: logger}
}

// Enqueue handles POST /api/v1/signals/{stream}
//
// A JSON body is validated against the stream's record type. A body sent
// as application/cbor is stored as-is and only checked at upload time.
//
// @Summary  Enqueue one captured signal
// @Tags     signals
// @Accept   json
// @Produce  json
// @Param    stream  path      string  true  "Stream name"
// @Success  201     {object}  map[string]string
// @Failure  422     {object}  map[string]string
// @Failure  503     {object}  map[string]string
// @Router   /api/v1/signals/{stream} [post]
func (h *SignalHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	name := domain.StreamName(chi.URLParam(r, "stream"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var id string
	if isCBOR(r.Header.Get("Content-Type")) {
		id, err = h.svc.Enqueue(r.Context(), name, body)
	} else {
		id, err = h.svc.EnqueueJSON(r.Context(), name, body)
	}
	if err != nil {
		h.logger.Warn("enqueue signal failed",
			zap.String("stream", string(name)),
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id, "stream": string(name)})
}

func isCBOR(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/cbor"
}
