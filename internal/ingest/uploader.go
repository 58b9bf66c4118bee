package ingest

import (
	"context"

	"github.com/notifyhub/signal-sync/internal/domain"
)

// UploadResponse maps the ingest endpoint's 2xx body. Only Schedule is
// acted on; the rest is logged.
type UploadResponse struct {
	Message   string `json:"message"`
	DataSize  int64  `json:"dataSize"`
	StreamKey string `json:"streamKey"`

	// Schedule, when present, replaces the device's sync cadence.
	Schedule string `json:"schedule,omitempty"`
}

// Uploader delivers one merged stream group. Implementations classify
// failures as *domain.AuthError, *domain.TransientNetworkError or a plain
// error; a cancelled ctx is returned as ctx.Err().
type Uploader interface {
	Upload(ctx context.Context, identity domain.DeviceIdentity, stream domain.StreamName, body []byte) (*UploadResponse, error)
}
