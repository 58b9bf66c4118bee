package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/ratelimiter"
)

const (
	headerDeviceToken   = "X-Device-Token"
	headerCorrelationID = "X-Correlation-ID"

	codeInvalidToken = "invalid_token"

	// maxResponseBody caps how much of a response is read for decoding
	// and error messages.
	maxResponseBody = 64 << 10
)

// HTTPUploader posts stream groups to the device's ingest endpoint.
type HTTPUploader struct {
	httpClient *http.Client
	limiters   *ratelimiter.StreamLimiters
	logger     *zap.Logger
}

func NewHTTPUploader(timeout time.Duration, limiters *ratelimiter.StreamLimiters, logger *zap.Logger) *HTTPUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPUploader{
		httpClient: &http.Client{Timeout: timeout},
		limiters:   limiters,
		logger:     logger,
	}
}

// Upload posts body to identity.Endpoint bearing the device token.
func (u *HTTPUploader) Upload(ctx context.Context, identity domain.DeviceIdentity, stream domain.StreamName, body []byte) (*UploadResponse, error) {
	if u.limiters != nil {
		if err := u.limiters.Wait(ctx, stream); err != nil {
			return nil, contextErr(ctx, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, identity.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	correlationID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeviceToken, identity.DeviceToken)
	req.Header.Set(headerCorrelationID, correlationID)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientNetworkError{Stream: stream, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientNetworkError{Stream: stream, StatusCode: resp.StatusCode, Err: err}
	}

	if err := classifyStatus(stream, resp.StatusCode, raw); err != nil {
		u.logger.Debug("upload rejected",
			zap.String("stream", string(stream)),
			zap.String("correlation_id", correlationID),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return nil, err
	}

	var out UploadResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			// The data was accepted; an unreadable acknowledgement only
			// loses the log fields.
			u.logger.Warn("undecodable upload response",
				zap.String("stream", string(stream)),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
			return &UploadResponse{}, nil
		}
	}
	return &out, nil
}

// errorBody is the endpoint's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func classifyStatus(stream domain.StreamName, status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	if eb.Error == codeInvalidToken {
		return &domain.AuthError{StatusCode: status, Code: eb.Error}
	}
	if status >= 200 && status < 300 {
		return nil
	}

	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return &domain.AuthError{StatusCode: status, Code: eb.Error}
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &domain.TransientNetworkError{Stream: stream, StatusCode: status, Err: errors.New(msg)}
	default:
		return fmt.Errorf("upload %s: unexpected status %d: %s", stream, status, msg)
	}
}

// ErrRateLimitDeadline is returned when the stream's limiter cannot
// grant a token before ctx's deadline.
var ErrRateLimitDeadline = errors.New("rate limit wait exceeds deadline")

// contextErr reports why a limiter wait failed. The limiter only fails
// when ctx ends or the next token would arrive after its deadline.
func contextErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrRateLimitDeadline, err)
}

// compile-time check that HTTPUploader implements Uploader
var _ Uploader = (*HTTPUploader)(nil)
