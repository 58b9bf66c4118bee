package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/domain"
	"github.com/notifyhub/signal-sync/internal/ingest"
	"github.com/notifyhub/signal-sync/internal/ratelimiter"
)

func newUploader(timeout time.Duration) *ingest.HTTPUploader {
	return ingest.NewHTTPUploader(timeout, ratelimiter.New(0), zap.NewNop())
}

func identityFor(url string) domain.DeviceIdentity {
	return domain.DeviceIdentity{DeviceID: "dev-1", DeviceToken: "tok-123", Endpoint: url}
}

func TestUpload_SendsTokenAndBody(t *testing.T) {
	var gotToken, gotCorrelation, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotToken = r.Header.Get("X-Device-Token")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "ok", "dataSize": 3, "streamKey": "location:dev-1", "schedule": "*/15 * * * *",
		})
	}))
	defer srv.Close()

	resp, err := newUploader(time.Second).Upload(context.Background(), identityFor(srv.URL), domain.StreamLocation, []byte(`{"device_id":"dev-1","locations":[]}`))
	require.NoError(t, err)

	assert.Equal(t, "tok-123", gotToken)
	assert.NotEmpty(t, gotCorrelation)
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, `{"device_id":"dev-1","locations":[]}`, string(gotBody))
	assert.Equal(t, "ok", resp.Message)
	assert.EqualValues(t, 3, resp.DataSize)
	assert.Equal(t, "location:dev-1", resp.StreamKey)
	assert.Equal(t, "*/15 * * * *", resp.Schedule)
}

func TestUpload_ClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"unauthorized"}`, domain.ErrAuth},
		{"forbidden invalid token", http.StatusForbidden, `{"error":"invalid_token"}`, domain.ErrAuth},
		{"invalid token in 400", http.StatusBadRequest, `{"error":"invalid_token"}`, domain.ErrAuth},
		{"server error", http.StatusInternalServerError, `oops`, domain.ErrTransientNetwork},
		{"bad gateway", http.StatusBadGateway, ``, domain.ErrTransientNetwork},
		{"too many requests", http.StatusTooManyRequests, ``, domain.ErrTransientNetwork},
		{"request timeout", http.StatusRequestTimeout, ``, domain.ErrTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newUploader(time.Second).Upload(context.Background(), identityFor(srv.URL), domain.StreamHealth, []byte(`{}`))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUpload_OtherClientErrorsArePlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"validation","message":"samples missing"}`))
	}))
	defer srv.Close()

	_, err := newUploader(time.Second).Upload(context.Background(), identityFor(srv.URL), domain.StreamHealth, []byte(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAuth)
	assert.NotErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Contains(t, err.Error(), "samples missing")
	assert.Equal(t, domain.FailureRejected, domain.ClassifyFailure(err))
}

func TestUpload_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := newUploader(50*time.Millisecond).Upload(context.Background(), identityFor(srv.URL), domain.StreamAudio, []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
}

func TestUpload_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newUploader(time.Second).Upload(context.Background(), identityFor(url), domain.StreamAudio, []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
}

func TestUpload_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newUploader(5*time.Second).Upload(ctx, identityFor(srv.URL), domain.StreamAudio, []byte(`{}`))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestUpload_LimiterWaitPastDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := ingest.NewHTTPUploader(time.Second, ratelimiter.New(1), zap.NewNop())
	_, err := u.Upload(context.Background(), identityFor(srv.URL), domain.StreamHealth, []byte(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = u.Upload(ctx, identityFor(srv.URL), domain.StreamHealth, []byte(`{}`))
	assert.ErrorIs(t, err, ingest.ErrRateLimitDeadline)
	assert.NoError(t, ctx.Err())
}

func TestUpload_UndecodableSuccessStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`accepted`))
	}))
	defer srv.Close()

	resp, err := newUploader(time.Second).Upload(context.Background(), identityFor(srv.URL), domain.StreamSystem, []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, resp.Schedule)
}

func TestActivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activate", r.URL.Path)
		var req ingest.ActivationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.PairingCode != "123456" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden","message":"bad pairing code"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(ingest.ActivationResponse{DeviceToken: "fresh-token"})
	}))
	defer srv.Close()

	u := newUploader(time.Second)
	resp, err := u.Activate(context.Background(), srv.URL+"/", ingest.ActivationRequest{DeviceID: "dev-1", PairingCode: "123456", Platform: "linux"})
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", resp.DeviceToken)

	_, err = u.Activate(context.Background(), srv.URL, ingest.ActivationRequest{DeviceID: "dev-1", PairingCode: "000000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad pairing code")
}
