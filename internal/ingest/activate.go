package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ActivationRequest is posted to {endpoint}/activate when pairing.
type ActivationRequest struct {
	DeviceID    string `json:"device_id"`
	PairingCode string `json:"pairing_code"`
	Platform    string `json:"platform"`
	Hostname    string `json:"hostname,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`
}

// ActivationResponse carries the issued device token. Endpoint is set when
// the server wants uploads sent somewhere other than the pairing URL.
type ActivationResponse struct {
	DeviceToken string `json:"device_token"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// Activate exchanges a pairing code for a device token.
func (u *HTTPUploader) Activate(ctx context.Context, endpoint string, req ActivationRequest) (*ActivationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal activation: %w", err)
	}

	url := strings.TrimRight(endpoint, "/") + "/activate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send activation: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read activation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("activation rejected: http %d: %s", resp.StatusCode, eb.Message)
	}

	var out ActivationResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode activation response: %w", err)
	}
	if out.DeviceToken == "" {
		return nil, fmt.Errorf("activation response has no device token")
	}
	return &out, nil
}
