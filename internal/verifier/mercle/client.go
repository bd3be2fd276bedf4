// Package mercle is the HTTP client for the Mercle verification API.
package mercle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gatekeeper/internal/verifier"
	"gatekeeper/pkg/platform/sentinel"
)

const (
	DefaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
)

// Client talks to the session endpoints of the Mercle API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithHTTPClient returns a copy using httpClient.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	return &Client{BaseURL: c.BaseURL, APIKey: c.APIKey, HTTPClient: httpClient}
}

type createSessionRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	QRData    string `json:"qr_data"`
	DeepLink  string `json:"deep_link"`
}

type sessionStatusResponse struct {
	Status          string `json:"status"`
	LocalizedUserID string `json:"localized_user_id"`
}

// CreateAttempt opens a verification session.
func (c *Client) CreateAttempt(ctx context.Context, metadata map[string]string) (*verifier.Attempt, error) {
	var resp createSessionResponse
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/session/create", createSessionRequest{Metadata: metadata}, &resp); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create session: response missing session_id")
	}
	return &verifier.Attempt{ID: resp.SessionID, DeepLink: resp.DeepLink, QRData: resp.QRData}, nil
}

// GetStatus reads the session status. Unknown statuses are reported as pending.
func (c *Client) GetStatus(ctx context.Context, attemptID string) (*verifier.Result, error) {
	u := c.BaseURL + "/session/status?" + url.Values{"session_id": {attemptID}}.Encode()
	var resp sessionStatusResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("session status: %w", err)
	}

	status := verifier.Status(strings.ToLower(resp.Status))
	switch status {
	case verifier.StatusApproved:
		if resp.LocalizedUserID == "" {
			return nil, fmt.Errorf("session status: approved without localized_user_id")
		}
	case verifier.StatusRejected, verifier.StatusExpired:
	default:
		status = verifier.StatusPending
	}
	return &verifier.Result{Status: status, ExternalID: resp.LocalizedUserID}, nil
}

func (c *Client) do(ctx context.Context, method, urlStr string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", sentinel.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", sentinel.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("verifier error: %s (status %d)", strings.TrimSpace(string(respBody)), resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
