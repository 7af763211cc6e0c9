// Package scanclient talks to the external option-spread scanning
// service over HTTP and WebSocket.
package scanclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"scanflow/config"
	"scanflow/logger"
	"scanflow/models"
)

// Client is the scan service HTTP client. Outbound requests are paced
// with a local limiter so bursts from the coordinator cannot exceed the
// service's documented limit, and 429 responses are retried with
// exponential backoff.
type Client struct {
	baseURL     string
	wsURL       string
	maxRetries  int
	httpClient  *http.Client
	limiter     *rate.Limiter
	log         *logger.Entry
	backoffBase time.Duration
}

// HealthResponse is the scan service health report.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StatusResponse describes a long-running scan on the service side.
type StatusResponse struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
}

// ErrorResponse is the service's error body.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("scan service error (HTTP %d): %s", e.Code, e.Message)
}

// New builds a client from the scanner section of the configuration.
func New(cfg config.ScannerConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	rps := cfg.Pacing.RequestsPerSecond
	if rps <= 0 {
		rps = 45
	}
	burst := cfg.Pacing.BurstSize
	if burst <= 0 {
		burst = int(rps)
	}

	wsURL := cfg.WSURL
	if wsURL == "" {
		if u, err := url.Parse(cfg.URL); err == nil {
			scheme := "ws"
			if u.Scheme == "https" {
				scheme = "wss"
			}
			wsURL = fmt.Sprintf("%s://%s/api/v1/ws", scheme, u.Host)
		}
	}

	return &Client{
		baseURL:     cfg.URL,
		wsURL:       wsURL,
		maxRetries:  cfg.MaxRetries,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		log:         logger.GetLogger().WithComponent("scanclient"),
		backoffBase: time.Second,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// doRequestRetry performs the request, retrying transport failures and
// 429 responses with exponential backoff up to maxRetries.
func (c *Client) doRequestRetry(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<uint(attempt-1))
			c.log.WithFields(logger.Fields{
				"attempt": attempt,
				"backoff": backoff.String(),
				"path":    path,
			}).Warn("retrying scan service request")
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.doRequest(ctx, method, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = &ErrorResponse{Code: http.StatusTooManyRequests, Message: "rate limited"}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("scan service request failed after %d retries: %w", c.maxRetries, lastErr)
}

func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errResp := ErrorResponse{Code: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			errResp.Message = http.StatusText(resp.StatusCode)
		}
		errResp.Code = resp.StatusCode
		return &errResp
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Scan submits one scan request and returns the matched spreads.
func (c *Client) Scan(ctx context.Context, req models.ScanRequest) (*models.ScanResponse, error) {
	resp, err := c.doRequestRetry(ctx, http.MethodPost, "/api/v1/scan", req)
	if err != nil {
		return nil, err
	}

	var result models.ScanResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks the service health endpoint. Health probes bypass the
// retry loop so a degraded service is reported, not masked.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}

	var health HealthResponse
	if err := decodeResponse(resp, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ScanStatus fetches the server-side status of a long-running scan.
func (c *Client) ScanStatus(ctx context.Context, id string) (*StatusResponse, error) {
	resp, err := c.doRequestRetry(ctx, http.MethodGet, "/api/v1/scan/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := decodeResponse(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelScan aborts a long-running scan on the service side.
func (c *Client) CancelScan(ctx context.Context, id string) error {
	resp, err := c.doRequestRetry(ctx, http.MethodDelete, "/api/v1/scan/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// ServiceMetrics fetches the service's own metric snapshot.
func (c *Client) ServiceMetrics(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.doRequestRetry(ctx, http.MethodGet, "/api/v1/metrics", nil)
	if err != nil {
		return nil, err
	}

	metrics := map[string]interface{}{}
	if err := decodeResponse(resp, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}
