package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Sentinel server (e.g. "http://localhost:8080").
	BaseURL string

	// AdminToken is sent as a bearer token on admin calls. Leave empty when
	// the server runs without SENTINEL_ADMIN_TOKEN.
	AdminToken string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Sentinel API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	adminToken string
	client     *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sentinel: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("sentinel: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		adminToken: cfg.AdminToken,
		client:     httpClient,
	}, nil
}

// RecordMetric submits one metric sample. The server stamps the time and
// queues it for storage.
func (c *Client) RecordMetric(ctx context.Context, req MetricRequest) (*MetricSample, error) {
	var resp MetricSample
	if err := c.post(ctx, "/v1/metrics", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportError submits a failure report for a component. Reports may trigger a
// repair attempt and an alert on the server.
func (c *Client) ReportError(ctx context.Context, req ErrorRequest) (*ErrorReport, error) {
	var resp ErrorReport
	if err := c.post(ctx, "/v1/errors", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveError clears the active error of component and resolves its alerts.
// It reports false when the component had no active error.
func (c *Client) ResolveError(ctx context.Context, req ResolveRequest) (bool, error) {
	var resp struct {
		Resolved bool `json:"resolved"`
	}
	if err := c.post(ctx, "/v1/errors/resolve", req, &resp, false); err != nil {
		return false, err
	}
	return resp.Resolved, nil
}

// CurrentMetrics returns the latest integrated snapshot.
func (c *Client) CurrentMetrics(ctx context.Context) (*CurrentMetrics, error) {
	var resp CurrentMetrics
	if err := c.get(ctx, "/v1/metrics/current", &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MetricHistory returns the history of name over the last hours. Zero hours
// uses the server default of 24.
func (c *Client) MetricHistory(ctx context.Context, name string, hours int) (*MetricHistory, error) {
	params := url.Values{}
	params.Set("name", name)
	if hours > 0 {
		params.Set("hours", strconv.Itoa(hours))
	}
	var resp MetricHistory
	if err := c.get(ctx, "/v1/metrics/history?"+params.Encode(), &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (c *Client) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	var resp []Alert
	if err := c.get(ctx, "/v1/alerts/active", &resp, false); err != nil {
		return nil, err
	}
	return resp, nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (c *Client) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	path := "/v1/alerts/recent"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Alert
	if err := c.get(ctx, path, &resp, false); err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthSummary returns the server's overall health.
func (c *Client) HealthSummary(ctx context.Context) (*HealthSummary, error) {
	var resp HealthSummary
	if err := c.get(ctx, "/v1/health/summary", &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExportMetrics returns the Prometheus text exposition of current state.
func (c *Client) ExportMetrics(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/metrics/export", nil)
	if err != nil {
		return nil, fmt.Errorf("sentinel: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sentinel: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sentinel: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

// ClearResolvedAlerts drops resolved alerts from the server's history and
// returns how many were removed.
func (c *Client) ClearResolvedAlerts(ctx context.Context) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.post(ctx, "/v1/admin/alerts/clear-resolved", nil, &resp, true); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// EnterSafeMode blocks every repair on the server until ExitSafeMode.
func (c *Client) EnterSafeMode(ctx context.Context, reason string) (*EnterSafeModeResponse, error) {
	var resp EnterSafeModeResponse
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, "/v1/admin/safe-mode/enter", body, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExitSafeMode asks the server to leave safe mode.
func (c *Client) ExitSafeMode(ctx context.Context) (*ExitSafeModeResponse, error) {
	var resp ExitSafeModeResponse
	if err := c.post(ctx, "/v1/admin/safe-mode/exit", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Aggregate rolls up the last completed hour now and returns the number of
// metric buckets written.
func (c *Client) Aggregate(ctx context.Context) (int, error) {
	var resp struct {
		BucketsAggregated int `json:"buckets_aggregated"`
	}
	if err := c.post(ctx, "/v1/admin/aggregate", nil, &resp, true); err != nil {
		return 0, err
	}
	return resp.BucketsAggregated, nil
}

// Safety returns the safety controller's state.
func (c *Client) Safety(ctx context.Context) (*SafetySnapshot, error) {
	var resp SafetySnapshot
	if err := c.get(ctx, "/v1/admin/safety", &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any, admin bool) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sentinel: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("sentinel: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest, admin)
}

func (c *Client) get(ctx context.Context, path string, dest any, admin bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("sentinel: create request: %w", err)
	}

	return c.doRequest(req, dest, admin)
}

func (c *Client) doRequest(req *http.Request, dest any, admin bool) error {
	if admin && c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sentinel: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sentinel: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("sentinel: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("sentinel: decode response data: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
