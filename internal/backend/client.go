// Package backend is the data-access layer for the delivery-operations
// backend. Every method performs exactly one HTTP round trip and reports
// failures as *model.RequestError.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/model"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20

// Human-readable operation names used as the RequestError prefix.
const (
	opFetchDashboard = "failed to fetch dashboard"
	opFetchFilters   = "failed to fetch filters"
	opFetchIssue     = "failed to fetch issue"
	opAnalyzeIssue   = "failed to analyze issue"
	opTakeAction     = "failed to take action"
	opHealthCheck    = "backend health check failed"
)

// call describes one backend operation.
type call struct {
	name string // metric and span label
	op   string // error prefix
}

var (
	callListDashboard = call{"list_dashboard", opFetchDashboard}
	callListFilters   = call{"list_filters", opFetchFilters}
	callGetIssue      = call{"get_issue", opFetchIssue}
	callAnalyzeIssue  = call{"analyze_issue", opAnalyzeIssue}
	callTakeAction    = call{"take_action", opTakeAction}
	callHealthCheck   = call{"health_check", opHealthCheck}
)

// Client talks to the delivery-operations backend. It is safe for
// concurrent use and holds no process-wide state.
type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is used
// as is, without tracing instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for per-call debug logs.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the backend described by cfg.
func New(cfg config.BackendConfig, opts ...Option) (*Client, error) {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		baseURL: base,
		headers: cfg.Headers,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cb := cfg.CircuitBreaker; cb.Enabled {
		c.breaker = NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.OpenTimeout)
		c.breaker.OnStateChange(func(s BreakerState) {
			c.metrics.SetBackendCircuitBreakerState(float64(s))
			c.logger.Warn("backend circuit breaker state changed", zap.String("state", s.String()))
		})
	}
	return c, nil
}

// ListDashboard fetches one page of issues with KPIs. Empty filter fields
// are omitted from the query.
func (c *Client) ListDashboard(ctx context.Context, page, perPage int, filters model.DashboardFilters) (*model.DashboardResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if filters.StoreID != "" {
		q.Set("store_id", filters.StoreID)
	}
	if filters.Partner != "" {
		q.Set("partner", filters.Partner)
	}
	if filters.IssueType != "" {
		q.Set("issue_type", filters.IssueType)
	}
	if filters.Status != "" {
		q.Set("status", filters.Status)
	}

	var out model.DashboardResponse
	if err := c.do(ctx, callListDashboard, http.MethodGet, "/dashboard", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFilterOptions fetches the values available to each dashboard filter.
func (c *Client) ListFilterOptions(ctx context.Context) (*model.FilterOptions, error) {
	var out model.FilterOptions
	if err := c.do(ctx, callListFilters, http.MethodGet, "/filters", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetIssueDetail fetches the full record for one order.
func (c *Client) GetIssueDetail(ctx context.Context, orderID string) (*model.IssueDetail, error) {
	var out model.IssueDetail
	if err := c.do(ctx, callGetIssue, http.MethodGet, issuePath(orderID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestAnalysis asks the backend to generate an insight for the order.
func (c *Client) RequestAnalysis(ctx context.Context, orderID string) (*model.AnalysisResponse, error) {
	var out model.AnalysisResponse
	if err := c.do(ctx, callAnalyzeIssue, http.MethodPost, issuePath(orderID)+"/analyze", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAction records a resolution action against the order.
func (c *Client) SubmitAction(ctx context.Context, orderID string, action model.ActionType) (*model.ActionResponse, error) {
	var out model.ActionResponse
	body := model.ActionRequest{Action: action}
	if err := c.do(ctx, callTakeAction, http.MethodPost, issuePath(orderID)+"/action", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthCheck probes the backend root endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, callHealthCheck, http.MethodGet, "/", nil, nil, nil)
}

func issuePath(orderID string) string {
	return "/issues/" + url.PathEscape(orderID)
}

// do performs one round trip. A nil out discards the response body.
func (c *Client) do(ctx context.Context, cl call, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "backend."+cl.name,
		observability.AttrOperation.String(cl.name),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if c.breaker != nil {
		if berr := c.breaker.Allow(); berr != nil {
			c.metrics.RecordBackendRequest(cl.name, 0, 0)
			return model.NewTransportError(cl.op, berr)
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, merr := json.Marshal(body)
		if merr != nil {
			return model.NewTransportError(cl.op, fmt.Errorf("encode request: %w", merr))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return model.NewTransportError(cl.op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordOutcome(ctx, 0)
		c.metrics.RecordBackendRequest(cl.name, 0, time.Since(start))
		c.logger.Debug("backend request failed",
			zap.String("operation", cl.name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return model.NewTransportError(cl.op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	duration := time.Since(start)
	c.metrics.RecordBackendRequest(cl.name, resp.StatusCode, duration)
	c.logger.Debug("backend request",
		zap.String("operation", cl.name),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
	)
	if err != nil {
		c.recordOutcome(ctx, 0)
		return model.NewTransportError(cl.op, fmt.Errorf("read response: %w", err))
	}
	c.recordOutcome(ctx, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.NewStatusError(cl.op, resp.StatusCode, statusText(resp), detailOf(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return model.NewTransportError(cl.op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// recordOutcome feeds the breaker. Client errors and caller cancellations
// are not backend failures.
func (c *Client) recordOutcome(ctx context.Context, status int) {
	if c.breaker == nil {
		return
	}
	switch {
	case status == 0 && errors.Is(ctx.Err(), context.Canceled):
	case status == 0, status >= 500:
		c.breaker.RecordFailure()
	case status >= 400:
	default:
		c.breaker.RecordSuccess()
	}
}

// statusText returns the reason phrase of resp, e.g. "Not Found".
func statusText(resp *http.Response) string {
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// detailOf extracts the message of a {"detail": ...} error body. Structured
// validation details are rendered as their JSON text.
func detailOf(data []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}
	if string(envelope.Detail) == "null" {
		return ""
	}
	return string(envelope.Detail)
}
