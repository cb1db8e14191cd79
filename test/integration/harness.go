// Package integration provides a reusable test harness for end-to-end
// integration testing of the opsdash session API. It starts a full HTTP
// server against a mock delivery-operations backend, with an in-memory or
// Redis-backed idempotency store and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/opsdash/internal/backend"
	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/internal/dashboard"
	"github.com/pitabwire/opsdash/internal/idempotency"
	"github.com/pitabwire/opsdash/internal/issue"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/internal/session"
	"github.com/pitabwire/opsdash/internal/transport"
	"github.com/pitabwire/opsdash/model"
)

// TestHarness encapsulates a fully wired session API with a mock backend
// for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Backend     *MockBackend
	Client      *backend.Client
	Sessions    *session.Manager
	Idempotency idempotency.Store
	Redis       *miniredis.Miniredis
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout  time.Duration
	backendTimeout  time.Duration
	successWindow   time.Duration
	maxSessions     int
	idempotency     bool
	redis           bool
	idempotencyTTL  time.Duration
	breaker         config.CircuitBreakerConfig
	metricsEndpoint bool
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithBackendTimeout bounds every backend call.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.backendTimeout = d
	}
}

// WithSuccessWindow sets how long action success messages stay visible.
func WithSuccessWindow(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.successWindow = d
	}
}

// WithMaxSessions caps the number of open sessions.
func WithMaxSessions(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxSessions = n
	}
}

// WithoutIdempotency disables idempotency key handling.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = false
	}
}

// WithRedisIdempotency stores idempotency receipts in an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = true
		c.redis = true
	}
}

// WithIdempotencyTTL sets how long receipts are kept.
func WithIdempotencyTTL(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyTTL = d
	}
}

// WithCircuitBreaker enables the backend circuit breaker.
func WithCircuitBreaker(failures int, openTimeout time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = config.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: failures,
			SuccessThreshold: 1,
			OpenTimeout:      openTimeout,
		}
	}
}

// WithMetricsEndpoint exposes the Prometheus endpoint.
func WithMetricsEndpoint() HarnessOption {
	return func(c *harnessConfig) {
		c.metricsEndpoint = true
	}
}

// NewTestHarness creates and starts a full session API test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		backendTimeout: 5 * time.Second,
		successWindow:  time.Second,
		maxSessions:    100,
		idempotency:    true,
		idempotencyTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(t),
		Backend:  NewMockBackend(t),
		Registry: prometheus.NewRegistry(),
	}
	h.Metrics = observability.InitMetrics(h.Registry)

	// Step 1: Build config.
	h.cfg = &config.Config{
		Server: config.ServerConfig{
			Port:           0, // unused, httptest picks a port
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:   h.issuer.Issuer(),
			Audience: h.issuer.Audience(),
		},
		Backend: config.BackendConfig{
			BaseURL:        h.Backend.URL(),
			Timeout:        hc.backendTimeout,
			CircuitBreaker: hc.breaker,
		},
		Dashboard: config.DashboardConfig{PerPage: 10},
		Detail:    config.DetailConfig{SuccessDisplayWindow: hc.successWindow},
		Sessions: config.SessionsConfig{
			IdleTTL:     time.Hour,
			MaxSessions: hc.maxSessions,
		},
		Idempotency: config.IdempotencyConfig{
			Enabled: hc.idempotency,
			TTL:     hc.idempotencyTTL,
		},
		Observability: config.ObservabilityConfig{
			Metrics: config.MetricsConfig{Enabled: hc.metricsEndpoint, Path: "/metrics"},
		},
	}

	// Step 2: Build the data-access layer.
	client, err := backend.New(h.cfg.Backend, backend.WithMetrics(h.Metrics))
	if err != nil {
		t.Fatalf("backend client: %v", err)
	}
	h.Client = client

	// Step 3: Build the idempotency store.
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		rc := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = rc.Close() })
		h.Idempotency = idempotency.NewRedisStore(rc)
	} else if hc.idempotency {
		h.Idempotency = idempotency.NewMemoryStore()
	}

	// Step 4: Build the session registry.
	h.Sessions = session.NewManager(client, h.cfg.Sessions,
		session.WithMetrics(h.Metrics),
		session.WithDashboardOptions(dashboard.WithPerPage(h.cfg.Dashboard.PerPage)),
		session.WithIssueOptions(
			issue.WithSuccessWindow(h.cfg.Detail.SuccessDisplayWindow),
			issue.WithMetrics(h.Metrics),
		),
	)
	t.Cleanup(h.Sessions.Shutdown)

	readiness := observability.ReadinessChecks{
		Sessions: h.Sessions,
		Backend:  client,
	}
	if h.Idempotency != nil {
		readiness.IdempotencyStore = observability.HealthCheckFunc(h.Idempotency.Ping)
	}

	// Step 5: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Metrics:      h.Metrics,
		Sessions:     h.Sessions,
		Idempotency:  h.Idempotency,
		Readiness:    readiness,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodDelete, path, nil, token, nil)
}

// Do performs a request against the session API.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and error code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) ErrorBody {
	t.Helper()
	var body ErrorBody
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body
}

// --- Session helpers ---

// OpenSession creates a session for the token's subject and waits for its
// first dashboard page.
func (h *TestHarness) OpenSession(t *testing.T, token string) SessionView {
	t.Helper()
	var s SessionView
	h.AssertJSON(t, h.POST("/v1/sessions?wait=true", nil, token), http.StatusCreated, &s)
	return s
}

// SessionPath builds a path under the given session.
func SessionPath(sessionID string, elems ...string) string {
	return "/v1/sessions/" + sessionID + "/" + strings.Join(elems, "/")
}

// OpenIssue navigates the session's detail view and waits for it to settle.
func (h *TestHarness) OpenIssue(t *testing.T, token, sessionID, orderID string) IssueView {
	t.Helper()
	var v IssueView
	h.AssertJSON(t, h.GET(SessionPath(sessionID, "issues", orderID)+"?wait=true", token), http.StatusOK, &v)
	return v
}

// Eventually polls cond until it holds or timeout passes.
func (h *TestHarness) Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string, args ...any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if !waitFor(ctx, cond) {
		t.Fatalf("condition not met within %s: %s", timeout, fmt.Sprintf(msg, args...))
	}
}

// --- Response shapes ---

// ErrorBody is the session API error envelope.
type ErrorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// DashboardView is the dashboard body returned by the session API.
type DashboardView struct {
	Filters              model.DashboardFilters   `json:"filters"`
	Page                 int                      `json:"page"`
	PerPage              int                      `json:"per_page"`
	Result               *model.DashboardResponse `json:"result"`
	Loading              bool                     `json:"loading"`
	Error                string                   `json:"error"`
	FilterOptions        *model.FilterOptions     `json:"filter_options"`
	FilterOptionsLoading bool                     `json:"filter_options_loading"`
	FilterOptionsError   string                   `json:"filter_options_error"`
	Pages                []int                    `json:"pages"`
	HasPrev              bool                     `json:"has_prev"`
	HasNext              bool                     `json:"has_next"`
}

// SessionView is the body returned when a session is created.
type SessionView struct {
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	Dashboard DashboardView `json:"dashboard"`
}

// IssueView is the detail body returned by the session API.
type IssueView struct {
	OrderID        string             `json:"order_id"`
	Detail         *model.IssueDetail `json:"detail"`
	PageLoading    bool               `json:"page_loading"`
	PageError      string             `json:"page_error"`
	AnalyzeLoading bool               `json:"analyze_loading"`
	AnalyzeError   string             `json:"analyze_error"`
	ActionLoading  string             `json:"action_loading"`
	ActionPhase    string             `json:"action_phase"`
	ActionError    string             `json:"action_error"`
	SuccessMessage string             `json:"success_message"`
	CanAct         bool               `json:"can_act"`
	CanAnalyze     bool               `json:"can_analyze"`
	Resolved       bool               `json:"resolved"`
}

// ActionView is the body returned when an action is accepted.
type ActionView struct {
	Receipt  idempotency.Receipt `json:"receipt"`
	Replayed bool                `json:"replayed"`
	Issue    IssueView           `json:"issue"`
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for a delivery operations analyst.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		Email:     "operator@opsdash.example.com",
	}
}

// SupervisorClaims returns TestClaims for a second, unrelated operator.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-supervisor",
		Email:     "supervisor@opsdash.example.com",
	}
}
