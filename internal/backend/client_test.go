package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/model"
)

const dashboardJSON = `{
  "kpis": {"issues_percentage": 12.5, "revenue_at_risk": 431.2, "chargebacks_filed": 4,
           "chargebacks_recovered": 2, "avg_resolution_hours": 18.4, "total_recovered": 120.5},
  "issues": [{"order_id": "ORD-1001", "store_id": "S1", "delivery_partner": "DoorDash",
              "issue_type": "missing_item", "detected_at": "2024-01-15T10:30:00",
              "estimated_cost": 23.5, "status": "open", "ai_flag": true, "recovered_amount": 0}],
  "pagination": {"page": 2, "total_pages": 5, "total_items": 47}
}`

const detailJSON = `{
  "issue": {"order_id": "ORD 7/1", "store_id": "S1", "delivery_partner": "UberEats",
            "issue_type": "late_delivery", "detected_at": "2024-01-15T10:30:00.123456",
            "estimated_cost": 15, "status": "reviewed", "ai_flag": false, "recovered_amount": 0},
  "store": {"store_id": "S1", "name": "Downtown", "city": "Austin"},
  "insight": null,
  "resolution_history": []
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*config.BackendConfig)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.BackendConfig{BaseURL: srv.URL}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, srv
}

func TestNew_rejectsRelativeBaseURL(t *testing.T) {
	_, err := New(config.BackendConfig{BaseURL: "/api"})
	assert.Error(t, err)
}

func TestListDashboard_encodesQuery(t *testing.T) {
	var gotQuery string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dashboard", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, dashboardJSON)
	})

	resp, err := c.ListDashboard(context.Background(), 2, 10, model.DashboardFilters{
		StoreID: "S1",
		Status:  "open",
	})
	require.NoError(t, err)

	assert.Equal(t, "page=2&per_page=10&status=open&store_id=S1", gotQuery)
	assert.Equal(t, 47, resp.Pagination.TotalItems)
	require.Len(t, resp.Issues, 1)
	assert.Equal(t, model.IssueMissingItem, resp.Issues[0].IssueType)
	assert.Equal(t, 10, resp.Issues[0].DetectedAt.Hour())
	require.NotNil(t, resp.KPIs.TotalRecovered)
	assert.InDelta(t, 120.5, *resp.KPIs.TotalRecovered, 0.001)
	assert.Nil(t, resp.KPIs.RecoveryRate)
}

func TestListDashboard_omitsEmptyFilters(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "page=1&per_page=10", r.URL.RawQuery)
		_, _ = io.WriteString(w, dashboardJSON)
	})

	_, err := c.ListDashboard(context.Background(), 1, 10, model.DashboardFilters{})
	require.NoError(t, err)
}

func TestGetIssueDetail_escapesOrderID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/issues/ORD%207%2F1", r.URL.EscapedPath())
		_, _ = io.WriteString(w, detailJSON)
	})

	detail, err := c.GetIssueDetail(context.Background(), "ORD 7/1")
	require.NoError(t, err)
	assert.Equal(t, "Downtown", detail.Store.Name)
	assert.Nil(t, detail.Insight)
	assert.Empty(t, detail.ResolutionHistory)
}

func TestSubmitAction_sendsBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/issues/ORD-1/action", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body model.ActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, model.ActionEscalate, body.Action)

		_, _ = io.WriteString(w, `{"success": true, "message": "Issue escalated",
			"updated_issue": {"order_id": "ORD-1", "status": "action_taken", "detected_at": "2024-01-15T10:30:00"},
			"resolution": {"order_id": "ORD-1", "action_taken": "escalate", "taken_at": "2024-01-16T09:00:00", "outcome": "escalated"}}`)
	})

	resp, err := c.SubmitAction(context.Background(), "ORD-1", model.ActionEscalate)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, model.StatusActionTaken, resp.UpdatedIssue.Status)
	assert.Equal(t, model.OutcomeEscalated, resp.Resolution.Outcome)
}

func TestRequestAnalysis_post(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/issues/ORD-1/analyze", r.URL.Path)
		_, _ = io.WriteString(w, `{"success": true, "insight": {"order_id": "ORD-1", "root_cause": "Packing error",
			"confidence_score": 0.82, "recommended_action": "file_chargeback", "expected_recovery": 20}}`)
	})

	resp, err := c.RequestAnalysis(context.Background(), "ORD-1")
	require.NoError(t, err)
	require.NotNil(t, resp.Insight)
	assert.Equal(t, "Packing error", resp.Insight.RootCause)
}

func TestClient_statusErrorCarriesReasonAndDetail(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail": "Issue not found"}`)
	})

	_, err := c.GetIssueDetail(context.Background(), "ORD-404")
	require.Error(t, err)

	var re *model.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, model.KindStatus, re.Kind)
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.Equal(t, "failed to fetch issue: Not Found", err.Error())
	assert.Equal(t, "Issue not found", re.Detail)
	assert.True(t, model.IsStatus(err, http.StatusNotFound))
}

func TestClient_validationDetailIsRenderedAsJSON(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail": [{"loc": ["query", "per_page"], "msg": "too large"}]}`)
	})

	_, err := c.ListDashboard(context.Background(), 1, 500, model.DashboardFilters{})
	var re *model.RequestError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Detail, "per_page")
}

func TestClient_transportError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.ListFilterOptions(context.Background())
	var re *model.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, model.KindTransport, re.Kind)
	assert.Contains(t, err.Error(), "failed to fetch filters")
}

func TestClient_undecodableBodyIsTransportError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>gateway</html>")
	})

	_, err := c.ListFilterOptions(context.Background())
	var re *model.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, model.KindTransport, re.Kind)
}

func TestClient_cancelledContext(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetIssueDetail(ctx, "ORD-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_sendsConfiguredHeaders(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "opsdash", r.Header.Get("X-Client"))
		_, _ = io.WriteString(w, `{"stores": [], "partners": [], "issue_types": [], "statuses": []}`)
	}, func(cfg *config.BackendConfig) {
		cfg.Headers = map[string]string{"X-Client": "opsdash"}
	})

	_, err := c.ListFilterOptions(context.Background())
	require.NoError(t, err)
}

func TestClient_exactlyOneRoundTripOnFailure(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ListDashboard(context.Background(), 1, 10, model.DashboardFilters{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_breakerFailsFastWithoutRoundTrip(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(cfg *config.BackendConfig) {
		cfg.CircuitBreaker = config.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			SuccessThreshold: 1,
			OpenTimeout:      time.Hour,
		}
	})

	for i := 0; i < 2; i++ {
		_, err := c.GetIssueDetail(context.Background(), "ORD-1")
		require.True(t, model.IsStatus(err, http.StatusInternalServerError))
	}

	_, err := c.GetIssueDetail(context.Background(), "ORD-1")
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_clientErrorsDoNotTripBreaker(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, func(cfg *config.BackendConfig) {
		cfg.CircuitBreaker = config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1}
	})

	for i := 0; i < 3; i++ {
		_, err := c.GetIssueDetail(context.Background(), "ORD-1")
		require.True(t, model.IsStatus(err, http.StatusNotFound))
	}
	assert.Equal(t, BreakerClosed, c.breaker.State())
}

func TestClient_recordsMetrics(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, detailJSON)
	}))
	defer srv.Close()

	c, err := New(config.BackendConfig{BaseURL: srv.URL}, WithMetrics(m))
	require.NoError(t, err)

	_, err = c.GetIssueDetail(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("get_issue", "200")))
}

func TestClient_healthCheck(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		_, _ = io.WriteString(w, `{"message": "ok"}`)
	})
	assert.NoError(t, c.HealthCheck(context.Background()))
}
