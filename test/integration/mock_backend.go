package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/opsdash/model"
)

// Operation identifiers of the delivery-operations backend.
const (
	OpRoot          = "root"
	OpListDashboard = "listDashboard"
	OpListFilters   = "listFilters"
	OpGetIssue      = "getIssue"
	OpAnalyzeIssue  = "analyzeIssue"
	OpTakeAction    = "takeAction"
)

// MockBackend is an in-memory delivery-operations backend served over HTTP.
// By default every operation behaves like the real backend against a seeded
// data set. Individual operations can be overridden with canned responses
// and every received request is recorded for later assertion.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server
	now    func() time.Time

	mu           sync.RWMutex
	stores       []model.Store
	issues       map[string]*model.OrderIssue
	insights     map[string]*model.AIInsight
	history      map[string][]model.ResolutionAction
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

// operationConfig holds the canned responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status     int
	body       any
	delay      time.Duration
	connError  bool
	headerFunc func(http.Header)
}

// OperationMock is a builder for configuring canned responses for one operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

// NewMockBackend seeds the data set and starts the HTTP test server.
func NewMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:            t,
		now:          time.Now,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}
	mb.seed()

	r := chi.NewRouter()
	r.Get("/", mb.handle(OpRoot, mb.root))
	r.Get("/dashboard", mb.handle(OpListDashboard, mb.listDashboard))
	r.Get("/filters", mb.handle(OpListFilters, mb.listFilters))
	r.Get("/issues/{orderID}", mb.handle(OpGetIssue, mb.getIssue))
	r.Post("/issues/{orderID}/analyze", mb.handle(OpAnalyzeIssue, mb.analyzeIssue))
	r.Post("/issues/{orderID}/action", mb.handle(OpTakeAction, mb.takeAction))

	mb.server = httptest.NewServer(r)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// --- Seed data ---

// SeedIssueCount is the number of issues in a fresh backend.
const SeedIssueCount = 24

var (
	seedPartners   = []model.DeliveryPartner{model.PartnerDoorDash, model.PartnerUberEats, model.PartnerGrubHub}
	seedIssueTypes = []model.IssueType{model.IssueMissingItem, model.IssueLateDelivery, model.IssueCancellation}
	seedEpoch      = time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)
)

// SeedOrderID returns the order id of the i-th seeded issue, starting at 1.
// Higher numbers were detected later and sort first on the dashboard.
func SeedOrderID(i int) string {
	return fmt.Sprintf("ORD-%d", 1000+i)
}

func (mb *MockBackend) seed() {
	mb.stores = []model.Store{
		{StoreID: "S1", Name: "Downtown Kitchen", City: "Austin"},
		{StoreID: "S2", Name: "Harbor Grill", City: "Seattle"},
		{StoreID: "S3", Name: "Uptown Bistro", City: "Chicago"},
	}
	mb.issues = make(map[string]*model.OrderIssue, SeedIssueCount)
	mb.insights = make(map[string]*model.AIInsight)
	mb.history = make(map[string][]model.ResolutionAction)

	for i := 1; i <= SeedIssueCount; i++ {
		id := SeedOrderID(i)
		mb.issues[id] = &model.OrderIssue{
			OrderID:         id,
			StoreID:         mb.stores[i%len(mb.stores)].StoreID,
			DeliveryPartner: seedPartners[i%len(seedPartners)],
			IssueType:       seedIssueTypes[(i/3)%len(seedIssueTypes)],
			DetectedAt:      model.NewTimestamp(seedEpoch.Add(time.Duration(i) * time.Hour)),
			EstimatedCost:   float64(10 + i),
			Status:          model.StatusOpen,
			AIFlag:          i%4 == 0,
		}
	}
}

// Issue returns a copy of the stored issue.
func (mb *MockBackend) Issue(orderID string) (model.OrderIssue, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	is, ok := mb.issues[orderID]
	if !ok {
		return model.OrderIssue{}, false
	}
	return *is, true
}

// History returns the stored resolution history of an issue.
func (mb *MockBackend) History(orderID string) []model.ResolutionAction {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return append([]model.ResolutionAction(nil), mb.history[orderID]...)
}

// SetStatus overwrites the status of a seeded issue.
func (mb *MockBackend) SetStatus(orderID string, status model.IssueStatus) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if is, ok := mb.issues[orderID]; ok {
		is.Status = status
	}
}

// --- Canned responses ---

// OnOperation returns a builder for configuring responses for the named operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{
		backend: mb,
		opID:    operationID,
	}
}

// RespondWith configures the operation to respond with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		status: status,
		body:   body,
	})
	return om
}

// RespondWithError configures the operation to respond with a
// {"detail": ...} error body.
func (om *OperationMock) RespondWithError(status int, detail string) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		status: status,
		body:   map[string]any{"detail": detail},
	})
	return om
}

// RespondWithDelay holds the default behaviour back by delay to simulate a
// slow backend. The delay ends early when the caller goes away.
func (om *OperationMock) RespondWithDelay(delay time.Duration) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		delay: delay,
	})
	return om
}

// RespondNormally queues a response that uses the default behaviour. It
// ends a sequence of canned responses that should not repeat.
func (om *OperationMock) RespondNormally() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{})
	return om
}

// RespondWithConnectionError configures the operation to close the connection
// to simulate a backend failure.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		connError: true,
	})
	return om
}

// RespondWithHeaders configures additional response headers.
func (om *OperationMock) RespondWithHeaders(status int, body any, headerFunc func(http.Header)) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		status:     status,
		body:       body,
		headerFunc: headerFunc,
	})
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

// handle records the request and serves the next canned response, falling
// back to the stateful handler when none is configured.
func (mb *MockBackend) handle(opID string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		resp := mb.getNextResponse(opID)
		if resp == nil {
			next(w, r)
			return
		}

		if resp.connError {
			// Hijack the connection and close it to simulate a connection error.
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		if resp.headerFunc != nil {
			resp.headerFunc(w.Header())
		}
		if resp.status == 0 {
			next(w, r)
			return
		}
		writeJSON(w, resp.status, resp.body)
	}
}

func (mb *MockBackend) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// --- Assertions ---

// CallCount returns how many requests the operation received.
func (mb *MockBackend) CallCount(operationID string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.receivedByOp[operationID])
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	if actual := mb.CallCount(operationID); actual != expectedCount {
		t.Errorf("mock backend: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the given operation.
// Returns nil if no requests were recorded.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given operation.
func (mb *MockBackend) AllRequests(operationID string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears recorded requests and canned responses for one
// operation so that it behaves statefully again.
func (mb *MockBackend) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.operations, operationID)
	delete(mb.receivedByOp, operationID)
}

// --- Stateful behaviour ---

func (mb *MockBackend) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Delivery Operations Intelligence Platform API",
		"version": "1.0.0",
	})
}

func (mb *MockBackend) listDashboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, ok := intParam(w, q.Get("page"), "page", 1, 1, math.MaxInt)
	if !ok {
		return
	}
	perPage, ok := intParam(w, q.Get("per_page"), "per_page", 10, 1, 50)
	if !ok {
		return
	}

	mb.mu.RLock()
	all := make([]model.OrderIssue, 0, len(mb.issues))
	for _, is := range mb.issues {
		all = append(all, *is)
	}
	mb.mu.RUnlock()

	filtered := all[:0:0]
	for _, is := range all {
		if v := q.Get("store_id"); v != "" && is.StoreID != v {
			continue
		}
		if v := q.Get("partner"); v != "" && string(is.DeliveryPartner) != v {
			continue
		}
		if v := q.Get("issue_type"); v != "" && string(is.IssueType) != v {
			continue
		}
		if v := q.Get("status"); v != "" && string(is.Status) != v {
			continue
		}
		filtered = append(filtered, is)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].DetectedAt.After(filtered[j].DetectedAt.Time)
	})

	var atRisk float64
	var filed, recovered int
	for _, is := range all {
		if is.Status != model.StatusResolved {
			atRisk += is.EstimatedCost
		}
		switch is.Status {
		case model.StatusResolved:
			filed++
			recovered++
		case model.StatusActionTaken:
			filed++
		}
	}
	totalOrders := len(all) * 25

	totalPages := (len(filtered) + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}
	start := min((page-1)*perPage, len(filtered))
	end := min(start+perPage, len(filtered))

	updated := model.NewTimestamp(mb.now())
	writeJSON(w, http.StatusOK, model.DashboardResponse{
		KPIs: model.DashboardKPIs{
			IssuesPercentage:     math.Round(float64(len(all))/float64(totalOrders)*1000) / 10,
			RevenueAtRisk:        math.Round(atRisk*100) / 100,
			ChargebacksFiled:     filed,
			ChargebacksRecovered: recovered,
			AvgResolutionHours:   18.5,
		},
		Issues: filtered[start:end],
		Pagination: model.PaginationInfo{
			Page:       page,
			TotalPages: totalPages,
			TotalItems: len(filtered),
		},
		LastUpdated: &updated,
	})
}

func (mb *MockBackend) listFilters(w http.ResponseWriter, _ *http.Request) {
	mb.mu.RLock()
	stores := append([]model.Store(nil), mb.stores...)
	mb.mu.RUnlock()

	writeJSON(w, http.StatusOK, model.FilterOptions{
		Stores:     stores,
		Partners:   []string{"DoorDash", "UberEats", "GrubHub"},
		IssueTypes: []string{"missing_item", "late_delivery", "cancellation"},
		Statuses:   []string{"open", "reviewed", "action_taken", "resolved"},
	})
}

func (mb *MockBackend) getIssue(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	is, ok := mb.issues[orderID]
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Issue %s not found", orderID))
		return
	}
	var store model.Store
	for _, s := range mb.stores {
		if s.StoreID == is.StoreID {
			store = s
		}
	}
	writeJSON(w, http.StatusOK, model.IssueDetail{
		Issue:             *is,
		Store:             store,
		Insight:           mb.insights[orderID],
		ResolutionHistory: append([]model.ResolutionAction{}, mb.history[orderID]...),
	})
}

func (mb *MockBackend) analyzeIssue(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	mb.mu.Lock()
	defer mb.mu.Unlock()
	is, ok := mb.issues[orderID]
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Issue %s not found", orderID))
		return
	}
	insight := &model.AIInsight{
		OrderID:           orderID,
		RootCause:         rootCauses[is.IssueType],
		ConfidenceScore:   0.87,
		RecommendedAction: string(model.ActionFileChargeback),
		ExpectedRecovery:  math.Round(is.EstimatedCost*0.85*100) / 100,
	}
	mb.insights[orderID] = insight
	if is.Status == model.StatusOpen {
		is.Status = model.StatusReviewed
	}
	writeJSON(w, http.StatusOK, model.AnalysisResponse{
		Success: true,
		Message: "AI analysis completed",
		Insight: insight,
	})
}

var rootCauses = map[model.IssueType]string{
	model.IssueMissingItem:  "Item omitted at packing station during peak hours",
	model.IssueLateDelivery: "Courier assigned after food was ready",
	model.IssueCancellation: "Partner cancelled after driver shortage",
}

func (mb *MockBackend) takeAction(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req model.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Action.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{{
				"loc":  []string{"body", "action"},
				"msg":  "Input should be 'file_chargeback', 'dismiss' or 'escalate'",
				"type": "literal_error",
			}},
		})
		return
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	is, ok := mb.issues[orderID]
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Issue %s not found", orderID))
		return
	}

	outcome, status, message := model.OutcomeIgnored, model.StatusActionTaken, ""
	switch req.Action {
	case model.ActionFileChargeback:
		outcome, status = model.OutcomeRecovered, model.StatusResolved
		message = fmt.Sprintf("Chargeback filed for %s. Expected recovery: $%.2f", orderID, is.EstimatedCost)
	case model.ActionDismiss:
		message = fmt.Sprintf("Issue %s dismissed. No further action required.", orderID)
	case model.ActionEscalate:
		outcome = model.OutcomeEscalated
		message = fmt.Sprintf("Issue %s escalated to account manager for review.", orderID)
	}

	resolution := model.ResolutionAction{
		OrderID:     orderID,
		ActionTaken: req.Action,
		TakenAt:     model.NewTimestamp(mb.now()),
		Outcome:     outcome,
	}
	mb.history[orderID] = append(mb.history[orderID], resolution)
	is.Status = status

	writeJSON(w, http.StatusOK, model.ActionResponse{
		Success:      true,
		Message:      message,
		UpdatedIssue: *is,
		Resolution:   resolution,
	})
}

// intParam parses an optional integer query parameter, writing a 422 like
// the real backend when it is malformed or out of range.
func intParam(w http.ResponseWriter, raw, name string, def, lo, hi int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{{
				"loc":  []string{"query", name},
				"msg":  fmt.Sprintf("Input should be between %d and %d", lo, hi),
				"type": "value_error",
			}},
		})
		return 0, false
	}
	return n, true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
