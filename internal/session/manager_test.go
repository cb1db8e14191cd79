package session

import (
	"context"
	"errors"
	"sync"
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

// stubSource answers every call immediately.
type stubSource struct {
	mu    sync.Mutex
	reads int
}

func (s *stubSource) ListDashboard(_ context.Context, page, _ int, _ model.DashboardFilters) (*model.DashboardResponse, error) {
	return &model.DashboardResponse{
		Issues:     []model.OrderIssue{},
		Pagination: model.PaginationInfo{Page: page, TotalPages: 1, TotalItems: 0},
	}, nil
}

func (s *stubSource) ListFilterOptions(context.Context) (*model.FilterOptions, error) {
	return &model.FilterOptions{}, nil
}

func (s *stubSource) GetIssueDetail(_ context.Context, orderID string) (*model.IssueDetail, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return &model.IssueDetail{Issue: model.OrderIssue{OrderID: orderID, Status: model.StatusOpen}}, nil
}

func (s *stubSource) RequestAnalysis(context.Context, string) (*model.AnalysisResponse, error) {
	return &model.AnalysisResponse{Success: true}, nil
}

func (s *stubSource) SubmitAction(context.Context, string, model.ActionType) (*model.ActionResponse, error) {
	return &model.ActionResponse{Success: true}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, cfg config.SessionsConfig, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	m := NewManager(&stubSource{}, cfg, opts...)
	m.now = clock.Now
	t.Cleanup(m.Shutdown)
	return m, clock
}

func settled(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Dashboard.Wait(ctx))
	require.NoError(t, s.Detail.Wait(ctx))
}

func TestManager_CreateAndGet(t *testing.T) {
	m, _ := newManager(t, config.SessionsConfig{MaxSessions: 10})

	s, err := m.Create("op-1")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "op-1", s.Owner)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID, "op-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	settled(t, s)
	v := s.Dashboard.View()
	assert.NotNil(t, v.Result)
	assert.Equal(t, 1, v.Page)
}

func TestManager_GetForeignOrUnknown(t *testing.T) {
	m, _ := newManager(t, config.SessionsConfig{MaxSessions: 10})
	s, err := m.Create("op-1")
	require.NoError(t, err)

	_, err = m.Get(s.ID, "op-2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get("no-such-session", "op-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.Close(s.ID, "op-2"), ErrNotFound)
	assert.Equal(t, 1, m.Len())
}

func TestManager_Limit(t *testing.T) {
	m, _ := newManager(t, config.SessionsConfig{MaxSessions: 2})

	_, err := m.Create("op-1")
	require.NoError(t, err)
	_, err = m.Create("op-1")
	require.NoError(t, err)

	_, err = m.Create("op-1")
	assert.ErrorIs(t, err, ErrLimit)
	assert.ErrorIs(t, m.HealthCheck(context.Background()), ErrLimit)
}

func TestManager_CloseAbandonsWork(t *testing.T) {
	m, _ := newManager(t, config.SessionsConfig{MaxSessions: 10})
	s, err := m.Create("op-1")
	require.NoError(t, err)
	settled(t, s)

	require.NoError(t, m.Close(s.ID, "op-1"))
	assert.Equal(t, 0, m.Len())

	_, err = m.Get(s.ID, "op-1")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Detail.Load("ORD-1")
	assert.Empty(t, s.Detail.View().OrderID, "closed detail controller should ignore loads")
}

func TestManager_SweepExpiresIdleSessions(t *testing.T) {
	m, clock := newManager(t, config.SessionsConfig{MaxSessions: 10, IdleTTL: 30 * time.Minute})

	idle, err := m.Create("op-1")
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	busy, err := m.Create("op-2")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	_, err = m.Get(busy.ID, "op-2")
	require.NoError(t, err)

	assert.Equal(t, 1, m.Sweep())
	_, err = m.Get(idle.ID, "op-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(busy.ID, "op-2")
	assert.NoError(t, err)
}

func TestManager_SweepWithoutTTL(t *testing.T) {
	m, clock := newManager(t, config.SessionsConfig{MaxSessions: 10})
	_, err := m.Create("op-1")
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	assert.Zero(t, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestManager_RunStopsWithContext(t *testing.T) {
	m, _ := newManager(t, config.SessionsConfig{MaxSessions: 10, SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestManager_Metrics(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	m, clock := newManager(t, config.SessionsConfig{MaxSessions: 10, IdleTTL: time.Minute}, WithMetrics(metrics))

	_, err := m.Create("op-1")
	require.NoError(t, err)
	_, err = m.Create("op-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SessionsActive))

	clock.Advance(2 * time.Minute)
	m.Sweep()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SessionsExpiredTotal))
}

func TestManager_Shutdown(t *testing.T) {
	m, _ := newManager(t, config.SessionsConfig{MaxSessions: 10})
	_, err := m.Create("op-1")
	require.NoError(t, err)

	m.Shutdown()
	assert.Equal(t, 0, m.Len())
	_, err = m.Create("op-1")
	assert.Error(t, err)
	assert.Error(t, m.HealthCheck(context.Background()))
	assert.False(t, errors.Is(m.HealthCheck(context.Background()), ErrLimit))
}
