// Package session keeps the live dashboard and detail controllers of each
// operator session. Sessions expire after a period of inactivity.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/internal/dashboard"
	"github.com/pitabwire/opsdash/internal/issue"
	"github.com/pitabwire/opsdash/internal/observability"
)

var (
	// ErrNotFound is returned for unknown, expired or foreign sessions.
	ErrNotFound = errors.New("session not found")
	// ErrLimit is returned when the maximum number of sessions is open.
	ErrLimit = errors.New("session limit reached")
)

// Source is everything the session controllers read from and write to.
type Source interface {
	dashboard.Source
	issue.Source
}

// Session is one operator's view state.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	Dashboard *dashboard.Controller
	Detail    *issue.Controller

	mu       sync.Mutex
	lastSeen time.Time
}

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) close() {
	s.Dashboard.Close()
	s.Detail.Close()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics enables the session gauges.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithDashboardOptions sets the options of every new dashboard controller.
func WithDashboardOptions(opts ...dashboard.Option) Option {
	return func(m *Manager) { m.dashOpts = append(m.dashOpts, opts...) }
}

// WithIssueOptions sets the options of every new detail controller.
func WithIssueOptions(opts ...issue.Option) Option {
	return func(m *Manager) { m.issueOpts = append(m.issueOpts, opts...) }
}

// Manager is the session registry. It is safe for concurrent use.
type Manager struct {
	src       Source
	cfg       config.SessionsConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	dashOpts  []dashboard.Option
	issueOpts []issue.Option
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates an empty registry. Controllers it creates fetch from
// src until their session is closed.
func NewManager(src Source, cfg config.SessionsConfig, opts ...Option) *Manager {
	m := &Manager{
		src:      src,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Create opens a session for owner. Its dashboard starts loading at once.
func (m *Manager) Create(owner string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("session manager is shut down")
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, ErrLimit
	}

	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: now,
		Dashboard: dashboard.New(m.ctx, m.src, m.dashOpts...),
		Detail:    issue.New(m.src, m.issueOpts...),
		lastSeen:  now,
	}
	m.sessions[s.ID] = s
	m.metrics.SetSessionsActive(len(m.sessions))

	m.logger.Info("session opened", zap.String("session_id", s.ID), zap.String("owner", owner))
	return s, nil
}

// Get returns the session and marks it as used. Sessions belonging to a
// different owner are reported as not found.
func (m *Manager) Get(id, owner string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.Owner != owner {
		return nil, ErrNotFound
	}
	s.touch(m.now())
	return s, nil
}

// Close closes one session and abandons its in-flight work.
func (m *Manager) Close(id, owner string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Owner != owner {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.metrics.SetSessionsActive(len(m.sessions))
	m.mu.Unlock()

	s.close()
	m.logger.Info("session closed", zap.String("session_id", id))
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes every session idle for longer than the configured TTL and
// returns how many were closed.
func (m *Manager) Sweep() int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleTTL)

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.metrics.SetSessionsActive(len(m.sessions))
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
		m.logger.Info("session expired", zap.String("session_id", s.ID))
	}
	m.metrics.RecordSessionsExpired(len(expired))
	return len(expired)
}

// Run sweeps idle sessions on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("idle sessions swept", zap.Int("count", n))
			}
		}
	}
}

// Shutdown closes every session and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.metrics.SetSessionsActive(0)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	m.cancel()
}

// HealthCheck reports whether new sessions can be opened.
func (m *Manager) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("session manager is shut down")
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return fmt.Errorf("%w (%d open)", ErrLimit, len(m.sessions))
	}
	return nil
}
