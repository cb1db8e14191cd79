package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/idempotency"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/internal/session"
	"github.com/pitabwire/opsdash/model"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// handlers serves the session API.
type handlers struct {
	sessions    *session.Manager
	idempotency idempotency.Store
	pending     *idempotency.Pending
	idemTTL     time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
}

type sessionCreated struct {
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	Dashboard dashboardBody `json:"dashboard"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Create(model.SubjectFrom(r.Context()))
	if err != nil {
		if errors.Is(err, session.ErrLimit) {
			WriteError(w, model.NewSessionLimitError())
			return
		}
		observability.LoggerFrom(r.Context(), h.logger).Error("session create failed", zap.Error(err))
		WriteError(w, model.NewInternalError())
		return
	}

	if !h.wait(w, r, s.Dashboard.Wait) {
		return
	}
	WriteJSON(w, http.StatusCreated, sessionCreated{
		SessionID: s.ID,
		CreatedAt: s.CreatedAt,
		Dashboard: newDashboardBody(s.Dashboard.View()),
	})
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.sessions.Close(id, model.SubjectFrom(r.Context())); err != nil {
		WriteError(w, model.NewSessionNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// session resolves the session named in the path. It writes a 404 and
// returns nil when the caller does not own an open session by that id.
func (h *handlers) session(w http.ResponseWriter, r *http.Request) *session.Session {
	id := chi.URLParam(r, "sessionID")
	s, err := h.sessions.Get(id, model.SubjectFrom(r.Context()))
	if err != nil {
		WriteError(w, model.NewSessionNotFoundError(id))
		return nil
	}
	return s
}

// wait blocks on waitFn when the request asks for a settled view with
// ?wait=true. It writes a 504 and returns false when the request deadline
// passes first.
func (h *handlers) wait(w http.ResponseWriter, r *http.Request, waitFn func(context.Context) error) bool {
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !ok {
		return true
	}
	if err := waitFn(r.Context()); err != nil {
		WriteError(w, model.NewBackendTimeoutError())
		return false
	}
	return true
}
