package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/idempotency"
	"github.com/pitabwire/opsdash/internal/issue"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/internal/session"
	"github.com/pitabwire/opsdash/model"
)

// receiptSaveTimeout bounds storing a receipt after the request is gone.
const receiptSaveTimeout = 5 * time.Second

// issueBody is the detail view plus its derived gates.
type issueBody struct {
	issue.View
	CanAct     bool `json:"can_act"`
	CanAnalyze bool `json:"can_analyze"`
	IsResolved bool `json:"resolved"`
}

func newIssueBody(v issue.View) issueBody {
	return issueBody{View: v, CanAct: v.CanAct(), CanAnalyze: v.CanAnalyze(), IsResolved: v.Resolved()}
}

type actionRequest struct {
	Action string `json:"action"`
}

type actionAccepted struct {
	Receipt  idempotency.Receipt `json:"receipt"`
	Replayed bool                `json:"replayed"`
	Issue    issueBody           `json:"issue"`
}

func (h *handlers) respondIssue(w http.ResponseWriter, r *http.Request, c *issue.Controller, status int) {
	if !h.wait(w, r, c.Wait) {
		return
	}
	WriteJSON(w, status, newIssueBody(c.View()))
}

// getIssue navigates the session's detail view to the order in the path.
func (h *handlers) getIssue(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	s.Detail.Load(chi.URLParam(r, "orderID"))
	h.respondIssue(w, r, s.Detail, http.StatusOK)
}

func (h *handlers) reloadIssue(w http.ResponseWriter, r *http.Request) {
	s, ok := h.displayed(w, r)
	if !ok {
		return
	}
	if err := s.Detail.Reload(); err != nil {
		h.writeRefusal(w, r, err)
		return
	}
	h.respondIssue(w, r, s.Detail, http.StatusAccepted)
}

func (h *handlers) analyzeIssue(w http.ResponseWriter, r *http.Request) {
	s, ok := h.displayed(w, r)
	if !ok {
		return
	}
	if err := s.Detail.HandleAnalyze(); err != nil {
		h.writeRefusal(w, r, err)
		return
	}
	h.respondIssue(w, r, s.Detail, http.StatusAccepted)
}

func (h *handlers) submitAction(w http.ResponseWriter, r *http.Request) {
	s, ok := h.displayed(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	action, err := model.ParseActionType(req.Action)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	orderID := chi.URLParam(r, "orderID")
	logger := observability.LoggerFrom(r.Context(), h.logger)

	receipt := idempotency.Receipt{
		SessionID:  s.ID,
		OrderID:    orderID,
		Action:     action,
		AcceptedAt: time.Now().UTC(),
	}
	hash := idempotency.InputHash(action)

	var key string
	if hdr := r.Header.Get("X-Idempotency-Key"); hdr != "" && h.idempotency != nil {
		key = idempotency.FormatKey(s.ID, orderID, hdr)
		prev, ok := h.lookupReceipt(w, r, key, hash)
		if !ok {
			return
		}
		if prev != nil {
			h.replay(w, r, s, *prev)
			return
		}

		inflight, claimed, err := h.pending.Reserve(key, hash, receipt)
		if err != nil {
			WriteError(w, err)
			return
		}
		if !claimed {
			h.replay(w, r, s, *inflight)
			return
		}
		// A submission under the same key may have settled between the
		// lookup and the reservation.
		prev, ok = h.lookupReceipt(w, r, key, hash)
		if !ok || prev != nil {
			h.pending.Release(key)
			if prev != nil {
				h.replay(w, r, s, *prev)
			}
			return
		}
	}

	var settled func(error)
	if key != "" {
		settled = h.settleReceipt(key, hash, receipt)
	}
	if err := s.Detail.HandleActionFunc(action, settled); err != nil {
		if key != "" {
			h.pending.Release(key)
		}
		h.writeRefusal(w, r, err)
		return
	}

	logger.Info("action accepted",
		zap.String("session_id", s.ID),
		zap.String("order_id", orderID),
		zap.String("action", string(action)),
	)
	h.respondAction(w, r, s, receipt, false)
}

// lookupReceipt returns the stored receipt for key, or nil when there is
// none. It writes the error response and reports false when the lookup
// fails or the key was used for a different action.
func (h *handlers) lookupReceipt(w http.ResponseWriter, r *http.Request, key, hash string) (*idempotency.Receipt, bool) {
	receipt, found, err := h.idempotency.Check(r.Context(), key, hash)
	if err != nil {
		var ee *model.ErrorEnvelope
		if !errors.As(err, &ee) {
			observability.LoggerFrom(r.Context(), h.logger).Error("idempotency check failed", zap.String("key", key), zap.Error(err))
		}
		WriteError(w, err)
		return nil, false
	}
	if !found {
		return nil, true
	}
	return receipt, true
}

// settleReceipt returns the callback that stores the receipt for key once
// the action and its reconciling read have succeeded. A failed submission
// leaves the key free so the operator can retry under it.
func (h *handlers) settleReceipt(key, hash string, receipt idempotency.Receipt) func(error) {
	return func(err error) {
		defer h.pending.Release(key)
		if err != nil {
			h.logger.Debug("action did not succeed, idempotency key not stored",
				zap.String("key", key),
				zap.Error(err),
			)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), receiptSaveTimeout)
		defer cancel()
		if err := h.idempotency.Save(ctx, key, hash, receipt, h.idemTTL); err != nil {
			h.logger.Error("idempotency save failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (h *handlers) replay(w http.ResponseWriter, r *http.Request, s *session.Session, receipt idempotency.Receipt) {
	h.metrics.RecordIdempotentReplay()
	w.Header().Set("X-Idempotent-Replay", "true")
	h.respondAction(w, r, s, receipt, true)
}

func (h *handlers) respondAction(w http.ResponseWriter, r *http.Request, s *session.Session, receipt idempotency.Receipt, replayed bool) {
	if !h.wait(w, r, s.Detail.Wait) {
		return
	}
	WriteJSON(w, http.StatusAccepted, actionAccepted{
		Receipt:  receipt,
		Replayed: replayed,
		Issue:    newIssueBody(s.Detail.View()),
	})
}

// displayed resolves the session and checks that the order in the path is
// the one its detail view shows. Mutations never navigate implicitly.
func (h *handlers) displayed(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s := h.session(w, r)
	if s == nil {
		return nil, false
	}
	orderID := chi.URLParam(r, "orderID")
	if shown := s.Detail.View().OrderID; shown != orderID {
		WriteError(w, model.NewActionRejectedError(
			fmt.Sprintf("issue %q is not open in this session", orderID),
		))
		return nil, false
	}
	return s, true
}

// writeRefusal maps a controller refusal to 409 ACTION_REJECTED.
func (h *handlers) writeRefusal(w http.ResponseWriter, r *http.Request, err error) {
	if issue.IsRefusal(err) {
		observability.LoggerFrom(r.Context(), h.logger).Warn("operator request refused", zap.Error(err))
		WriteError(w, model.NewActionRejectedError(err.Error()))
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Error("unexpected controller error", zap.Error(err))
	WriteError(w, model.NewInternalError())
}
