package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/opsdash/internal/dashboard"
	"github.com/pitabwire/opsdash/model"
)

// dashboardBody is the dashboard view plus the pager window.
type dashboardBody struct {
	dashboard.View
	Pages   []int `json:"pages"`
	HasPrev bool  `json:"has_prev"`
	HasNext bool  `json:"has_next"`
}

func newDashboardBody(v dashboard.View) dashboardBody {
	b := dashboardBody{View: v, Pages: v.Pages()}
	if v.Result != nil {
		b.HasPrev = v.Result.Pagination.HasPrev()
		b.HasNext = v.Result.Pagination.HasNext()
	}
	return b
}

func (h *handlers) respondDashboard(w http.ResponseWriter, r *http.Request, c *dashboard.Controller, status int) {
	if !h.wait(w, r, c.Wait) {
		return
	}
	WriteJSON(w, status, newDashboardBody(c.View()))
}

func (h *handlers) getDashboard(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	h.respondDashboard(w, r, s.Dashboard, http.StatusOK)
}

func (h *handlers) putFilters(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	var f model.DashboardFilters
	if !decodeBody(w, r, &f) {
		return
	}
	s.Dashboard.SetFilters(f)
	h.respondDashboard(w, r, s.Dashboard, http.StatusOK)
}

type pageRequest struct {
	Page *int `json:"page"`
}

func (h *handlers) putPage(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	var req pageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Page == nil {
		WriteBadRequest(w, "page is required")
		return
	}
	s.Dashboard.SetPage(*req.Page)
	h.respondDashboard(w, r, s.Dashboard, http.StatusOK)
}

func (h *handlers) refreshDashboard(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	s.Dashboard.Refresh()
	h.respondDashboard(w, r, s.Dashboard, http.StatusOK)
}

func (h *handlers) retryDashboard(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	s.Dashboard.Retry()
	h.respondDashboard(w, r, s.Dashboard, http.StatusOK)
}

// decodeBody decodes a JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "Malformed request body: "+err.Error())
		return false
	}
	return true
}
