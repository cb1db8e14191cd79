package model

// DashboardFilters is a sparse predicate over the issue list. An empty field
// places no constraint. The struct is comparable and is used as the key that
// decides when to re-fetch and when to reset pagination.
type DashboardFilters struct {
	StoreID   string `json:"store_id,omitempty"`
	Partner   string `json:"partner,omitempty"`
	IssueType string `json:"issue_type,omitempty"`
	Status    string `json:"status,omitempty"`
}

// IsEmpty reports whether no field is constrained.
func (f DashboardFilters) IsEmpty() bool {
	return f == DashboardFilters{}
}

// PaginationInfo is computed by the backend; the client never derives it.
type PaginationInfo struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
	TotalItems int `json:"total_items"`
}

// HasPrev reports whether a previous page exists.
func (p PaginationInfo) HasPrev() bool {
	return p.Page > 1
}

// HasNext reports whether a following page exists.
func (p PaginationInfo) HasNext() bool {
	return p.Page < p.TotalPages
}

// Window returns at most size page numbers to offer for direct navigation,
// keeping the current page centred once it is away from either end.
func (p PaginationInfo) Window(size int) []int {
	if size < 1 || p.TotalPages < 1 {
		return nil
	}
	n := size
	if p.TotalPages < n {
		n = p.TotalPages
	}

	var first int
	switch {
	case p.TotalPages <= size:
		first = 1
	case p.Page <= size/2+1:
		first = 1
	case p.Page >= p.TotalPages-size/2:
		first = p.TotalPages - size + 1
	default:
		first = p.Page - size/2
	}

	pages := make([]int, n)
	for i := range pages {
		pages[i] = first + i
	}
	return pages
}

// DashboardKPIs are aggregate metrics computed by the backend.
type DashboardKPIs struct {
	IssuesPercentage     float64  `json:"issues_percentage"`
	RevenueAtRisk        float64  `json:"revenue_at_risk"`
	ChargebacksFiled     int      `json:"chargebacks_filed"`
	ChargebacksRecovered int      `json:"chargebacks_recovered"`
	AvgResolutionHours   float64  `json:"avg_resolution_hours"`
	TotalRecovered       *float64 `json:"total_recovered,omitempty"`
	RecoveryRate         *float64 `json:"recovery_rate,omitempty"`
	PendingRecovery      *float64 `json:"pending_recovery,omitempty"`
}

// DashboardResponse is one page of the issue list plus KPIs.
type DashboardResponse struct {
	KPIs        DashboardKPIs  `json:"kpis"`
	Issues      []OrderIssue   `json:"issues"`
	Pagination  PaginationInfo `json:"pagination"`
	LastUpdated *Timestamp     `json:"last_updated,omitempty"`
}

// FilterOptions lists the values the dashboard filters can take.
type FilterOptions struct {
	Stores     []Store  `json:"stores"`
	Partners   []string `json:"partners"`
	IssueTypes []string `json:"issue_types"`
	Statuses   []string `json:"statuses"`
}

// StoreByID looks up a store by its identifier.
func (o *FilterOptions) StoreByID(id string) (Store, bool) {
	if o == nil {
		return Store{}, false
	}
	for _, s := range o.Stores {
		if s.StoreID == id {
			return s, true
		}
	}
	return Store{}, false
}
