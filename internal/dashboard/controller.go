// Package dashboard holds the paginated, filterable issue query and its
// derived view. The controller keeps at most one authoritative request in
// flight: starting a new query cancels the previous one, and only the most
// recently started query may write state.
package dashboard

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/inflight"
	"github.com/pitabwire/opsdash/model"
)

// DefaultPerPage is the page size used when none is configured.
const DefaultPerPage = 10

// pagerWindow is the number of page numbers a pager shows at once.
const pagerWindow = 5

// Source is the subset of the data-access layer the dashboard reads from.
type Source interface {
	ListDashboard(ctx context.Context, page, perPage int, filters model.DashboardFilters) (*model.DashboardResponse, error)
	ListFilterOptions(ctx context.Context) (*model.FilterOptions, error)
}

// View is an immutable snapshot of the dashboard state.
type View struct {
	Filters model.DashboardFilters   `json:"filters"`
	Page    int                      `json:"page"`
	PerPage int                      `json:"per_page"`
	Result  *model.DashboardResponse `json:"result"`
	Loading bool                     `json:"loading"`
	Err     error                    `json:"-"`
	Error   string                   `json:"error,omitempty"`

	FilterOptions        *model.FilterOptions `json:"filter_options"`
	FilterOptionsLoading bool                 `json:"filter_options_loading"`
	FilterOptionsError   string               `json:"filter_options_error,omitempty"`
}

// Pages returns the page numbers a pager should offer, centred on the
// current result page. It is empty until a result is available.
func (v View) Pages() []int {
	if v.Result == nil {
		return nil
	}
	return v.Result.Pagination.Window(pagerWindow)
}

// Option configures a Controller.
type Option func(*Controller)

// WithPerPage sets the page size sent with every query.
func WithPerPage(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.perPage = n
		}
	}
}

// WithQuery sets the filters and page of the initial query.
func WithQuery(f model.DashboardFilters, page int) Option {
	return func(c *Controller) { c.key = queryKey{filters: f, page: page} }
}

// WithLogger sets the controller logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// queryKey identifies a dashboard request.
type queryKey struct {
	filters model.DashboardFilters
	page    int
}

// Controller owns the dashboard query state. It is safe for concurrent use.
type Controller struct {
	src     Source
	perPage int
	logger  *zap.Logger

	ctx      context.Context
	cancelFn context.CancelFunc

	mu       sync.Mutex
	key      queryKey
	seq      uint64
	cancel   context.CancelFunc
	result   *model.DashboardResponse
	loading  bool
	err      error
	options  *model.FilterOptions
	optLoad  bool
	optErr   error
	closed   bool

	pending inflight.Tracker
}

// New creates a controller, fetches the filter options once and starts the
// initial query. The initial query is page 1 with no filters unless
// WithQuery says otherwise. Fetches run until ctx is done or Close is called.
func New(ctx context.Context, src Source, opts ...Option) *Controller {
	c := &Controller{
		src:     src,
		perPage: DefaultPerPage,
		logger:  zap.NewNop(),
		key:     queryKey{page: 1},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancelFn = context.WithCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadFilterOptionsLocked()
	c.reconcileLocked()
	return c
}

// View returns a snapshot of the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	return View{
		Filters:              c.key.filters,
		Page:                 c.key.page,
		PerPage:              c.perPage,
		Result:               c.result,
		Loading:              c.loading,
		Err:                  c.err,
		Error:                model.ErrorMessage(c.err),
		FilterOptions:        c.options,
		FilterOptionsLoading: c.optLoad,
		FilterOptionsError:   model.ErrorMessage(c.optErr),
	}
}

// SetFilters replaces the filters wholesale and returns to page 1.
func (c *Controller) SetFilters(f model.DashboardFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveLocked(queryKey{filters: f, page: 1})
}

// SetPage moves to page n. The value is not clamped to the known page count.
func (c *Controller) SetPage(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveLocked(queryKey{filters: c.key.filters, page: n})
}

// Refresh clears the filters, returns to page 1 and always re-queries.
func (c *Controller) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.key = queryKey{page: 1}
	c.reconcileLocked()
}

// Retry re-issues the current query unchanged.
func (c *Controller) Retry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.reconcileLocked()
}

// Store resolves a store by identifier from the filter options.
func (c *Controller) Store(id string) (model.Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options.StoreByID(id)
}

// Wait blocks until every in-flight fetch has settled or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	return c.pending.Wait(ctx)
}

// Close abandons all in-flight fetches. Their results are discarded and no
// further queries are started.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.seq++
	c.mu.Unlock()
	c.cancelFn()
}

func (c *Controller) moveLocked(next queryKey) {
	if c.closed || next == c.key {
		return
	}
	c.key = next
	c.reconcileLocked()
}

// reconcileLocked starts the query for the current key, superseding any
// query already in flight.
func (c *Controller) reconcileLocked() {
	c.seq++
	seq := c.seq
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	c.loading = true
	c.err = nil
	key := c.key

	c.pending.Add()
	go func() {
		defer cancel()
		resp, err := c.src.ListDashboard(ctx, key.page, c.perPage, key.filters)

		c.mu.Lock()
		defer c.mu.Unlock()
		defer c.pending.Done()

		if seq != c.seq {
			c.logger.Debug("discarding superseded dashboard response",
				zap.Int("page", key.page),
				zap.Uint64("seq", seq),
			)
			return
		}
		c.loading = false
		if err != nil {
			// The previous result stays visible alongside the error.
			c.err = err
			c.logger.Warn("dashboard query failed", zap.Int("page", key.page), zap.Error(err))
			return
		}
		c.result = resp
	}()
}

func (c *Controller) loadFilterOptionsLocked() {
	c.optLoad = true
	c.pending.Add()
	go func() {
		opts, err := c.src.ListFilterOptions(c.ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		defer c.pending.Done()

		if c.closed {
			return
		}
		c.optLoad = false
		if err != nil {
			c.optErr = err
			c.logger.Warn("filter options unavailable", zap.Error(err))
			return
		}
		c.options = opts
	}()
}
