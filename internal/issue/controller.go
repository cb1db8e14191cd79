// Package issue holds the detail view of a single order issue. It owns the
// page read, the analysis request and the action submission, and after every
// mutation it re-reads the issue so that only backend-confirmed state is
// shown.
package issue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/inflight"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/model"
)

// DefaultSuccessWindow is how long a success message stays visible.
const DefaultSuccessWindow = 5 * time.Second

// Source is the subset of the data-access layer the detail view uses.
type Source interface {
	GetIssueDetail(ctx context.Context, orderID string) (*model.IssueDetail, error)
	RequestAnalysis(ctx context.Context, orderID string) (*model.AnalysisResponse, error)
	SubmitAction(ctx context.Context, orderID string, action model.ActionType) (*model.ActionResponse, error)
}

// View is an immutable snapshot of the detail view.
type View struct {
	OrderID string             `json:"order_id"`
	Detail  *model.IssueDetail `json:"detail"`

	PageLoading bool   `json:"page_loading"`
	PageErr     error  `json:"-"`
	PageError   string `json:"page_error,omitempty"`

	AnalyzeLoading bool   `json:"analyze_loading"`
	AnalyzeErr     error  `json:"-"`
	AnalyzeError   string `json:"analyze_error,omitempty"`

	ActionLoading  model.ActionType `json:"action_loading,omitempty"`
	ActionPhase    ActionPhase      `json:"action_phase"`
	ActionErr      error            `json:"-"`
	ActionError    string           `json:"action_error,omitempty"`
	SuccessMessage string           `json:"success_message,omitempty"`
}

// Resolved reports whether the loaded issue has reached its final status.
func (v View) Resolved() bool {
	return v.Detail != nil && v.Detail.Issue.Resolved()
}

// CanAct reports whether an action trigger would be accepted.
func (v View) CanAct() bool {
	return v.Detail != nil &&
		v.ActionLoading == "" &&
		!v.Resolved() &&
		len(v.Detail.ResolutionHistory) == 0
}

// CanAnalyze reports whether an analysis trigger would be accepted.
func (v View) CanAnalyze() bool {
	return v.Detail != nil && !v.AnalyzeLoading && v.Detail.Insight == nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithSuccessWindow sets how long a success message stays visible.
func WithSuccessWindow(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records action and analysis outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns the detail view state for one displayed issue at a time.
// It is safe for concurrent use.
type Controller struct {
	src     Source
	window  time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	orderID string
	closed  bool

	// gen changes whenever the displayed identifier changes; completions
	// from an older generation are discarded.
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	// readSeq numbers every detail read; committedSeq is the newest read
	// written into detail; pageSeq is the newest page-level read.
	readSeq      uint64
	committedSeq uint64
	pageSeq      uint64

	detail         *model.IssueDetail
	pageLoading    bool
	pageErr        error
	analyzeLoading bool
	analyzeErr     error
	actionLoading  model.ActionType
	phase          ActionPhase
	actionErr      error
	successMsg     string
	successTimer   *time.Timer
	successToken   uint64

	pending inflight.Tracker
}

// New creates a controller with nothing displayed.
func New(src Source, opts ...Option) *Controller {
	c := &Controller{
		src:    src,
		window: DefaultSuccessWindow,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// View returns a snapshot of the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	return View{
		OrderID:        c.orderID,
		Detail:         c.detail,
		PageLoading:    c.pageLoading,
		PageErr:        c.pageErr,
		PageError:      model.ErrorMessage(c.pageErr),
		AnalyzeLoading: c.analyzeLoading,
		AnalyzeErr:     c.analyzeErr,
		AnalyzeError:   model.ErrorMessage(c.analyzeErr),
		ActionLoading:  c.actionLoading,
		ActionPhase:    c.phase,
		ActionErr:      c.actionErr,
		ActionError:    model.ErrorMessage(c.actionErr),
		SuccessMessage: c.successMsg,
	}
}

// Load displays orderID. A different identifier abandons all work for the
// previous one, resets every sub-state and reads the new issue. Loading the
// identifier already displayed does nothing. An empty identifier clears the
// view.
func (c *Controller) Load(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || orderID == c.orderID {
		return
	}
	c.resetLocked()
	c.orderID = orderID
	if orderID == "" {
		return
	}
	c.startPageReadLocked()
}

// Reload re-reads the displayed issue, keeping the current detail visible
// until the read settles.
func (c *Controller) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.orderID == "" {
		return ErrNoIssue
	}
	c.startPageReadLocked()
	return nil
}

// HandleAction submits action for the displayed issue and then reconciles
// the detail with a fresh read. The returned error is a refusal; backend
// failures are reported through View.
func (c *Controller) HandleAction(action model.ActionType) error {
	return c.HandleActionFunc(action, nil)
}

// HandleActionFunc is HandleAction with a callback for the settled outcome.
// settled runs once per accepted trigger, outside the controller lock and
// before Wait returns. It receives nil when the submission and its
// reconciling read both succeeded, ErrSuperseded when the view moved on,
// and the failure otherwise. It is not called for a refusal.
func (c *Controller) HandleActionFunc(action model.ActionType, settled func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActionLocked(action); err != nil {
		c.metrics.RecordActionSubmission(string(action), "rejected")
		return err
	}

	if c.phase != PhaseIdle {
		c.settleLocked()
	}
	if err := c.transitionLocked(PhaseSubmitting); err != nil {
		return err
	}
	c.actionErr = nil
	c.successMsg = ""
	c.actionLoading = action

	gen, ctx, orderID := c.gen, c.ctx, c.orderID
	c.pending.Add()
	go func() {
		defer c.pending.Done()

		err := c.submit(ctx, gen, orderID, action)
		if settled != nil {
			settled(err)
		}
	}()
	return nil
}

func (c *Controller) submit(ctx context.Context, gen uint64, orderID string, action model.ActionType) error {
	resp, err := c.src.SubmitAction(ctx, orderID, action)
	if err != nil {
		return c.finishAction(gen, action, nil, err)
	}

	seq, ok := c.reserveRead(gen)
	if !ok {
		return ErrSuperseded
	}
	detail, err := c.src.GetIssueDetail(ctx, orderID)
	if err != nil {
		return c.finishAction(gen, action, nil, err)
	}

	c.mu.Lock()
	if gen == c.gen {
		c.commitDetailLocked(seq, detail)
	}
	c.mu.Unlock()
	return c.finishAction(gen, action, resp, nil)
}

// HandleAnalyze requests an insight for the displayed issue and then
// reconciles the detail with a fresh read.
func (c *Controller) HandleAnalyze() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.detail == nil:
		return ErrNotLoaded
	case c.analyzeLoading:
		return ErrAnalysisInFlight
	case c.detail.Insight != nil:
		return ErrInsightExists
	}

	c.analyzeLoading = true
	c.analyzeErr = nil

	gen, ctx, orderID := c.gen, c.ctx, c.orderID
	c.pending.Add()
	go func() {
		defer c.pending.Done()

		err := c.analyze(ctx, gen, orderID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.analyzeLoading = false
		if err != nil {
			c.analyzeErr = err
			c.metrics.RecordAnalysisRequest("failed")
			c.logger.Warn("issue analysis failed", zap.String("order_id", orderID), zap.Error(err))
			return
		}
		c.metrics.RecordAnalysisRequest("succeeded")
	}()
	return nil
}

// Wait blocks until every in-flight request has settled or ctx is done. The
// success display timer is not waited for.
func (c *Controller) Wait(ctx context.Context) error {
	return c.pending.Wait(ctx)
}

// Close abandons all in-flight work. Late results are discarded and every
// further trigger is refused.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	c.cancel()
	c.stopTimerLocked()
}

func (c *Controller) analyze(ctx context.Context, gen uint64, orderID string) error {
	// The analysis response is not used; the insight comes from the re-read.
	if _, err := c.src.RequestAnalysis(ctx, orderID); err != nil {
		return err
	}
	seq, ok := c.reserveRead(gen)
	if !ok {
		return nil
	}
	detail, err := c.src.GetIssueDetail(ctx, orderID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		c.commitDetailLocked(seq, detail)
	}
	return nil
}

func (c *Controller) checkActionLocked(action model.ActionType) error {
	switch {
	case c.closed:
		return ErrClosed
	case c.detail == nil:
		return ErrNotLoaded
	case c.actionLoading != "":
		return ErrActionInFlight
	case c.detail.Issue.Resolved():
		return ErrIssueResolved
	case len(c.detail.ResolutionHistory) > 0:
		return ErrActionRecorded
	case !action.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return nil
}

// finishAction settles a submission and returns its outcome. Detail has
// already been committed when the reconciling read succeeded.
func (c *Controller) finishAction(gen uint64, action model.ActionType, resp *model.ActionResponse, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		c.logger.Debug("discarding action result for a previous issue", zap.String("action", string(action)))
		return ErrSuperseded
	}
	c.actionLoading = ""

	if err != nil {
		if terr := c.transitionLocked(PhaseFailed); terr != nil {
			return terr
		}
		c.actionErr = err
		c.metrics.RecordActionSubmission(string(action), "failed")
		c.logger.Warn("issue action failed",
			zap.String("order_id", c.orderID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return err
	}

	if terr := c.transitionLocked(PhaseSucceeded); terr != nil {
		return terr
	}
	c.successMsg = successMessage(c.orderID, action, resp)
	c.metrics.RecordActionSubmission(string(action), "succeeded")
	c.logger.Info("issue action recorded",
		zap.String("order_id", c.orderID),
		zap.String("action", string(action)),
	)

	c.successToken++
	token := c.successToken
	c.successTimer = time.AfterFunc(c.window, func() { c.expireSuccess(gen, token) })
	return nil
}

func (c *Controller) expireSuccess(gen, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || token != c.successToken || c.phase != PhaseSucceeded {
		return
	}
	c.settleLocked()
}

// settleLocked returns a finished submission to Idle.
func (c *Controller) settleLocked() {
	c.stopTimerLocked()
	c.successMsg = ""
	_ = c.transitionLocked(PhaseIdle)
}

// transitionLocked moves the action phase to next. A move the transition
// table does not permit is refused and the phase is left unchanged.
func (c *Controller) transitionLocked(next ActionPhase) error {
	if !c.phase.CanTransition(next) {
		c.logger.Error("invalid action phase transition",
			zap.Stringer("from", c.phase),
			zap.Stringer("to", next),
		)
		return fmt.Errorf("%w: %s to %s", ErrPhaseTransition, c.phase, next)
	}
	c.phase = next
	return nil
}

// reserveRead numbers a reconciling read, or reports false when the
// generation has moved on.
func (c *Controller) reserveRead(gen uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return 0, false
	}
	c.readSeq++
	return c.readSeq, true
}

// commitDetailLocked writes detail unless a newer read is already shown.
func (c *Controller) commitDetailLocked(seq uint64, detail *model.IssueDetail) bool {
	if seq <= c.committedSeq {
		c.logger.Debug("discarding out-of-date issue read", zap.Uint64("seq", seq))
		return false
	}
	c.committedSeq = seq
	c.detail = detail
	return true
}

func (c *Controller) startPageReadLocked() {
	c.readSeq++
	seq := c.readSeq
	c.pageSeq = seq
	c.pageLoading = true
	c.pageErr = nil

	gen, ctx, orderID := c.gen, c.ctx, c.orderID
	c.pending.Add()
	go func() {
		defer c.pending.Done()
		detail, err := c.src.GetIssueDetail(ctx, orderID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			c.logger.Debug("discarding issue read for a previous issue", zap.String("order_id", orderID))
			return
		}
		if seq == c.pageSeq {
			c.pageLoading = false
			c.pageErr = err
		}
		if err != nil {
			c.logger.Warn("issue read failed", zap.String("order_id", orderID), zap.Error(err))
			return
		}
		c.commitDetailLocked(seq, detail)
	}()
}

// resetLocked abandons the current identifier and clears all sub-states.
func (c *Controller) resetLocked() {
	c.gen++
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.stopTimerLocked()

	c.committedSeq = c.readSeq
	c.pageSeq = 0
	c.detail = nil
	c.pageLoading = false
	c.pageErr = nil
	c.analyzeLoading = false
	c.analyzeErr = nil
	c.actionLoading = ""
	c.phase = PhaseIdle
	c.actionErr = nil
	c.successMsg = ""
}

func (c *Controller) stopTimerLocked() {
	if c.successTimer != nil {
		c.successTimer.Stop()
		c.successTimer = nil
	}
	c.successToken++
}

func successMessage(orderID string, action model.ActionType, resp *model.ActionResponse) string {
	if resp != nil && resp.Message != "" {
		return resp.Message
	}
	return fmt.Sprintf("Action %s recorded for %s", action, orderID)
}
