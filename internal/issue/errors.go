package issue

import "errors"

// Refusals returned synchronously by the controller. No request is
// dispatched when one of these is returned.
var (
	ErrNoIssue          = errors.New("no issue selected")
	ErrNotLoaded        = errors.New("issue detail is not loaded")
	ErrActionInFlight   = errors.New("an action is already being submitted")
	ErrIssueResolved    = errors.New("issue is resolved")
	ErrActionRecorded   = errors.New("a resolution has already been recorded for this issue")
	ErrUnknownAction    = errors.New("unknown action")
	ErrAnalysisInFlight = errors.New("analysis is already in progress")
	ErrInsightExists    = errors.New("issue already has an insight")
	ErrClosed           = errors.New("detail view is closed")
)

var (
	// ErrSuperseded reports an action outcome that was dropped because the
	// view moved to another issue or was closed before it settled.
	ErrSuperseded = errors.New("action result discarded for a previous issue")
	// ErrPhaseTransition reports a move the action phase table forbids.
	ErrPhaseTransition = errors.New("invalid action phase transition")
)

// IsRefusal reports whether err is one of the controller's synchronous
// refusals rather than a backend failure.
func IsRefusal(err error) bool {
	for _, r := range []error{
		ErrNoIssue, ErrNotLoaded, ErrActionInFlight, ErrIssueResolved, ErrActionRecorded,
		ErrUnknownAction, ErrAnalysisInFlight, ErrInsightExists, ErrClosed,
	} {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
