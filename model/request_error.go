package model

import (
	"errors"
	"fmt"
)

// RequestErrorKind distinguishes why a backend call failed.
type RequestErrorKind int

const (
	// KindTransport means no usable response was obtained: the network was
	// unreachable, the breaker was open, or the body could not be read/decoded.
	KindTransport RequestErrorKind = iota + 1
	// KindStatus means the backend answered with a non-2xx status.
	KindStatus
)

func (k RequestErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// RequestError is the single failure type surfaced by the data-access layer.
// Op is the human-readable operation ("failed to fetch dashboard").
type RequestError struct {
	Op         string
	Kind       RequestErrorKind
	StatusCode int
	Status     string
	Detail     string
	Err        error
}

// Error implements the error interface. The text is suitable for display.
func (e *RequestError) Error() string {
	switch {
	case e.Kind == KindStatus && e.Status != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

// Unwrap returns the transport cause, if any.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Reason returns the most specific human-readable reason available: the
// backend's detail message when it sent one, otherwise Error().
func (e *RequestError) Reason() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return e.Error()
}

// NewStatusError builds a KindStatus RequestError.
func NewStatusError(op string, code int, status, detail string) *RequestError {
	return &RequestError{Op: op, Kind: KindStatus, StatusCode: code, Status: status, Detail: detail}
}

// NewTransportError builds a KindTransport RequestError.
func NewTransportError(op string, err error) *RequestError {
	return &RequestError{Op: op, Kind: KindTransport, Err: err}
}

// IsStatus reports whether err is a RequestError carrying the given HTTP status.
func IsStatus(err error, code int) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Kind == KindStatus && re.StatusCode == code
}

// ErrorMessage renders err for presentation. RequestErrors use their Reason;
// a nil error yields "".
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Reason()
	}
	return err.Error()
}
