package model

import "context"

// RequestContext carries the operator identity and tracing information for
// one session API request. It is immutable after construction.
type RequestContext struct {
	SubjectID     string
	Email         string
	CorrelationID string
	TraceID       string
}

// Anonymous reports whether the request was not authenticated. Anonymous
// requests only occur when authentication is disabled.
func (rc *RequestContext) Anonymous() bool {
	return rc == nil || rc.SubjectID == ""
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// SubjectFrom returns the authenticated subject of ctx, or "" when anonymous.
func SubjectFrom(ctx context.Context) string {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		return ""
	}
	return rctx.SubjectID
}
