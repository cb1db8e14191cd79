package model

import (
	"context"
	"testing"
)

func TestRequestContext_roundTrip(t *testing.T) {
	rctx := &RequestContext{SubjectID: "op-1", CorrelationID: "corr-1"}
	ctx := WithRequestContext(context.Background(), rctx)

	got := RequestContextFrom(ctx)
	if got != rctx {
		t.Fatalf("RequestContextFrom() = %p, want %p", got, rctx)
	}
	if SubjectFrom(ctx) != "op-1" {
		t.Errorf("SubjectFrom() = %q, want op-1", SubjectFrom(ctx))
	}
}

func TestRequestContextFrom_missing(t *testing.T) {
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom() = %+v, want nil", got)
	}
	if got := SubjectFrom(context.Background()); got != "" {
		t.Errorf("SubjectFrom() = %q, want empty", got)
	}
}

func TestRequestContext_Anonymous(t *testing.T) {
	var nilCtx *RequestContext
	if !nilCtx.Anonymous() {
		t.Error("nil context should be anonymous")
	}
	if !(&RequestContext{}).Anonymous() {
		t.Error("empty subject should be anonymous")
	}
	if (&RequestContext{SubjectID: "op-1"}).Anonymous() {
		t.Error("context with subject should not be anonymous")
	}
}
