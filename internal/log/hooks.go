package log

import (
	"context"

	"github.com/wireloom/llamaserve/internal/reqctx"
)

// Hook derives extra fields from the context carried by a log call.
type Hook interface {
	Apply(ctx context.Context, msg string) []Field
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx context.Context, msg string) []Field

func (f HookFunc) Apply(ctx context.Context, msg string) []Field { return f(ctx, msg) }

// AddHook registers an additional global hook. Intended for wiring at
// process startup (e.g. to attach slot ids once the scheduler is live).
func AddHook(h Hook) {
	old := *globalHooks.Load()
	next := make([]Hook, len(old), len(old)+1)
	copy(next, old)
	next = append(next, h)
	globalHooks.Store(&next)
}

// traceFields is the default hook: it surfaces the request-scoped trace id
// and operation name from reqctx, when present.
func traceFields(ctx context.Context, _ string) []Field {
	var fields []Field

	if traceID, ok := reqctx.TraceID(ctx); ok {
		fields = append(fields, String("trace_id", traceID))
	}

	if opName, ok := reqctx.OperationName(ctx); ok {
		fields = append(fields, String("operation_name", opName))
	}

	return fields
}
