package logx

import "context"

type ctxKey struct{}

// IntoContext attaches l to ctx. The HTTP server stores a request-scoped
// logger this way so deeper layers log with the request id.
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or fallback when there is
// none. Fixed fields of fallback are added on top of the stored logger.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if ctx == nil {
		return fallback
	}
	l, ok := ctx.Value(ctxKey{}).(Logger)
	if !ok || l.IsZero() {
		return fallback
	}
	return l.With(fallback.fields...)
}
