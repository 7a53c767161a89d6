package context

import (
	"context"

	"github.com/jaym/go-orleans-client/grain"
)

type requestContextKey struct{}
type referenceCtxKey struct{}

// WithRequestValue adds a key that travels with every call made with the
// returned context, and with any calls the callee makes in turn.
func WithRequestValue(ctx context.Context, key, value string) context.Context {
	current := RequestContext(ctx)
	next := make(map[string]string, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = value
	return context.WithValue(ctx, requestContextKey{}, next)
}

func RequestValue(ctx context.Context, key string) (string, bool) {
	v, ok := RequestContext(ctx)[key]
	return v, ok
}

// RequestContext returns the values to send along with a call. The returned
// map must not be modified.
func RequestContext(ctx context.Context) map[string]string {
	v, _ := ctx.Value(requestContextKey{}).(map[string]string)
	return v
}

// WithRequestContext replaces the request context with values received with
// a call.
func WithRequestContext(ctx context.Context, values map[string]string) context.Context {
	if len(values) == 0 {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, values)
}

func WithReferenceContext(ctx context.Context, ref grain.Reference) context.Context {
	return context.WithValue(ctx, referenceCtxKey{}, ref)
}

// ReferenceFromContext returns the reference of the local object handling
// the current call.
func ReferenceFromContext(ctx context.Context) (grain.Reference, bool) {
	v, ok := ctx.Value(referenceCtxKey{}).(grain.Reference)
	return v, ok
}
