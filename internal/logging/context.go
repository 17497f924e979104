package logging

import "context"

type fieldsKey struct{}

// ContextWith returns a context whose log lines carry the given key/value
// pairs in addition to the ones already attached to ctx.
func ContextWith(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	prev := fieldsFrom(ctx)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(merged, prev...)
	merged = append(merged, args...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

func fieldsFrom(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(fieldsKey{}).([]any)
	return f
}

// withContextFields prefixes args with the pairs attached to ctx.
func withContextFields(ctx context.Context, args []any) []any {
	f := fieldsFrom(ctx)
	if len(f) == 0 {
		return args
	}
	out := make([]any, 0, len(f)+len(args))
	return append(append(out, f...), args...)
}
