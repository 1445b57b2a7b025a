package sandbox

import "context"

// Request kinds recorded alongside executions.
const (
	RequestCommand = "command"
	RequestTests   = "tests"
	RequestLint    = "lint"
)

type requestKindKey struct{}

// WithRequestKind tags ctx with the kind of request that led to an execution.
func WithRequestKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, requestKindKey{}, kind)
}

// RequestKind returns the kind attached by WithRequestKind, or RequestCommand.
func RequestKind(ctx context.Context) string {
	if k, ok := ctx.Value(requestKindKey{}).(string); ok && k != "" {
		return k
	}
	return RequestCommand
}
