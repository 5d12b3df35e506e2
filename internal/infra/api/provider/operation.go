package provider

import (
	"context"
	"strings"
)

type operationKey struct{}

// WithOperation names the logical operation a request belongs to, e.g. the
// data kind. It labels transport metrics in place of the concrete path.
func WithOperation(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operationKey{}, name)
}

// operationLabel returns the operation set on ctx, or the first path segment
// of endpoint. Entity identifiers never reach a metric label.
func operationLabel(ctx context.Context, endpoint string) string {
	if name, ok := ctx.Value(operationKey{}).(string); ok && name != "" {
		return name
	}
	path := strings.TrimPrefix(endpoint, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "unknown"
	}
	return "/" + path
}
