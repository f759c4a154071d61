// Package requestid carries the per-request correlation id through contexts.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey struct{}

// Header is read from incoming requests and echoed on responses.
const Header = "X-Request-Id"

func Generate() string {
	return uuid.NewString()
}

func ToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// FromContext returns the request id or "" when none was attached.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}
