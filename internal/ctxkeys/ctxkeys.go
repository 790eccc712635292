// Package ctxkeys defines typed request-context keys shared between
// the Auth Gate, the HTTP layer, and the dispatcher.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	apiKeyIDKey  contextKey = "api_key_id"
	roleKey      contextKey = "role"
)

// WithRequestID attaches the proxy-assigned request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAPIKeyID attaches the authenticated management API key's id,
// set by the Auth Gate on success.
func WithAPIKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, id)
}

func APIKeyID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(apiKeyIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRole attaches the authenticated caller's role (admin | api-only).
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

func Role(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(roleKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
