// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *session.Identity
	// Set by: middleware.Gate (pkg/middleware/auth.go)
	// Required by: all protected API endpoints
	AuthKey Key = "auth_identity"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware
	// Used by: logger, diagnostics
	RequestIDKey Key = "request_id"
)

// WithAuth adds the resolved identity to the context
func WithAuth(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, identity)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
