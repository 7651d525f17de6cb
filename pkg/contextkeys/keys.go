// Package contextkeys provides centralized context key definitions
//
// All context keys used across warden are defined here so that setters and
// readers in different packages agree on the key and the stored type.
//
//	ctx = contextkeys.WithUserID(ctx, "u-123")
//	userID := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID (pkg/middleware/identity.go)
	// Used by: Logger, audit records
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the verified caller user ID string
	// Set by: middleware.TrustedIdentity from the upstream authenticator's header
	// Used by: Logger, rbac handlers and PermissionMiddleware
	// Type: string
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestLogger
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// DecisionKey contains the *rbac.Decision that admitted the request
	// Set by: rbac.PermissionMiddleware.Require
	// Used by: Guarded handlers that want the matched role or permission
	// Type: *rbac.Decision
	DecisionKey Key = "rbac_decision"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithDecision adds the admitting decision to the context
func WithDecision(ctx context.Context, decision interface{}) context.Context {
	return context.WithValue(ctx, DecisionKey, decision)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}
