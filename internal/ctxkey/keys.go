// Package ctxkey defines context key types shared by the HTTP middleware
// and the handlers behind it. It has no internal dependencies.
package ctxkey

// LoggerKey holds the request-scoped *slog.Logger.
type LoggerKey struct{}

// RequestIDKey holds the request ID string.
type RequestIDKey struct{}

// ClientIPKey holds the client address resolved by the HTTP middleware.
type ClientIPKey struct{}

// AdminIdentityKey holds the name of the authenticated admin API key.
type AdminIdentityKey struct{}
