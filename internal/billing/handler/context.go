package handler

import "context"

type contextKey struct{}

// Identity is the authenticated caller of a bearer-token request.
type Identity struct {
	UserID   int64
	DeviceID string
}

// WithIdentity stores the caller in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext retrieves the caller from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != 0
}
