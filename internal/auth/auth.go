// Package auth validates the bearer token presented on the upgrade request
// and resolves it to a user id.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned for a missing, expired or unknown token.
var ErrInvalidToken = errors.New("auth: invalid token")

// Validator resolves a token to the user id it was issued for.
type Validator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (string, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// ExtractToken returns the token from the "token" query parameter, falling
// back to an "Authorization: Bearer" header. Empty when neither is present.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}

// Identity is the authenticated peer attached to a request context.
type Identity struct {
	UserID string
	Token  string
}

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the identity set by WithIdentity
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}
