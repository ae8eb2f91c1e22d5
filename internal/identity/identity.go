// Package identity authenticates the bearer credentials presented to the
// consent API.
//
// It provides:
//   - Provider: bearer token in, user id out
//   - JWTProvider: validates HS256 JWTs signed with a shared secret
//   - RequireUser: Gin middleware enforcing an authenticated user
package identity

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned when a bearer credential is missing or invalid.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
}

// Provider validates bearer credentials.
type Provider interface {
	Authenticate(ctx context.Context, bearer string) (*Principal, error)
}
