package security

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
)

var (
	// ErrNoCredentials means the request carried no bearer token.
	ErrNoCredentials = errors.New("no credentials")
	// ErrInvalidCredentials means a bearer token was present but rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// RoleAdmin is the role required by administrative endpoints.
const RoleAdmin = "Admin"

// Identity represents an authenticated caller.
type Identity struct {
	Subject  string
	Name     string
	Roles    []string
	Scopes   []string
	Strategy Kind
	// Bypass marks identities injected by the load-test stage.
	Bypass bool
}

// HasRole reports whether the identity carries role. Comparison ignores case.
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	return slices.ContainsFunc(id.Roles, func(r string) bool {
		return strings.EqualFold(r, role)
	})
}

type identityKey struct{}

// WithIdentity stores the authenticated identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrNoCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.Join(ErrInvalidCredentials, errors.New("empty bearer token"))
	}
	return token, nil
}
