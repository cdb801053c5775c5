// Package auth resolves the caller of a request from a Supabase session and
// escalates it to room, app admin or owner privileges by asking the backend.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized means no valid session accompanied the request.
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	// ErrForbidden means the session is valid but lacks the required role.
	ErrForbidden = errors.New("FORBIDDEN")
)

// User is the authenticated caller. ID is the profile ID (the token subject);
// Token is the verified access token, forwarded to the backend.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	Token string `json:"-"`
}

type contextKey struct{}

// ContextWithUser stores the authenticated user on ctx.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the user stored by ContextWithUser.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	user, ok := ctx.Value(contextKey{}).(User)
	return user, ok && user.ID != ""
}

// RequireUser returns the authenticated user on ctx or ErrUnauthorized.
func RequireUser(ctx context.Context) (User, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return User{}, ErrUnauthorized
	}
	return user, nil
}
