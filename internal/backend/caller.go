package backend

import (
	"context"
	"encoding/json"
	"strings"
)

// Caller identifies the end user on whose behalf a round trip is made, so
// stored procedures can resolve auth.uid() and row level security applies.
type Caller struct {
	ProfileID   string
	AccessToken string
	Email       string
}

type callerKey struct{}

// WithCaller attaches caller to ctx. Drivers forward it with every call.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if strings.TrimSpace(caller.ProfileID) == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller attached by WithCaller.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}

// claimsJSON renders the request.jwt.claims setting read by auth.uid().
func (c Caller) claimsJSON() (string, error) {
	claims := map[string]string{
		"sub":  c.ProfileID,
		"role": "authenticated",
	}
	if c.Email != "" {
		claims["email"] = c.Email
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
