package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultAudience is the aud claim Supabase puts on signed-in user tokens.
const DefaultAudience = "authenticated"

// Claims are the Supabase access token claims the gateway reads.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates Supabase access tokens signed with the project JWT
// secret.
type Verifier struct {
	secret   []byte
	audience string
	leeway   time.Duration
	clock    clockwork.Clock
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAudience overrides the expected aud claim.
func WithAudience(audience string) VerifierOption {
	return func(v *Verifier) {
		if trimmed := strings.TrimSpace(audience); trimmed != "" {
			v.audience = trimmed
		}
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *Verifier) {
		if leeway > 0 {
			v.leeway = leeway
		}
	}
}

// WithClock injects the clock used for expiry checks.
func WithClock(clock clockwork.Clock) VerifierOption {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewVerifier builds a Verifier for the HS256 project secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	v := &Verifier{
		secret:   []byte(secret),
		audience: DefaultAudience,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify parses token and returns the user it identifies. Every failure wraps
// ErrUnauthorized.
func (v *Verifier) Verify(token string) (User, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.clock.Now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return User{}, ErrUnauthorized
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return User{}, fmt.Errorf("%w: subject is not a profile id", ErrUnauthorized)
	}
	return User{ID: claims.Subject, Email: claims.Email, Role: claims.Role, Token: token}, nil
}

// Authenticate extracts and verifies the request's session token.
func (v *Verifier) Authenticate(r *http.Request) (User, error) {
	token, ok := ExtractToken(r)
	if !ok {
		return User{}, ErrUnauthorized
	}
	return v.Verify(token)
}
