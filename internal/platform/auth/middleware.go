package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/commerce/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the bearer token has expired.
	ErrTokenExpired = errors.New("auth: id token expired")
	// ErrTokenInvalid signals that the bearer token failed verification.
	ErrTokenInvalid = errors.New("auth: id token invalid")
)

// TokenVerifier verifies bearer ID tokens. FirebaseVerifier and LocalVerifier implement it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns verified tokens into an Identity on the request context.
type Authenticator struct {
	verifier   TokenVerifier
	roleClaims []string
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaims replaces the custom claims roles are read from. Defaults to "role" and "roles".
func WithRoleClaims(claims ...string) Option {
	return func(a *Authenticator) {
		var cleaned []string
		for _, claim := range claims {
			if claim = strings.TrimSpace(claim); claim != "" {
				cleaned = append(cleaned, claim)
			}
		}
		if len(cleaned) > 0 {
			a.roleClaims = cleaned
		}
	}
}

// NewAuthenticator wraps verifier for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:   verifier,
		roleClaims: []string{defaultRoleClaim, "roles"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth rejects requests without a valid bearer token with 401 and requests whose identity
// lacks every role in allowedRoles with 403. No roles means any authenticated user.
func (a *Authenticator) RequireAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication unavailable", http.StatusUnauthorized))
				return
			}

			token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
			if err != nil {
				writeVerificationError(ctx, w, err)
				return
			}

			identity := a.identityFromToken(token)
			if len(allowedRoles) > 0 && !identity.HasAnyRole(allowedRoles...) {
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "identity does not have required role", http.StatusForbidden))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:   token.UID,
		Email: claimAsString(token.Claims, defaultEmailClaim),
	}
	seen := map[string]struct{}{}
	for _, claim := range a.roleClaims {
		for _, role := range rolesFromClaims(token.Claims, claim) {
			if _, dup := seen[role]; dup {
				continue
			}
			seen[role] = struct{}{}
			identity.Roles = append(identity.Roles, role)
		}
	}
	if _, ok := seen[RoleUser]; !ok {
		identity.Roles = append(identity.Roles, RoleUser)
	}
	return identity
}

// rolesFromClaims accepts a string, a list of strings, or a map of role to bool.
func rolesFromClaims(claims map[string]interface{}, key string) []string {
	var out []string
	add := func(value string) {
		if role := normaliseRole(value); role != "" {
			out = append(out, role)
		}
	}
	switch v := claims[key].(type) {
	case string:
		add(v)
	case []string:
		for _, item := range v {
			add(item)
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case map[string]interface{}:
		for role, enabled := range v {
			if b, ok := enabled.(bool); ok && b {
				add(role)
			}
		}
	}
	return out
}

func claimAsString(claims map[string]interface{}, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		httpx.WriteError(ctx, w, httpx.NewError("token_expired", "id token expired", http.StatusUnauthorized))
	case errors.Is(err, ErrTokenInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "id token invalid", http.StatusUnauthorized))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "id token verification failed", http.StatusUnauthorized))
	}
}
