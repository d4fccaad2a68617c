package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	jwt "github.com/golang-jwt/jwt/v4"
)

// LocalVerifier accepts HS256 tokens signed with a shared key. It stands in for Firebase in
// local development and tests and returns the same token shape, so role extraction is shared.
type LocalVerifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewLocalVerifier requires a non-empty signing key.
func NewLocalVerifier(signingKey string) (*LocalVerifier, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, errors.New("auth: local signing key is required")
	}
	return &LocalVerifier{
		key:    []byte(signingKey),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

func (v *LocalVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(idToken, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		var validation *jwt.ValidationError
		if errors.As(err, &validation) && validation.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	token := &firebaseauth.Token{
		UID:    subject,
		Claims: map[string]interface{}(claims),
	}
	if iss, ok := claims["iss"].(string); ok {
		token.Issuer = iss
	}
	if exp, ok := claims["exp"].(float64); ok {
		token.Expires = int64(exp)
	}
	return token, nil
}

// Sign issues a token for uid with the given roles, valid for ttl. Used by local tooling and tests.
func (v *LocalVerifier) Sign(uid, email string, roles []string, ttl time.Duration) (string, error) {
	now := jwt.TimeFunc()
	claims := jwt.MapClaims{
		"sub": uid,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"iss": "commerce-local",
	}
	if email != "" {
		claims["email"] = email
	}
	if len(roles) > 0 {
		claims[defaultRoleClaim] = roles
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
