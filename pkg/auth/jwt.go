// Package auth validates the bearer tokens that guard the operator
// endpoints. Tokens are HMAC-signed JWTs issued by the ops tooling; an
// empty secret disables the admin surface entirely.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator checks admin bearer tokens.
type TokenValidator struct {
	secret []byte
	issuer string
}

// NewTokenValidator creates a validator for HMAC-signed admin tokens.
func NewTokenValidator(secret, issuer string) *TokenValidator {
	return &TokenValidator{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// IsConfigured reports whether a signing secret was provided.
func (v *TokenValidator) IsConfigured() bool {
	return len(v.secret) > 0
}

// ValidateToken verifies signature, expiry and issuer, returning the claims.
func (v *TokenValidator) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	return claims, nil
}

// Middleware rejects requests without a valid admin token and records the
// token subject on the request context as the acting operator.
func (v *TokenValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.IsConfigured() {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		actor, _ := claims["sub"].(string)
		if actor == "" {
			http.Error(w, "token missing subject", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
