package identity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Caseline-Labs/caseline/core/pkg/problem"
)

// Claims are the JWT claims expected by the Caseline API. The upstream
// identity provider issues tokens carrying the tenant as a private claim
// and the actor as the registered subject.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// JWTValidator validates bearer tokens and extracts the acting identity.
type JWTValidator struct {
	keyFunc jwt.Keyfunc
}

// NewJWTValidator creates a validator with the given key function.
func NewJWTValidator(keyFunc jwt.Keyfunc) *JWTValidator {
	if keyFunc == nil {
		return nil
	}
	return &JWTValidator{keyFunc: keyFunc}
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || v.keyFunc == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("token missing tenant or subject claim")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware creates JWT auth middleware that attaches the authenticated
// Actor to the request context. If validator is nil, all non-public
// requests are rejected (fail closed).
func Middleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				problem.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				problem.WriteUnauthorized(w, "Authorization header must use Bearer scheme")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				problem.WriteUnauthorized(w, "Invalid token")
				return
			}

			actor := Actor{TenantID: claims.TenantID, ID: claims.Subject}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
