package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/facturaops/guardrail/pkg/problem"
)

// Roles accepted on operator routes.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Claims are the JWT claims expected on every authenticated request.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Actor is the authenticated principal attached to the request context.
type Actor struct {
	ID       string
	TenantID string
	Roles    []string
}

// HasRole reports whether the actor carries the role. Admins carry every
// role implicitly.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type contextKey struct{ name string }

var actorKey = &contextKey{"actor"}

// WithActor attaches the actor to the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom extracts the actor injected by the auth middleware.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// TokenValidator validates bearer tokens and extracts claims.
type TokenValidator struct {
	keyFunc jwt.Keyfunc
}

// NewHMACValidator creates a validator over a shared HMAC secret. An empty
// secret yields nil, which makes the middleware fail closed.
func NewHMACValidator(secret []byte) *TokenValidator {
	if len(secret) == 0 {
		return nil
	}
	return &TokenValidator{keyFunc: func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return secret, nil
	}}
}

// Validate parses and validates a token string.
func (v *TokenValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are reachable without authentication.
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

// AuthMiddleware authenticates every non-public request. A nil validator
// rejects everything: misconfiguration must not open the control plane.
func AuthMiddleware(validator *TokenValidator) func(http.Handler) http.Handler {
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
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				problem.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				problem.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				problem.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				problem.WriteUnauthorized(w, "Token subject is required")
				return
			}

			actor := Actor{
				ID:       claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
