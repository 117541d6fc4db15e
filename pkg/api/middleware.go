package api

import (
	"net/http"
	"strings"

	"github.com/tallyhq/tally/pkg/auth"
)

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/ready",
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware authenticates every non-public request with either a
// bearer token or an X-API-Key header and injects the resulting
// Principal into the request context. If validator is nil, all
// non-public requests are rejected (fail closed).
func AuthMiddleware(validator *auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}

			if key := r.Header.Get("X-API-Key"); key != "" {
				principal, err := validator.ValidateAPIKey(key)
				if err != nil {
					WriteUnauthorized(w, "Invalid API key")
					return
				}
				ctx := auth.WithPrincipal(r.Context(), principal)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := validator.ValidateToken(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			principal := &auth.BasePrincipal{
				ID:       claims.Subject,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			}
			ctx := auth.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware enforces a per-principal request budget. Runs after
// AuthMiddleware so the actor key is the authenticated principal. A nil
// store disables limiting; store errors fail open so a limiter outage
// never takes the API down.
func RateLimitMiddleware(store auth.LimiterStore, policy auth.LimitPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := auth.GetPrincipal(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := store.Allow(r.Context(), principal.GetTenantID()+"/"+principal.GetID(), policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 60
				if policy.RPM > 0 {
					retryAfter = 60 / policy.RPM
					if retryAfter < 1 {
						retryAfter = 1
					}
				}
				WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
