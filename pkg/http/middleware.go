// Package http carries the middleware shared by the HTTP surfaces.
package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/store"
)

type contextKey string

const authContextKey contextKey = "hearthd.auth"

// CommonMiddleware applies the permissive CORS policy of the control
// surface and answers preflight requests.
func CommonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// BearerAuthMiddleware validates the Authorization bearer token against
// the store and attaches the resolved AuthContext to the request.
func BearerAuthMiddleware(st store.Store, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			authCtx, err := st.ValidateAPIKey(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					log.Warn().Err(err).Msg("API key validation failed")
				}

				http.Error(w, "unauthorized", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), authCtx)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}

	return ""
}

// WithAuthContext attaches an auth context to ctx.
func WithAuthContext(ctx context.Context, authCtx *models.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// AuthFromContext returns the auth context attached by the middleware.
func AuthFromContext(ctx context.Context) *models.AuthContext {
	authCtx, _ := ctx.Value(authContextKey).(*models.AuthContext)
	return authCtx
}
