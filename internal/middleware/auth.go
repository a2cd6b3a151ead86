package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/popkeyd/popkeyd/internal/auth"
)

// Context keys for authenticated consumer data
const (
	AuthAssertionRefKey contextKey = "auth_assertion_ref"
	AuthOperationIDKey  contextKey = "auth_operation_id"
)

// ConsumerAuth validates the lollipop consumer auth token carried in the
// configured bearer header (with an Authorization fallback) and puts its
// scope on the context.
func (m *Middleware) ConsumerAuth(tokenSvc *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := strings.TrimSpace(r.Header.Get(m.cfg.JWT.BearerHeader))

			if tokenString == "" {
				authHeader := r.Header.Get("Authorization")
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
					tokenString = parts[1]
				}
			}

			if tokenString == "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"Authentication required"}}`, http.StatusUnauthorized)
				return
			}

			claims, err := tokenSvc.ValidateAuthToken(tokenString)
			if err != nil {
				m.log.Debug().Err(err).Msg("auth token validation failed")
				http.Error(w, `{"error":{"code":"unauthorized","message":"The auth token is invalid or expired"}}`, http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, AuthAssertionRefKey, claims.AssertionRef)
			ctx = context.WithValue(ctx, AuthOperationIDKey, claims.OperationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthAssertionRef retrieves the token's assertion ref scope from
// context.
func GetAuthAssertionRef(ctx context.Context) string {
	if ref, ok := ctx.Value(AuthAssertionRefKey).(string); ok {
		return ref
	}
	return ""
}
