package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stopwise/stopwise/internal/api/models"
	"github.com/stopwise/stopwise/internal/auth"
)

// SessionIDParam is the URL parameter that carries the session ID.
const SessionIDParam = "sessionId"

// sessionIDKey is the context key for the authenticated session ID.
type sessionIDKey struct{}

// TokenValidator validates session tokens. *auth.TokenService satisfies it.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// SessionAuth validates the session token and checks that it was issued for
// the session named in the URL. Browsers cannot set headers on WebSocket
// handshakes, so the token may also arrive as the access_token query
// parameter.
func SessionAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, detail := bearerToken(r)
			if tokenString == "" {
				writeUnauthorized(w, r, detail)
				return
			}

			claims, err := tokens.Validate(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrTokenExpired):
					writeUnauthorized(w, r, "session token has expired")
				case errors.Is(err, auth.ErrInvalidToken):
					writeUnauthorized(w, r, "invalid session token")
				default:
					writeUnauthorized(w, r, "authentication failed")
				}
				return
			}

			if want := chi.URLParam(r, SessionIDParam); want != "" && want != claims.SessionID {
				problem := models.NewForbidden(GetRequestID(r.Context()), "token was issued for a different session")
				problem.Instance = r.URL.Path
				problem.Write(w)
				return
			}

			ctx := context.WithValue(r.Context(), sessionIDKey{}, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token, returning a reason when there is none.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) ||
		!strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return "", "invalid authorization header format"
	}

	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", "missing bearer token"
	}
	return token, ""
}

// writeUnauthorized writes a 401 Unauthorized response.
// This is implemented directly here to avoid import cycle with response package.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	traceID := GetRequestID(r.Context())
	problem := models.NewUnauthorized(traceID, detail)
	problem.Instance = r.URL.Path
	w.Header().Set("WWW-Authenticate", `Bearer realm="stopwise"`)
	problem.Write(w)
}

// GetSessionID retrieves the authenticated session ID from the context.
// Returns an empty string if not authenticated.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	return ""
}
