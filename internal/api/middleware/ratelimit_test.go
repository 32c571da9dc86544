package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopwise/stopwise/internal/api/middleware"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func fromIP(h http.Handler, method, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = ip + ":40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitByIP(t *testing.T) {
	handler := middleware.RequestID(middleware.RateLimitByIP(middleware.RateLimitConfig{
		RequestLimit: 2,
		WindowLength: 90 * time.Second,
	})(http.HandlerFunc(okHandler)))

	for i := 0; i < 2; i++ {
		rec := fromIP(handler, http.MethodPost, "/v1/sessions", "198.51.100.7")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := fromIP(handler, http.MethodPost, "/v1/sessions", "198.51.100.7")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "too-many-requests")
	assert.Contains(t, rec.Body.String(), "/v1/sessions")
	assert.Contains(t, rec.Body.String(), "req_")

	// Another client has its own budget.
	assert.Equal(t, http.StatusOK, fromIP(handler, http.MethodPost, "/v1/sessions", "198.51.100.8").Code)
}

func TestRateLimitBySession_KeysOnAuthenticatedSession(t *testing.T) {
	tokens := newTokenService(t)
	tokA, _, err := tokens.Issue("ses_a")
	require.NoError(t, err)
	tokB, _, err := tokens.Issue("ses_b")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/sessions/{sessionId}", func(r chi.Router) {
		r.Use(middleware.SessionAuth(tokens))
		r.Use(middleware.RateLimitBySession(middleware.RateLimitConfig{RequestLimit: 1, WindowLength: time.Minute}))
		r.Post("/optimize", okHandler)
	})

	call := func(session, token, ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/sessions/"+session+"/optimize", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+token)
		req.RemoteAddr = ip + ":40000"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("ses_a", tokA, "203.0.113.1"))
	// Same session from a new address is still limited.
	assert.Equal(t, http.StatusTooManyRequests, call("ses_a", tokA, "203.0.113.2"))
	// Another session behind the same address is not.
	assert.Equal(t, http.StatusOK, call("ses_b", tokB, "203.0.113.1"))
}

func TestRateLimitBySession_FallsBackToIP(t *testing.T) {
	handler := middleware.RateLimitBySession(middleware.RateLimitConfig{
		RequestLimit: 1,
		WindowLength: time.Minute,
	})(http.HandlerFunc(okHandler))

	assert.Equal(t, http.StatusOK, fromIP(handler, http.MethodGet, "/x", "192.0.2.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, fromIP(handler, http.MethodGet, "/x", "192.0.2.1").Code)
	assert.Equal(t, http.StatusOK, fromIP(handler, http.MethodGet, "/x", "192.0.2.2").Code)
}

func TestDefaultRateLimits(t *testing.T) {
	assert.Equal(t, middleware.RateLimitConfig{RequestLimit: 10, WindowLength: time.Minute}, middleware.SessionCreateRateLimit)
	assert.Equal(t, middleware.RateLimitConfig{RequestLimit: 30, WindowLength: time.Minute}, middleware.ExpensiveRateLimit)
	assert.Equal(t, middleware.RateLimitConfig{RequestLimit: 100, WindowLength: time.Minute}, middleware.StandardRateLimit)
}
