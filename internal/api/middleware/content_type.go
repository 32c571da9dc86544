package middleware

import (
	"mime"
	"net/http"

	"github.com/stopwise/stopwise/internal/api/models"
)

// ContentTypeJSON defaults the response Content-Type to application/json.
// Handlers that set their own type keep it.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// RequireJSON rejects request bodies that declare a media type other than
// application/json with a 415 problem. A missing Content-Type is accepted,
// and so are parameters such as charset.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hasBody(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		ct := r.Header.Get("Content-Type")
		if ct == "" {
			next.ServeHTTP(w, r)
			return
		}
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			problem := models.NewUnsupportedMediaType(GetRequestID(r.Context()),
				"request body must be application/json")
			problem.Instance = r.URL.Path
			problem.Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
