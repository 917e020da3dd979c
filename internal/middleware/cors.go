package middleware

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// CORS allows the configured origins. A "*" entry allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Trace-ID"}),
		handlers.ExposedHeaders([]string{"X-Trace-ID"}),
		handlers.MaxAge(3600),
	)
}
