package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// Cors configures cross-origin access for the engine API. Browser consoles
// call the task routes with the X-User and X-Groups identity headers, so
// those must survive the preflight. An empty origin list opens the API to
// any origin.
func Cors(allowedOrigins []string) func(next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User", "X-Groups"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
