package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// NormalizeQuery trims surrounding whitespace from query values and drops
// parameters that end up empty. "?user=" then reads as "no user given" down
// the stack, and the task routes fall back to the identity headers.
func NormalizeQuery() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			normalized := make(url.Values, len(q))
			for name, values := range q {
				for _, v := range values {
					if v = strings.TrimSpace(v); v != "" {
						normalized.Add(name, v)
					}
				}
			}
			r.URL.RawQuery = normalized.Encode()
			next.ServeHTTP(w, r)
		})
	}
}
