package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORS echoes the request origin when it is in the allow list. "*" allows
// any origin; an entry ending in "*" matches by prefix.
func CORS(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqOrigin := r.Header.Get("Origin")
			if reqOrigin != "" && originAllowed(reqOrigin, origins) {
				w.Header().Set("Access-Control-Allow-Origin", reqOrigin)
				w.Header().Add("Vary", "Origin")
			} else if slices.Contains(origins, "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(reqOrigin string, origins []string) bool {
	for _, o := range origins {
		switch {
		case o == "*", o == reqOrigin:
			return true
		case strings.HasSuffix(o, "*") && strings.HasPrefix(reqOrigin, strings.TrimSuffix(o, "*")):
			return true
		}
	}
	return false
}
