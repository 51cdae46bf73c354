package api

import "net/http"

// RequestBodyLimitMiddleware caps request bodies at maxBytes so a runaway
// POST cannot exhaust memory. Reads past the cap fail inside the handler's
// decoder.
func RequestBodyLimitMiddleware(maxBytes int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
			}
			next.ServeHTTP(w, r)
		})
	}
}
