package middleware

import (
	"net/http"

	"github.com/cloo-solutions/lectern/internal/api"
)

// MaxBodyBytes limits request body size.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > limit && r.ContentLength != -1 {
				api.JSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{
					Error: "request body too large",
					Code:  "PAYLOAD_TOO_LARGE",
				})
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
