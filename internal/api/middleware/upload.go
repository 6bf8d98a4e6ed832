package middleware

import (
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/imagetagger/internal/api/response"
)

// UploadLimit rejects uploads before their body is read: 411 when the body
// length is unknown (no Content-Length), 413 when it exceeds maxBytes. Bodies that
// lie about their length are cut off by http.MaxBytesReader.
func UploadLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength < 0 {
				response.Error(w, http.StatusLengthRequired, "Content-Length header is required")
				return
			}
			if r.ContentLength > maxBytes {
				response.Error(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("upload exceeds %d bytes", maxBytes))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
