package handler

import (
	"fmt"
	"net/http"
	"os"

	"github.com/kiranshivaraju/imagetagger/internal/api/response"
)

// NewStatusHandler returns an http.HandlerFunc for GET /api/status.
func NewStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, map[string]string{"status": "ok"})
	}
}

// LoadIndex reads the home page once so it can be served from memory.
func LoadIndex(path string) ([]byte, error) {
	page, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}
	return page, nil
}

// NewHomeHandler returns an http.HandlerFunc for GET /. A nil page means the
// index file could not be loaded at startup.
func NewHomeHandler(page []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if page == nil {
			response.Error(w, http.StatusNotFound, "index page is not available")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(page)
	}
}
