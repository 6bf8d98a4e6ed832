package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/imagetagger/internal/api/middleware"
	"github.com/kiranshivaraju/imagetagger/internal/api/response"
)

// Rate-limit scopes. Each upload route counts against its own quota.
const (
	ScopeCheckImage      = "check-image"
	ScopeCheckImageAsync = "check-image-async"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit      *mw.RateLimit
	MaxUploadBytes int64

	HomeHandler        http.HandlerFunc
	StatusHandler      http.HandlerFunc
	HealthHandler      http.HandlerFunc
	CheckImageHandler  http.HandlerFunc
	SubmitAsyncHandler http.HandlerFunc
	PollHandler        http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.ClientIP)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/", orNotImplemented(deps.HomeHandler))
	r.Get("/api/status", orNotImplemented(deps.StatusHandler))
	r.Get("/api/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/check-image-async", orNotImplemented(deps.PollHandler))

	// Uploads: the size guard runs before the rate limiter, so rejected
	// bodies never consume quota.
	r.Group(func(r chi.Router) {
		r.Use(mw.UploadLimit(deps.MaxUploadBytes))

		r.With(limit(deps.RateLimit, ScopeCheckImage)).
			Post("/api/check-image", orNotImplemented(deps.CheckImageHandler))
		r.With(limit(deps.RateLimit, ScopeCheckImageAsync)).
			Post("/api/check-image-async", orNotImplemented(deps.SubmitAsyncHandler))
	})

	return r
}

func limit(rl *mw.RateLimit, scope string) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.Limit(scope)
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "Endpoint not yet implemented")
	}
}
