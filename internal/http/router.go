package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/cache"
	"github.com/signalix/stepup/internal/http/handlers"
	"github.com/signalix/stepup/internal/middleware"
	"github.com/signalix/stepup/internal/repo"
	"go.uber.org/zap"
)

// Deps is everything the router wires into handlers and middleware
type Deps struct {
	AuthService *auth.AuthService
	StepUp      *auth.StepUp
	Sessions    *auth.SessionStore
	Users       repo.UserRepo
	Cache       cache.Cache
	Cookies     middleware.Cookies
	// OpTimeout bounds the cache and store calls made by middleware
	OpTimeout time.Duration
	Logger    *zap.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.LoadSession(d.Sessions, d.Cookies, d.OpTimeout, d.Logger))

	authHandler := handlers.NewAuthHandler(d.AuthService, d.StepUp, d.Cookies, d.Logger)
	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	limit := func(scope string, maxReqs int) func(http.Handler) http.Handler {
		limiter := middleware.NewRateLimiter(d.Cache, scope, 15*time.Minute, maxReqs).WithTimeout(d.OpTimeout)
		return middleware.RateLimitMiddleware(limiter, middleware.GetIPKey, d.Logger)
	}
	authLimit := limit("auth", 15)
	loginLimit := limit("auth-login", 10)
	passwordLimit := limit("auth-password-update", 2)
	sessionsLimit := limit("sessions", 100)
	requireSession := middleware.RequireSession(d.Users, d.OpTimeout)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/status", authHandler.HandleStatus)
		r.With(loginLimit).Post("/login", authHandler.HandleLogin)
		r.Post("/logout", authHandler.HandleLogout)

		r.With(authLimit, requireSession).Post("/otp", authHandler.HandleRequestOTP)
		r.With(authLimit, requireSession).Put("/otp", authHandler.HandleVerifyOTP)
		r.With(authLimit, requireSession, middleware.RequireElevated(d.StepUp, d.Logger)).
			Patch("/update-mfa", authHandler.HandleUpdateMFA)
		r.With(passwordLimit, requireSession).Patch("/update-password", authHandler.HandleUpdatePassword)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Use(sessionsLimit, requireSession)
		r.Get("/me", authHandler.HandleListSessions)
		r.Delete("/me/{id}", authHandler.HandleDeleteSession)
	})

	// Protected routes (require a primary session)
	r.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Get("/me", authHandler.HandleMe)
	})

	return r
}
