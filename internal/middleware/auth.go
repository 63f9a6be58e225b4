package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/logging"
	"github.com/signalix/stepup/internal/model"
	"github.com/signalix/stepup/internal/repo"
	"go.uber.org/zap"
)

type contextKey string

const (
	sessionContextKey contextKey = "session_context"
	userKey           contextKey = "user"
)

// Cookies names and scopes the session and elevated-token cookies
type Cookies struct {
	SessionName string
	TokenName   string
	// Secure marks cookies Secure and adds the __Host- prefix to the session cookie
	Secure      bool
	SessionTTL  time.Duration
	ElevatedTTL time.Duration
}

// SessionCookieName is the name the session cookie is written under
func (c Cookies) SessionCookieName() string {
	if c.Secure {
		return "__Host-" + c.SessionName
	}
	return c.SessionName
}

func (c Cookies) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// SetSession writes the primary session cookie
func (c Cookies) SetSession(w http.ResponseWriter, sid string) {
	http.SetCookie(w, c.cookie(c.SessionCookieName(), sid, c.SessionTTL))
}

// SetToken writes the elevated-token cookie
func (c Cookies) SetToken(w http.ResponseWriter, token string) {
	http.SetCookie(w, c.cookie(c.TokenName, token, c.ElevatedTTL))
}

// ClearToken expires the elevated-token cookie
func (c Cookies) ClearToken(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(c.TokenName, "", -time.Second))
}

// ClearSession expires the session cookie
func (c Cookies) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(c.SessionCookieName(), "", -time.Second))
}

// LoadSession resolves the session cookie and the elevated token (cookie or
// Bearer header) into an auth.SessionContext on the request context. It never
// rejects a request; guards below do that. Cache calls are bounded by
// opTimeout, auth.DefaultOpTimeout when zero.
func LoadSession(sessions *auth.SessionStore, cookies Cookies, opTimeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sc auth.SessionContext
			if c, err := r.Cookie(cookies.SessionCookieName()); err == nil && c.Value != "" {
				sc.Session = loadSession(r.Context(), sessions, c.Value, opTimeout, logger)
			}
			sc = sc.WithToken(extractToken(r, cookies.TokenName))

			next.ServeHTTP(w, r.WithContext(WithSessionContext(r.Context(), sc)))
		})
	}
}

func loadSession(ctx context.Context, sessions *auth.SessionStore, sid string, opTimeout time.Duration, logger *zap.Logger) *model.Session {
	ctx, cancel := withOpTimeout(ctx, opTimeout)
	defer cancel()

	session, err := sessions.Get(ctx, sid)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			logger.Warn("failed to load session", zap.Error(err))
		}
		return nil
	}
	touched, err := sessions.Touch(ctx, session)
	switch {
	case err == nil:
		return touched
	case errors.Is(err, auth.ErrUnauthenticated):
		// destroyed since Get
		return nil
	default:
		logger.Warn("failed to touch session", logging.User(session.UserID), zap.Error(err))
		return session
	}
}

func withOpTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = auth.DefaultOpTimeout
	}
	return context.WithTimeout(ctx, d)
}

func extractToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// RequireSession rejects requests without a live primary session whose user
// exists and is active, and attaches that user to the context. The user
// lookup is bounded by opTimeout and answers 503 when it runs out.
func RequireSession(users repo.UserRepo, opTimeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := GetSessionContext(r.Context())
			if sc.Session == nil {
				respondWithError(w, http.StatusUnauthorized, "You are not logged in yet! Please log in first!")
				return
			}

			ctx, cancel := withOpTimeout(r.Context(), opTimeout)
			user, err := users.GetByID(ctx, sc.Session.UserID)
			cancel()
			if err != nil {
				if errors.Is(err, repo.ErrUserNotFound) {
					respondWithError(w, http.StatusUnauthorized, "User belonging to this session does not exist.")
					return
				}
				respondWithError(w, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			if !user.IsActive {
				respondWithError(w, http.StatusForbidden, "User is not active. Please contact the admin.")
				return
			}

			ctx = context.WithValue(r.Context(), userKey, &user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireElevated rejects requests whose session is not elevated
func RequireElevated(stepUp *auth.StepUp, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := GetSessionContext(r.Context())
			status := stepUp.Status(r.Context(), sc)
			if !status.IsMFA {
				logger.Debug("elevated session required", logging.User(sc.UserID()))
				respondWithError(w, http.StatusUnauthorized, "Please verify your OTP to access this resource.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithSessionContext stores sc on ctx
func WithSessionContext(ctx context.Context, sc auth.SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey, sc)
}

// GetSessionContext returns the session context set by LoadSession, or the
// zero value.
func GetSessionContext(ctx context.Context) auth.SessionContext {
	sc, _ := ctx.Value(sessionContextKey).(auth.SessionContext)
	return sc
}

// GetUser returns the user attached to the request context (set by RequireSession)
func GetUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
