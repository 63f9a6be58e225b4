package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/logging"
	"github.com/signalix/stepup/internal/middleware"
	"github.com/signalix/stepup/internal/model"
	"go.uber.org/zap"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	stepUp      *auth.StepUp
	cookies     middleware.Cookies
	logger      *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	authService *auth.AuthService,
	stepUp *auth.StepUp,
	cookies middleware.Cookies,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		stepUp:      stepUp,
		cookies:     cookies,
		logger:      logger,
	}
}

// userResponse is the user object in API responses. Secrets and hashes are
// never part of it.
type userResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	FullName    string    `json:"fullName"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newUserResponse(u *model.User) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		PhoneNumber: u.PhoneNumber,
		FullName:    u.FullName,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
	}
}

// statusResponse is the JSON response for GET /auth/status
type statusResponse struct {
	IsAuthenticated bool          `json:"isAuthenticated"`
	IsMFA           bool          `json:"isMFA"`
	User            *userResponse `json:"user"`
}

// loginRequest is the request body for POST /auth/login. Username may also
// be an email address or phone number.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// updatePasswordRequest is the request body for PATCH /auth/update-password
type updatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// HandleStatus handles GET /auth/status. It always answers 200.
func (h *AuthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sc := middleware.GetSessionContext(r.Context())
	status := h.stepUp.Status(r.Context(), sc)
	respondWithJSON(w, http.StatusOK, statusResponse{
		IsAuthenticated: status.IsAuthenticated,
		IsMFA:           status.IsMFA,
		User:            newUserResponse(status.User),
	})
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	current := middleware.GetSessionContext(r.Context())
	sc, user, err := h.authService.Login(r.Context(), current, req.Username, req.Password)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	h.cookies.SetSession(w, sc.Session.ID)
	h.cookies.ClearToken(w)
	respondWithJSON(w, http.StatusOK, newUserResponse(&user))
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sc := middleware.GetSessionContext(r.Context())
	if err := h.authService.Logout(r.Context(), sc); err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	h.cookies.ClearSession(w)
	h.cookies.ClearToken(w)
	respondWithJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully!"})
}

// HandleUpdatePassword handles PATCH /auth/update-password. Every session of
// the user ends, so the caller's cookies are cleared as well.
func (h *AuthHandler) HandleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req updatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" || req.ConfirmPassword == "" {
		respondWithError(w, http.StatusBadRequest, "currentPassword, newPassword and confirmPassword are required")
		return
	}

	sc := middleware.GetSessionContext(r.Context())
	if err := h.authService.ChangePassword(r.Context(), sc, req.CurrentPassword, req.NewPassword, req.ConfirmPassword); err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	h.cookies.ClearSession(w)
	h.cookies.ClearToken(w)
	respondWithJSON(w, http.StatusOK, messageResponse{
		Message: "Password updated. Please log in again with your new password.",
	})
}

// HandleRequestOTP handles POST /auth/otp?media=email|sms|authenticator
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	media, err := auth.ParseMedia(r.URL.Query().Get("media"))
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	sc := middleware.GetSessionContext(r.Context())
	if err := h.stepUp.RequestOTP(r.Context(), sc, media); err != nil {
		h.logger.Info("otp request refused", logging.User(sc.UserID()), zap.Error(err))
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, messageResponse{
		Message: "OTP processed. Please check your chosen media and verify the OTP there.",
	})
}

// HandleVerifyOTP handles PUT /auth/otp. Credentials arrive as HTTP Basic
// with the user id as username and the code as password.
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.Header().Set("Authenticate", otpRealm)
		respondWithError(w, http.StatusUnauthorized, "Missing authorization in request!")
		return
	}
	userID, code, ok := r.BasicAuth()
	if !ok || userID == "" || code == "" {
		respondWithOTPError(w, h.logger, auth.ErrMalformedAuthorization)
		return
	}

	sc := middleware.GetSessionContext(r.Context())
	elevated, err := h.stepUp.VerifyOTP(r.Context(), sc, userID, code)
	if err != nil {
		respondWithOTPError(w, h.logger, err)
		return
	}

	h.cookies.SetToken(w, elevated.Token)
	respondWithJSON(w, http.StatusOK, map[string]string{"token": elevated.Token})
}

// HandleUpdateMFA handles PATCH /auth/update-mfa. Requires an elevated session.
func (h *AuthHandler) HandleUpdateMFA(w http.ResponseWriter, r *http.Request) {
	sc := middleware.GetSessionContext(r.Context())
	uri, err := h.stepUp.RotateSecret(r.Context(), sc)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"uri": uri})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondWithJSON(w, http.StatusOK, newUserResponse(user))
}
