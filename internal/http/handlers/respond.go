package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/signalix/stepup/internal/auth"
	"go.uber.org/zap"
)

// otpRealm is sent in Authenticate rather than WWW-Authenticate so browsers
// do not pop up their own credential dialog.
const otpRealm = `Basic realm="OTP-MFA", charset="UTF-8"`

type errorMapping struct {
	target  error
	status  int
	message string
}

// errorMappings is checked in order; the first match wins
var errorMappings = []errorMapping{
	{auth.ErrUnauthenticated, http.StatusUnauthorized, "No session detected. Please log in again."},
	{auth.ErrMalformedAuthorization, http.StatusUnauthorized, "Invalid authentication scheme!"},
	{auth.ErrNotFound, http.StatusNotFound, "User with that ID is not found."},
	{auth.ErrForbidden, http.StatusForbidden, "You are not allowed to perform this action."},
	{auth.ErrRateLimited, http.StatusTooManyRequests, "You have recently asked for an OTP. Please wait 30 seconds before we process your request again."},
	{auth.ErrTooManyAttempts, http.StatusTooManyRequests, "You have exceeded the number of times allowed for a secured session. Please try again in the next day."},
	{auth.ErrReplay, http.StatusGone, "This OTP has expired. Please request it again in 30 seconds!"},
	{auth.ErrInvalidCode, http.StatusUnauthorized, "Invalid authentication, wrong OTP code."},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "Invalid token."},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid username and/or password!"},
	{auth.ErrWrongPassword, http.StatusUnauthorized, "Your previous password is wrong!"},
	{auth.ErrPasswordMismatch, http.StatusBadRequest, "Your new passwords do not match."},
	{auth.ErrWeakPassword, http.StatusBadRequest, "Your new password must be at least 8 characters long."},
	{auth.ErrSessionNotFound, http.StatusNotFound, "You do not have a session with that ID."},
	{auth.ErrInvalidMedia, http.StatusBadRequest, "Media must be one of email, sms or authenticator."},
	{auth.ErrNotImplemented, http.StatusNotImplemented, "Media is not yet implemented. Please use another media."},
	{auth.ErrUnavailable, http.StatusServiceUnavailable, "Service is temporarily unavailable. Please try again later."},
}

// statusFor maps a service error to an HTTP status and a caller-facing message
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.message
		}
	}
	return http.StatusInternalServerError, "Something went wrong. Please try again later."
}

// respondWithServiceError writes err as JSON, logging anything that is not a
// plain business outcome.
func respondWithServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}

	var rl *auth.RateLimitError
	if errors.As(err, &rl) {
		secs := max(int(rl.RetryAfter.Round(time.Second)/time.Second), 1)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	respondWithError(w, status, message)
}

// respondWithOTPError is respondWithServiceError for the OTP verification
// endpoint, which announces its Basic realm on 401s.
func respondWithOTPError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if status, _ := statusFor(err); status == http.StatusUnauthorized {
		w.Header().Set("Authenticate", otpRealm)
	}
	respondWithServiceError(w, logger, err)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
