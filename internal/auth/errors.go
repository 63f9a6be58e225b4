package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrNotFound               = errors.New("user not found")
	ErrForbidden              = errors.New("forbidden")
	ErrRateLimited            = errors.New("too many requests")
	ErrTooManyAttempts        = errors.New("too many attempts")
	ErrReplay                 = errors.New("otp code expired")
	ErrInvalidCode            = errors.New("invalid otp code")
	ErrInvalidToken           = errors.New("invalid token")
	ErrConfig                 = errors.New("configuration error")
	ErrUnavailable            = errors.New("service unavailable")
	ErrNotImplemented         = errors.New("not implemented")
	ErrInvalidMedia           = errors.New("invalid media")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrMalformedAuthorization = errors.New("malformed authorization")
	ErrWrongPassword          = errors.New("current password is wrong")
	ErrPasswordMismatch       = errors.New("password confirmation does not match")
	ErrWeakPassword           = errors.New("password too short")
	ErrSessionNotFound        = errors.New("session not found")
)

// RateLimitError carries how long the caller has to wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", ErrRateLimited, int(e.RetryAfter.Round(time.Second)/time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// unavailable wraps an I/O failure so callers see ErrUnavailable while the
// cause stays available to logs.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
