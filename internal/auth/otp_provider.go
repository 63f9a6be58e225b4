package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalix/stepup/internal/model"
)

// Media is the channel an OTP is delivered through
type Media string

const (
	MediaEmail         Media = "email"
	MediaSMS           Media = "sms"
	MediaAuthenticator Media = "authenticator"
)

// ParseMedia validates a media name. Empty means authenticator.
func ParseMedia(s string) (Media, error) {
	switch Media(strings.ToLower(strings.TrimSpace(s))) {
	case "", MediaAuthenticator:
		return MediaAuthenticator, nil
	case MediaEmail:
		return MediaEmail, nil
	case MediaSMS:
		return MediaSMS, nil
	}
	return "", fmt.Errorf("%w: %q (want email, sms or authenticator)", ErrInvalidMedia, s)
}

// Notifier delivers codes and alerts out of band
type Notifier interface {
	SendOTP(ctx context.Context, user model.User, code string) error
	SendSecurityAlert(ctx context.Context, user model.User) error
}

// SMSSender is implemented by notifiers that can also deliver codes by SMS
type SMSSender interface {
	SendOTPSMS(ctx context.Context, user model.User, code string) error
}
