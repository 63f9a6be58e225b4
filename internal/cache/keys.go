package cache

import (
	"strconv"
	"strings"
	"time"
)

// Kind identifies a family of cache entries. Every key of one kind shares a
// prefix, a granularity and a default TTL.
type Kind string

const (
	KindAskedOTP          Kind = "asked-otp"
	KindOTPAttempts       Kind = "otp-attempts"
	KindBlacklistedOTP    Kind = "blacklisted-otp"
	KindSecurityAlertLock Kind = "security-alert-email-lock"
	KindOTPSession        Kind = "otp-sess"
	KindSession           Kind = "sess"
	KindRateLimit         Kind = "rate-limit"
	KindUserSessions      Kind = "user-sess"
	KindUserOTPSessions   Kind = "user-otp-sess"
)

// Default lifetimes of each entry kind
const (
	AskedOTPTTL          = 30 * time.Second
	OTPAttemptsTTL       = 24 * time.Hour
	BlacklistedOTPTTL    = 120 * time.Second
	SecurityAlertLockTTL = 15 * time.Minute
	OTPSessionTTL        = 15 * time.Minute
	SessionTTL           = 2 * time.Hour
)

// DefaultTTL returns the lifetime entries of this kind are written with
// unless configuration overrides it.
func (k Kind) DefaultTTL() time.Duration {
	switch k {
	case KindAskedOTP:
		return AskedOTPTTL
	case KindOTPAttempts:
		return OTPAttemptsTTL
	case KindBlacklistedOTP:
		return BlacklistedOTPTTL
	case KindSecurityAlertLock:
		return SecurityAlertLockTTL
	case KindOTPSession:
		return OTPSessionTTL
	case KindSession, KindUserSessions:
		return SessionTTL
	case KindUserOTPSessions:
		return OTPSessionTTL
	}
	return 0
}

// Key is a typed cache key. Construct it with one of the kind constructors
// below; the zero Key is invalid.
type Key struct {
	kind  Kind
	parts []string
}

// AskedOTP marks that a user was recently sent an OTP.
func AskedOTP(userID string) Key { return Key{kind: KindAskedOTP, parts: []string{userID}} }

// OTPAttempts counts failed OTP verifications of a user.
func OTPAttempts(userID string) Key { return Key{kind: KindOTPAttempts, parts: []string{userID}} }

// BlacklistedOTP marks one code as consumed for one user.
func BlacklistedOTP(userID, code string) Key {
	return Key{kind: KindBlacklistedOTP, parts: []string{userID, code}}
}

// SecurityAlertLock suppresses repeated lockout alerts for a user.
func SecurityAlertLock(userID string) Key {
	return Key{kind: KindSecurityAlertLock, parts: []string{userID}}
}

// OTPSession tracks liveness of one elevated token by its jti.
func OTPSession(jti string) Key { return Key{kind: KindOTPSession, parts: []string{jti}} }

// Session stores a primary session by its id.
func Session(sessionID string) Key { return Key{kind: KindSession, parts: []string{sessionID}} }

// UserSessions indexes the primary session ids of a user.
func UserSessions(userID string) Key { return Key{kind: KindUserSessions, parts: []string{userID}} }

// UserOTPSessions indexes the elevated-session jtis of a user.
func UserOTPSessions(userID string) Key {
	return Key{kind: KindUserOTPSessions, parts: []string{userID}}
}

// Kind returns the entry kind of the key.
func (k Key) Kind() Kind { return k.kind }

// IsZero reports whether the key was built without a constructor.
func (k Key) IsZero() bool { return k.kind == "" }

// String renders the key as stored: kind and parts joined by colons.
// Colons inside parts are escaped so that parts of one kind cannot spill
// into the next segment.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(string(k.kind))
	for _, p := range k.parts {
		b.WriteByte(':')
		b.WriteString(escaper.Replace(p))
	}
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// RateLimit counts requests of one client against one limited route group
// within one fixed window.
func RateLimit(scope, client string, window int64) Key {
	return Key{kind: KindRateLimit, parts: []string{scope, client, strconv.FormatInt(window, 10)}}
}
