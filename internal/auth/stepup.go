package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/stepup/internal/cache"
	"github.com/signalix/stepup/internal/logging"
	"github.com/signalix/stepup/internal/model"
	"github.com/signalix/stepup/internal/repo"
	"go.uber.org/zap"
)

// DefaultOpTimeout bounds cache and store calls when no timeout is configured
const DefaultOpTimeout = 5 * time.Second

// MaxOTPAttempts is the number of failed verifications that locks a user out
// until the attempt counter expires.
const MaxOTPAttempts = 3

// StepUpConfig tunes the step-up flow
type StepUpConfig struct {
	// TOTPIssuer is shown by authenticator apps next to the account
	TOTPIssuer string
	// ElevatedTTL is the lifetime of elevated tokens and their session marks
	ElevatedTTL time.Duration
	// OpTimeout bounds every operation's cache and store calls
	OpTimeout time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

// StepUp elevates primary sessions with a TOTP second factor. It holds no
// per-user state; everything lives in the cache and the credential store.
type StepUp struct {
	cache    cache.Cache
	users    repo.UserRepo
	sessions *SessionStore
	totp     *TOTP
	tokens   *TokenService
	notifier Notifier

	issuer      string
	elevatedTTL time.Duration
	opTimeout   time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewStepUp wires the step-up flow
func NewStepUp(
	c cache.Cache,
	users repo.UserRepo,
	sessions *SessionStore,
	engine *TOTP,
	tokens *TokenService,
	notifier Notifier,
	cfg StepUpConfig,
) *StepUp {
	s := &StepUp{
		cache:       c,
		users:       users,
		sessions:    sessions,
		totp:        engine,
		tokens:      tokens,
		notifier:    notifier,
		issuer:      cfg.TOTPIssuer,
		elevatedTTL: cfg.ElevatedTTL,
		opTimeout:   cfg.OpTimeout,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if s.issuer == "" {
		s.issuer = "Dev"
	}
	if s.elevatedTTL <= 0 {
		s.elevatedTTL = cache.KindOTPSession.DefaultTTL()
	}
	if s.opTimeout <= 0 {
		s.opTimeout = DefaultOpTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// ElevatedTTL returns the lifetime of issued elevated tokens
func (s *StepUp) ElevatedTTL() time.Duration { return s.elevatedTTL }

// OpTimeout returns the bound applied to each operation's cache and store calls
func (s *StepUp) OpTimeout() time.Duration { return s.opTimeout }

func (s *StepUp) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// RequestOTP dispatches a code to the session's user through media. Only one
// request per user is accepted within the request window; later ones fail
// with a *RateLimitError.
func (s *StepUp) RequestOTP(ctx context.Context, sc SessionContext, media Media) error {
	userID := sc.UserID()
	if userID == "" {
		return ErrUnauthenticated
	}

	var smsSender SMSSender
	switch media {
	case MediaAuthenticator, MediaEmail:
	case MediaSMS:
		sender, ok := s.notifier.(SMSSender)
		if !ok {
			return fmt.Errorf("%w: sms delivery", ErrNotImplemented)
		}
		smsSender = sender
	default:
		return ErrInvalidMedia
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	markKey := cache.AskedOTP(userID)
	claimed, err := s.cache.SetNX(ctx, markKey, "1", cache.AskedOTPTTL)
	if err != nil {
		return unavailable("claim otp request", err)
	}
	if !claimed {
		retryAfter, err := s.cache.TTL(ctx, markKey)
		if err != nil || retryAfter <= 0 {
			retryAfter = cache.AskedOTPTTL
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}

	// The mark is only kept when a code actually went out
	release := func(cause error) error {
		if err := s.cache.Delete(ctx, markKey); err != nil {
			s.logger.Warn("failed to release otp request mark", logging.User(userID), zap.Error(err))
		}
		return cause
	}

	user, err := s.loadActiveUser(ctx, userID)
	if err != nil {
		return release(err)
	}

	code, err := s.totp.Generate(user.TOTPSecret, s.now())
	if err != nil {
		return release(err)
	}

	switch media {
	case MediaEmail:
		if err := s.notifier.SendOTP(ctx, user, code); err != nil {
			return release(unavailable("send otp email", err))
		}
	case MediaSMS:
		if err := smsSender.SendOTPSMS(ctx, user, code); err != nil {
			return release(unavailable("send otp sms", err))
		}
	}

	s.logger.Info("otp requested", logging.User(userID), zap.String("media", string(media)))
	return nil
}

// VerifyOTP checks code for userID and, on success, returns sc carrying a
// fresh elevated token. userID must be the session's own user.
//
// Checks run in a fixed order: lockout, replay, code. Replays and wrong codes
// both count towards the lockout.
func (s *StepUp) VerifyOTP(ctx context.Context, sc SessionContext, userID, code string) (SessionContext, error) {
	if sc.UserID() == "" {
		return sc, ErrUnauthenticated
	}
	if userID == "" || code == "" {
		return sc, ErrMalformedAuthorization
	}
	if userID != sc.UserID() {
		return sc, ErrForbidden
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.loadActiveUser(ctx, userID)
	if err != nil {
		return sc, err
	}

	attempts, err := s.attempts(ctx, userID)
	if err != nil {
		return sc, err
	}
	if attempts >= MaxOTPAttempts {
		s.alertLockout(ctx, user)
		return sc, ErrTooManyAttempts
	}

	code = strings.TrimSpace(code)
	if !wellFormedCode(code, s.totp.Digits.Length()) {
		return sc, s.fail(ctx, userID, ErrInvalidCode)
	}

	blacklistKey := cache.BlacklistedOTP(userID, code)
	_, used, err := s.cache.Get(ctx, blacklistKey)
	if err != nil {
		return sc, unavailable("check otp blacklist", err)
	}
	if used {
		return sc, s.fail(ctx, userID, ErrReplay)
	}

	valid, err := s.totp.Validate(code, user.TOTPSecret, s.now())
	if err != nil {
		return sc, err
	}
	if !valid {
		return sc, s.fail(ctx, userID, ErrInvalidCode)
	}

	// Consume the code before anything is issued for it
	consumed, err := s.cache.SetNX(ctx, blacklistKey, "1", cache.BlacklistedOTPTTL)
	if err != nil {
		return sc, unavailable("blacklist otp", err)
	}
	if !consumed {
		// a concurrent verification won the race for this code
		return sc, s.fail(ctx, userID, ErrReplay)
	}

	jti := uuid.NewString()
	token, err := s.tokens.Sign(jti, userID, s.elevatedTTL)
	if err != nil {
		return sc, err
	}
	// indexed first, so a mark that exists can always be revoked with its user
	if err := s.cache.AddMember(ctx, cache.UserOTPSessions(userID), jti, s.elevatedTTL); err != nil {
		return sc, unavailable("index elevated session", err)
	}
	if err := s.cache.Set(ctx, cache.OTPSession(jti), userID, s.elevatedTTL); err != nil {
		return sc, unavailable("store elevated session", err)
	}

	s.logger.Info("otp verified", logging.User(userID))
	return sc.WithToken(token), nil
}

// Status classifies sc without side effects. It never fails: anything that
// cannot be confirmed degrades to a lower status.
func (s *StepUp) Status(ctx context.Context, sc SessionContext) model.Status {
	unauthenticated := model.Status{}
	if sc.Session == nil || sc.Session.ID == "" {
		return unauthenticated
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.sessions.Get(ctx, sc.Session.ID)
	if err != nil || session.UserID != sc.Session.UserID {
		return unauthenticated
	}
	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil || !user.IsActive {
		return unauthenticated
	}

	authenticated := model.Status{IsAuthenticated: true, User: &user}
	if sc.Token == "" {
		return authenticated
	}
	claims, err := s.tokens.Verify(sc.Token)
	if err != nil {
		return authenticated
	}
	markUserID, ok, err := s.cache.Get(ctx, cache.OTPSession(claims.JTI))
	if err != nil || !ok {
		return authenticated
	}
	if markUserID != session.UserID || claims.Subject != session.UserID {
		return authenticated
	}

	authenticated.IsMFA = true
	return authenticated
}

// Revoke ends the elevated session identified by jti. The token itself may
// still verify but no longer counts as elevated.
func (s *StepUp) Revoke(ctx context.Context, jti string) error {
	if jti == "" {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.cache.Delete(ctx, cache.OTPSession(jti)); err != nil {
		return unavailable("revoke elevated session", err)
	}
	return nil
}

// RevokeAllForUser ends every elevated session issued to the user and
// returns how many marks it removed.
func (s *StepUp) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := cache.UserOTPSessions(userID)
	jtis, err := s.cache.Members(ctx, key)
	if err != nil {
		return 0, unavailable("list elevated sessions", err)
	}
	for _, jti := range jtis {
		if err := s.cache.Delete(ctx, cache.OTPSession(jti)); err != nil {
			return 0, unavailable("revoke elevated session", err)
		}
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return 0, unavailable("drop elevated session index", err)
	}
	return len(jtis), nil
}

// RevokeToken revokes the elevated session a token refers to. Tokens that do
// not verify have nothing live to revoke.
func (s *StepUp) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil
	}
	return s.Revoke(ctx, claims.JTI)
}

// RotateSecret replaces the user's TOTP secret and returns the provisioning
// URI for the new one. Codes from the old secret stop verifying at once;
// already issued elevated sessions are left alone.
func (s *StepUp) RotateSecret(ctx context.Context, sc SessionContext) (string, error) {
	userID := sc.UserID()
	if userID == "" {
		return "", ErrUnauthenticated
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.loadActiveUser(ctx, userID)
	if err != nil {
		return "", err
	}
	secret, uri, err := s.totp.NewSecret(s.issuer, user.Username)
	if err != nil {
		return "", err
	}
	if err := s.users.UpdateTOTPSecret(ctx, userID, secret); err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return "", ErrNotFound
		}
		return "", unavailable("update totp secret", err)
	}

	s.logger.Info("totp secret rotated", logging.User(userID))
	return uri, nil
}

// ProvisioningURI returns the enrollment URI for the user's current secret
func (s *StepUp) ProvisioningURI(user model.User) string {
	return s.totp.ProvisioningURI(s.issuer, user.Username, user.TOTPSecret)
}

func (s *StepUp) loadActiveUser(ctx context.Context, userID string) (model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, unavailable("load user", err)
	}
	if !user.IsActive {
		return model.User{}, ErrForbidden
	}
	return user, nil
}

func (s *StepUp) attempts(ctx context.Context, userID string) (int64, error) {
	raw, ok, err := s.cache.Get(ctx, cache.OTPAttempts(userID))
	if err != nil {
		return 0, unavailable("read otp attempts", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// unreadable counter is treated as a lockout
		return MaxOTPAttempts, nil
	}
	return n, nil
}

// fail records a failed attempt and returns cause. If the penalty cannot be
// recorded the attempt still fails, as unavailable.
func (s *StepUp) fail(ctx context.Context, userID string, cause error) error {
	n, err := s.cache.Incr(ctx, cache.OTPAttempts(userID), cache.OTPAttemptsTTL)
	if err != nil {
		return unavailable("record otp attempt", err)
	}
	s.logger.Info("otp verification failed",
		logging.User(userID),
		zap.Int64("attempts", n),
		zap.String("reason", cause.Error()),
	)
	return cause
}

// alertLockout notifies the user about the lockout at most once per alert
// lock lifetime. Failures are logged and otherwise ignored.
func (s *StepUp) alertLockout(ctx context.Context, user model.User) {
	first, err := s.cache.SetNX(ctx, cache.SecurityAlertLock(user.ID), "1", cache.SecurityAlertLockTTL)
	if err != nil {
		s.logger.Warn("failed to take security alert lock", logging.User(user.ID), zap.Error(err))
		return
	}
	if !first {
		return
	}
	if err := s.notifier.SendSecurityAlert(ctx, user); err != nil {
		s.logger.Warn("failed to send security alert", logging.User(user.ID), zap.Error(err))
		return
	}
	s.logger.Info("security alert sent", logging.User(user.ID))
}

func wellFormedCode(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
