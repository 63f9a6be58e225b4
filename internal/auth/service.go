package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalix/stepup/internal/logging"
	"github.com/signalix/stepup/internal/model"
	"github.com/signalix/stepup/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted on create or change
const MinPasswordLength = 8

// dummyHash keeps unknown-user logins as slow as wrong-password ones
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)

// AuthService orchestrates primary authentication around the step-up flow.
// Its operations share the step-up flow's operation timeout.
type AuthService struct {
	users     repo.UserRepo
	sessions  *SessionStore
	stepUp    *StepUp
	opTimeout time.Duration
	logger    *zap.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(users repo.UserRepo, sessions *SessionStore, stepUp *StepUp, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	opTimeout := DefaultOpTimeout
	if stepUp != nil {
		opTimeout = stepUp.OpTimeout()
	}
	return &AuthService{
		users:     users,
		sessions:  sessions,
		stepUp:    stepUp,
		opTimeout: opTimeout,
		logger:    logger,
	}
}

func (s *AuthService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Login checks credential (username, email or phone number) and password and
// starts a fresh primary session. Any session in current is discarded so a
// session id is never shared across logins.
func (s *AuthService) Login(ctx context.Context, current SessionContext, credential, password string) (SessionContext, model.User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" || password == "" {
		return SessionContext{}, model.User{}, ErrInvalidCredentials
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetByCredential(ctx, credential)
	if err != nil {
		if !errors.Is(err, repo.ErrUserNotFound) {
			return SessionContext{}, model.User{}, unavailable("load user", err)
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return SessionContext{}, model.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return SessionContext{}, model.User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return SessionContext{}, model.User{}, ErrForbidden
	}

	if err := s.discard(ctx, current); err != nil {
		s.logger.Warn("failed to discard previous session", zap.Error(err))
	}

	session, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		return SessionContext{}, model.User{}, err
	}

	s.logger.Info("user logged in", logging.User(user.ID))
	return SessionContext{Session: session}, user, nil
}

// Logout destroys the primary session and the elevated session its token
// refers to.
func (s *AuthService) Logout(ctx context.Context, sc SessionContext) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.discard(ctx, sc); err != nil {
		return err
	}
	if sc.Session != nil {
		s.logger.Info("user logged out", logging.User(sc.Session.UserID))
	}
	return nil
}

func (s *AuthService) discard(ctx context.Context, sc SessionContext) error {
	if err := s.stepUp.RevokeToken(ctx, sc.Token); err != nil {
		return err
	}
	if sc.Session == nil {
		return nil
	}
	return s.sessions.Destroy(ctx, sc.Session)
}

// ChangePassword replaces the caller's password after checking the current
// one. Every primary and elevated session of the user ends with it, the
// caller's own included.
func (s *AuthService) ChangePassword(ctx context.Context, sc SessionContext, current, next, confirm string) error {
	userID := sc.UserID()
	if userID == "" {
		return ErrUnauthenticated
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return ErrNotFound
		}
		return unavailable("load user", err)
	}
	if !user.IsActive {
		return ErrForbidden
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrWrongPassword
	}
	if next != confirm {
		return ErrPasswordMismatch
	}
	if len(next) < MinPasswordLength {
		return ErrWeakPassword
	}

	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return ErrNotFound
		}
		return unavailable("update password", err)
	}

	sessions, err := s.sessions.DestroyAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	marks, err := s.stepUp.RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}

	s.logger.Info("password changed",
		logging.User(userID),
		zap.Int("sessions_revoked", sessions),
		zap.Int("elevated_revoked", marks),
	)
	return nil
}

// ListSessions returns the caller's live primary sessions
func (s *AuthService) ListSessions(ctx context.Context, sc SessionContext) ([]*model.Session, error) {
	if sc.UserID() == "" {
		return nil, ErrUnauthenticated
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.sessions.ListByUser(ctx, sc.UserID())
}

// DestroySession ends one of the caller's own sessions and reports whether it
// was the caller's current one. Ending the current session also revokes the
// caller's elevated token. A session of another user is ErrSessionNotFound.
func (s *AuthService) DestroySession(ctx context.Context, sc SessionContext, sid string) (bool, error) {
	if sc.UserID() == "" {
		return false, ErrUnauthenticated
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.sessions.Get(ctx, sid)
	if errors.Is(err, ErrUnauthenticated) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, err
	}
	if session.UserID != sc.UserID() {
		return false, ErrSessionNotFound
	}

	if session.ID == sc.Session.ID {
		if err := s.discard(ctx, sc); err != nil {
			return false, err
		}
		s.logger.Info("current session destroyed", logging.User(session.UserID))
		return true, nil
	}
	if err := s.sessions.Destroy(ctx, session); err != nil {
		return false, err
	}
	s.logger.Info("session destroyed", logging.User(session.UserID))
	return false, nil
}

// NewUser is the input to CreateUser
type NewUser struct {
	Username    string
	Email       string
	PhoneNumber string
	FullName    string
	Password    string
}

// CreateUser stores an active user with a hashed password and a fresh TOTP
// secret, returning the user and its provisioning URI.
func (s *AuthService) CreateUser(ctx context.Context, in NewUser) (model.User, string, error) {
	if strings.TrimSpace(in.Username) == "" || strings.TrimSpace(in.Email) == "" {
		return model.User{}, "", errors.New("username and email are required")
	}
	if len(in.Password) < MinPasswordLength {
		return model.User{}, "", fmt.Errorf("%w: at least %d characters", ErrWeakPassword, MinPasswordLength)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	hash, err := HashPassword(in.Password)
	if err != nil {
		return model.User{}, "", err
	}
	secret, uri, err := s.stepUp.totp.NewSecret(s.stepUp.issuer, strings.ToLower(in.Username))
	if err != nil {
		return model.User{}, "", err
	}

	user, err := s.users.Create(ctx, model.User{
		Username:     strings.TrimSpace(in.Username),
		Email:        strings.TrimSpace(in.Email),
		PhoneNumber:  strings.TrimSpace(in.PhoneNumber),
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		TOTPSecret:   secret,
		IsActive:     true,
	})
	if err != nil {
		return model.User{}, "", fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user created", logging.User(user.ID))
	return user, uri, nil
}

// HashPassword hashes a password with bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
