package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/signalix/stepup/internal/model"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when a unique credential is already taken
	ErrUserExists = errors.New("user already exists")
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id string) (model.User, error)
	// GetByCredential looks a user up by username, email or phone number
	GetByCredential(ctx context.Context, credential string) (model.User, error)
	Create(ctx context.Context, user model.User) (model.User, error)
	// UpdateTOTPSecret replaces the whole secret of the user
	UpdateTOTPSecret(ctx context.Context, id, secret string) error
	// UpdatePasswordHash replaces the stored bcrypt hash of the user
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a Postgres-backed UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, username, email, phone_number, full_name, password_hash, totp_secret, is_active, created_at`

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		// not a uuid, cannot be a row; avoid a postgres cast error
		return model.User{}, ErrUserNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByCredential retrieves a user whose username, email or phone number matches
func (r *userRepo) GetByCredential(ctx context.Context, credential string) (model.User, error) {
	credential = strings.ToLower(strings.TrimSpace(credential))
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE lower(username) = $1 OR lower(email) = $1 OR phone_number = $1
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, credential))
}

// Create inserts a new user and returns it with generated fields filled in
func (r *userRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	query := `
		INSERT INTO users (username, email, phone_number, full_name, password_hash, totp_secret, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	var idStr string
	err := r.db.QueryRowContext(ctx, query,
		strings.ToLower(user.Username),
		strings.ToLower(user.Email),
		sql.NullString{String: user.PhoneNumber, Valid: user.PhoneNumber != ""},
		user.FullName,
		user.PasswordHash,
		user.TOTPSecret,
		user.IsActive,
	).Scan(&idStr, &user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return model.User{}, ErrUserExists
		}
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	user.ID = idStr
	user.Username = strings.ToLower(user.Username)
	user.Email = strings.ToLower(user.Email)
	return user, nil
}

// UpdateTOTPSecret sets totp_secret for the user
func (r *userRepo) UpdateTOTPSecret(ctx context.Context, id, secret string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrUserNotFound
	}
	result, err := r.db.ExecContext(ctx, `UPDATE users SET totp_secret = $2 WHERE id = $1`, id, secret)
	if err != nil {
		return fmt.Errorf("update totp secret: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePasswordHash sets password_hash for the user
func (r *userRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrUserNotFound
	}
	result, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *userRepo) scanOne(row *sql.Row) (model.User, error) {
	var user model.User
	var phone sql.NullString
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&phone,
		&user.FullName,
		&user.PasswordHash,
		&user.TOTPSecret,
		&user.IsActive,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	user.PhoneNumber = phone.String
	return user, nil
}
