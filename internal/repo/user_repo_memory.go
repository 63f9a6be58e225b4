package repo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/stepup/internal/model"
)

// MemoryUserRepo is a process-local UserRepo for development and tests.
// Records are lost on restart.
type MemoryUserRepo struct {
	mu    sync.RWMutex
	users map[string]model.User
}

var _ UserRepo = (*MemoryUserRepo)(nil)

// NewMemoryUserRepo creates an empty in-memory repository
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: make(map[string]model.User)}
}

func (r *MemoryUserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return model.User{}, ErrUserNotFound
	}
	return u, nil
}

func (r *MemoryUserRepo) GetByCredential(ctx context.Context, credential string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	credential = strings.ToLower(strings.TrimSpace(credential))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Username == credential || u.Email == credential || (u.PhoneNumber != "" && u.PhoneNumber == credential) {
			return u, nil
		}
	}
	return model.User{}, ErrUserNotFound
}

func (r *MemoryUserRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	user.Username = strings.ToLower(user.Username)
	user.Email = strings.ToLower(user.Email)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username || u.Email == user.Email ||
			(user.PhoneNumber != "" && u.PhoneNumber == user.PhoneNumber) {
			return model.User{}, ErrUserExists
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	r.users[user.ID] = user
	return user, nil
}

func (r *MemoryUserRepo) UpdateTOTPSecret(ctx context.Context, id, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.TOTPSecret = secret
	r.users[id] = u
	return nil
}

func (r *MemoryUserRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	r.users[id] = u
	return nil
}

// SetActive flips the active flag; used by operators and tests.
func (r *MemoryUserRepo) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.IsActive = active
	r.users[id] = u
	return nil
}
