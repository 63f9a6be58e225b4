package repo

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/signalix/stepup/internal/db"
	"github.com/signalix/stepup/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresRepo(t *testing.T) UserRepo {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	database, err := db.Open(ctx, dsn, nil)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database))
	_, err = database.ExecContext(ctx, "TRUNCATE TABLE users")
	require.NoError(t, err)
	return NewUserRepo(database)
}

func TestUserRepo_Postgres(t *testing.T) {
	r := newPostgresRepo(t)
	ctx := context.Background()

	created, err := r.Create(ctx, model.User{
		Username:     "Alice",
		Email:        "alice@example.com",
		PasswordHash: "hash",
		TOTPSecret:   "JBSWY3DPEHPK3PXP",
		IsActive:     true,
	})
	require.NoError(t, err)
	_, err = uuid.Parse(created.ID)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	byCred, err := r.GetByCredential(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byCred.ID)
	assert.Empty(t, byCred.PhoneNumber)

	_, err = r.Create(ctx, model.User{Username: "alice", Email: "x@example.com", PasswordHash: "h", TOTPSecret: "S"})
	assert.ErrorIs(t, err, ErrUserExists)

	require.NoError(t, r.UpdateTOTPSecret(ctx, created.ID, "NEWSECRET"))
	byID, err := r.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "NEWSECRET", byID.TOTPSecret)

	_, err = r.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = r.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, r.UpdateTOTPSecret(ctx, uuid.NewString(), "X"), ErrUserNotFound)

	require.NoError(t, r.UpdatePasswordHash(ctx, created.ID, "NEWHASH"))
	byID, err = r.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "NEWHASH", byID.PasswordHash)
	assert.ErrorIs(t, r.UpdatePasswordHash(ctx, "not-a-uuid", "X"), ErrUserNotFound)
}
