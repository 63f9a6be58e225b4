package tests

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/cache"
	"github.com/signalix/stepup/internal/db"
	httphandler "github.com/signalix/stepup/internal/http"
	"github.com/signalix/stepup/internal/middleware"
	"github.com/signalix/stepup/internal/model"
	"github.com/signalix/stepup/internal/repo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPassword = "correct-horse-battery"

// captureNotifier records every code and alert it is asked to deliver
type captureNotifier struct {
	mu     sync.Mutex
	codes  []string
	alerts int
}

func (n *captureNotifier) SendOTP(_ context.Context, _ model.User, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, code)
	return nil
}

func (n *captureNotifier) SendSecurityAlert(_ context.Context, _ model.User) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts++
	return nil
}

func (n *captureNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1]
}

func (n *captureNotifier) alertCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alerts
}

// testServer is the full HTTP stack on miniredis and the given user store
type testServer struct {
	Server   *httptest.Server
	Users    repo.UserRepo
	Service  *auth.AuthService
	Engine   *auth.TOTP
	Notifier *captureNotifier
	Redis    *miniredis.Miniredis
}

func newTestServer(t *testing.T, users repo.UserRepo) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := cache.NewRedis(client)

	engine, err := auth.NewTOTP("SHA1", 6, 30, 1)
	require.NoError(t, err)
	privatePEM, publicPEM, err := auth.GenerateKeyPairPEM()
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(privatePEM, publicPEM, "api", "users", nil)
	require.NoError(t, err)

	notifier := &captureNotifier{}
	sessions := auth.NewSessionStore(store, 2*time.Hour, nil)
	stepUp := auth.NewStepUp(store, users, sessions, engine, tokens, notifier, auth.StepUpConfig{
		TOTPIssuer:  "Dev",
		ElevatedTTL: 15 * time.Minute,
		OpTimeout:   2 * time.Second,
		Logger:      logger,
	})
	service := auth.NewAuthService(users, sessions, stepUp, logger)

	router := httphandler.NewRouter(httphandler.Deps{
		AuthService: service,
		StepUp:      stepUp,
		Sessions:    sessions,
		Users:       users,
		Cache:       store,
		Cookies: middleware.Cookies{
			SessionName: "sid",
			TokenName:   "jwt",
			SessionTTL:  sessions.TTL(),
			ElevatedTTL: stepUp.ElevatedTTL(),
		},
		OpTimeout: stepUp.OpTimeout(),
		Logger:    logger,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{
		Server:   server,
		Users:    users,
		Service:  service,
		Engine:   engine,
		Notifier: notifier,
		Redis:    mr,
	}
}

// newClient returns a client with its own cookie jar, i.e. its own browser
func (s *testServer) newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := *s.Server.Client()
	client.Jar = jar
	return &client
}

func (s *testServer) createUser(t *testing.T, username string) model.User {
	t.Helper()
	user, uri, err := s.Service.CreateUser(context.Background(), auth.NewUser{
		Username: username,
		Email:    username + "@example.com",
		FullName: "Test " + username,
		Password: testPassword,
	})
	require.NoError(t, err)
	require.Contains(t, uri, "otpauth://totp/")
	return user
}

// newPostgresUsers returns a migrated, emptied Postgres user store, or skips
func newPostgresUsers(t *testing.T) repo.UserRepo {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres E2E test")
	}
	database, err := db.Open(context.Background(), dsn, nil)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	truncateUsers(t, database)
	return repo.NewUserRepo(database)
}

func truncateUsers(t *testing.T, database *sql.DB) {
	t.Helper()
	_, err := database.ExecContext(context.Background(), "TRUNCATE TABLE users RESTART IDENTITY CASCADE")
	require.NoError(t, err, "truncate users")
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
