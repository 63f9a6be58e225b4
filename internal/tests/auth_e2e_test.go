package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/signalix/stepup/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusResponse matches GET /auth/status response
type statusResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	IsMFA           bool `json:"isMFA"`
	User            *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// errorResponse matches error JSON body
type errorResponse struct {
	Error string `json:"error"`
}

type e2eClient struct {
	t       *testing.T
	client  *http.Client
	baseURL string
}

func (c *e2eClient) do(method, path string, body any, prepare func(*http.Request)) (*http.Response, string) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prepare != nil {
		prepare(req)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	return resp, readBody(resp)
}

func (c *e2eClient) login(username, password string) (*http.Response, string) {
	c.t.Helper()
	return c.do(http.MethodPost, "/auth/login", map[string]string{"username": username, "password": password}, nil)
}

func (c *e2eClient) status() statusResponse {
	c.t.Helper()
	resp, body := c.do(http.MethodGet, "/auth/status", nil, nil)
	require.Equal(c.t, http.StatusOK, resp.StatusCode, "GET /auth/status must always return 200; body: %s", body)
	var status statusResponse
	require.NoError(c.t, json.Unmarshal([]byte(body), &status))
	return status
}

func (c *e2eClient) verify(userID, code string) (*http.Response, string) {
	c.t.Helper()
	return c.do(http.MethodPut, "/auth/otp", nil, func(r *http.Request) { r.SetBasicAuth(userID, code) })
}

// wrongCode returns a well-formed code that is not valid for secret right now
func (s *testServer) wrongCode(t *testing.T, userID string) string {
	t.Helper()
	user, err := s.Users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	now := time.Now()
	valid := map[string]bool{}
	for _, at := range []time.Time{now.Add(-time.Minute), now.Add(-30 * time.Second), now, now.Add(30 * time.Second), now.Add(time.Minute)} {
		code, err := s.Engine.Generate(user.TOTPSecret, at)
		require.NoError(t, err)
		valid[code] = true
	}
	for _, candidate := range []string{"000000", "111111", "222222", "333333", "444444", "555555"} {
		if !valid[candidate] {
			return candidate
		}
	}
	t.Fatal("no invalid candidate code")
	return ""
}

// runFullFlow walks one user through login, step-up, rotation, replay,
// lockout and logout.
func runFullFlow(t *testing.T, ts *testServer) {
	user := ts.createUser(t, "alice")
	c := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}

	// anonymous
	status := c.status()
	assert.False(t, status.IsAuthenticated)
	assert.False(t, status.IsMFA)
	assert.Nil(t, status.User)

	resp, body := c.do(http.MethodPost, "/auth/otp?media=email", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "POST /auth/otp without session must return 401; body: %s", body)

	// login
	resp, body = c.login("alice", "wrong-password")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong password must return 401; body: %s", body)
	resp, body = c.login("ALICE@example.com", testPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode, "POST /auth/login must return 200; body: %s", body)
	assert.NotContains(t, body, "passwordHash")

	status = c.status()
	assert.True(t, status.IsAuthenticated)
	assert.False(t, status.IsMFA)
	require.NotNil(t, status.User)
	assert.Equal(t, user.ID, status.User.ID)

	// sensitive route needs an elevated session
	resp, body = c.do(http.MethodPatch, "/auth/update-mfa", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "PATCH /auth/update-mfa before OTP must return 401; body: %s", body)

	// request
	resp, body = c.do(http.MethodPost, "/auth/otp?media=email", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "POST /auth/otp must return 202; body: %s", body)
	code := ts.Notifier.lastCode()
	require.Len(t, code, 6)

	resp, body = c.do(http.MethodPost, "/auth/otp?media=email", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "second POST /auth/otp within 30s must return 429; body: %s", body)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, body = c.do(http.MethodPost, "/auth/otp?media=sms", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, "sms without an sms gateway must return 501; body: %s", body)

	// verify
	resp, body = c.verify("someone-else", code)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "verifying for another user must return 403; body: %s", body)

	resp, body = c.verify(user.ID, code)
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT /auth/otp must return 200; body: %s", body)
	var verified map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &verified))
	token := verified["token"]
	require.NotEmpty(t, token)

	status = c.status()
	assert.True(t, status.IsAuthenticated)
	assert.True(t, status.IsMFA)

	// rotate
	resp, body = c.do(http.MethodPatch, "/auth/update-mfa", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "PATCH /auth/update-mfa must return 200; body: %s", body)
	var rotated map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &rotated))
	assert.True(t, strings.HasPrefix(rotated["uri"], "otpauth://totp/Dev:alice?"), rotated["uri"])

	// replay (attempt 1)
	resp, body = c.verify(user.ID, code)
	assert.Equal(t, http.StatusGone, resp.StatusCode, "reusing a code must return 410; body: %s", body)

	// wrong codes (attempts 2 and 3)
	for i := 0; i < 2; i++ {
		resp, body = c.verify(user.ID, ts.wrongCode(t, user.ID))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong code must return 401; body: %s", body)
		assert.Equal(t, `Basic realm="OTP-MFA", charset="UTF-8"`, resp.Header.Get("Authenticate"))
	}

	// locked out, even for a fresh valid code
	fresh, err := ts.Users.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	validNow, err := ts.Engine.Generate(fresh.TOTPSecret, time.Now())
	require.NoError(t, err)
	resp, body = c.verify(user.ID, validNow)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "fourth attempt must return 429; body: %s", body)
	var errBody errorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &errBody))
	assert.Contains(t, errBody.Error, "exceeded")
	assert.Equal(t, 1, ts.Notifier.alertCount())

	resp, _ = c.verify(user.ID, validNow)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1, ts.Notifier.alertCount(), "alert is sent once per lock")

	// the earlier elevation is still live
	assert.True(t, c.status().IsMFA)

	// bearer header works in place of the cookie
	bearer := &e2eClient{t: t, client: ts.Server.Client(), baseURL: ts.Server.URL}
	sid := sessionCookie(t, c)
	resp, body = bearer.do(http.MethodGet, "/auth/status", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "sid", Value: sid})
		r.Header.Set("Authorization", "Bearer "+token)
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"isMFA":true`)

	// logout
	resp, body = c.do(http.MethodPost, "/auth/logout", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "POST /auth/logout must return 200; body: %s", body)
	status = c.status()
	assert.False(t, status.IsAuthenticated)
	assert.False(t, status.IsMFA)

	// the old session id and token are dead
	resp, body = bearer.do(http.MethodGet, "/auth/status", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "sid", Value: sid})
		r.Header.Set("Authorization", "Bearer "+token)
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"isAuthenticated":false`)
}

// sessionEntry matches one element of GET /sessions/me
type sessionEntry struct {
	ID           string    `json:"id"`
	SignedInAt   time.Time `json:"signedInAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Current      bool      `json:"current"`
}

func (c *e2eClient) sessions() []sessionEntry {
	c.t.Helper()
	resp, body := c.do(http.MethodGet, "/sessions/me", nil, nil)
	require.Equal(c.t, http.StatusOK, resp.StatusCode, "GET /sessions/me must return 200; body: %s", body)
	var out []sessionEntry
	require.NoError(c.t, json.Unmarshal([]byte(body), &out))
	return out
}

func (c *e2eClient) updatePassword(current, next, confirm string) (*http.Response, string) {
	c.t.Helper()
	return c.do(http.MethodPatch, "/auth/update-password", map[string]string{
		"currentPassword": current,
		"newPassword":     next,
		"confirmPassword": confirm,
	}, nil)
}

// runSessionManagement has one user list and end their own sessions from
// two browsers while another user stays out of reach.
func runSessionManagement(t *testing.T, ts *testServer) {
	ts.createUser(t, "frank")
	ts.createUser(t, "grace")
	laptop := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}
	phone := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}
	stranger := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}

	resp, body := laptop.do(http.MethodGet, "/sessions/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "GET /sessions/me without session must return 401; body: %s", body)

	for _, c := range []*e2eClient{laptop, phone} {
		resp, body := c.login("frank", testPassword)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		for _, cookie := range resp.Cookies() {
			if cookie.Name == "sid" {
				assert.Equal(t, int((2 * time.Hour).Seconds()), cookie.MaxAge, "session cookie lives as long as the session")
			}
		}
	}
	resp, body = stranger.login("grace", testPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	laptopSID, phoneSID, strangerSID := sessionCookie(t, laptop), sessionCookie(t, phone), sessionCookie(t, stranger)

	listed := laptop.sessions()
	require.Len(t, listed, 2)
	ids := map[string]bool{}
	for _, s := range listed {
		ids[s.ID] = s.Current
		assert.False(t, s.SignedInAt.IsZero())
	}
	assert.Equal(t, map[string]bool{laptopSID: true, phoneSID: false}, ids)

	resp, body = laptop.do(http.MethodDelete, "/sessions/me/"+strangerSID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "deleting a foreign session must return 404; body: %s", body)
	assert.Contains(t, body, "You do not have a session with that ID.")
	assert.True(t, stranger.status().IsAuthenticated)

	resp, body = laptop.do(http.MethodDelete, "/sessions/me/"+phoneSID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "DELETE /sessions/me/{id} must return 204; body: %s", body)
	assert.False(t, phone.status().IsAuthenticated)
	assert.True(t, laptop.status().IsAuthenticated)
	assert.Len(t, laptop.sessions(), 1)

	resp, body = laptop.do(http.MethodDelete, "/sessions/me/"+laptopSID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "deleting the current session must return 204; body: %s", body)
	assert.False(t, laptop.status().IsAuthenticated)
}

// runPasswordChange checks that a password change ends every session of the
// user, elevated ones included.
func runPasswordChange(t *testing.T, ts *testServer) {
	user := ts.createUser(t, "heidi")
	ts.createUser(t, "ivan")
	laptop := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}
	phone := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}
	bystander := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}

	for _, c := range []*e2eClient{laptop, phone} {
		resp, body := c.login("heidi", testPassword)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}
	resp, body := bystander.login("ivan", testPassword)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = laptop.do(http.MethodPost, "/auth/otp?media=email", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	resp, body = laptop.verify(user.ID, ts.Notifier.lastCode())
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var verified map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &verified))
	require.True(t, laptop.status().IsMFA)
	oldSID := sessionCookie(t, laptop)

	const next = "staple-battery-horse"
	resp, body = laptop.updatePassword("wrong-password", next, next)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong current password must return 401; body: %s", body)
	assert.Contains(t, body, "Your previous password is wrong!")
	assert.True(t, laptop.status().IsMFA, "a refused change ends nothing")

	resp, body = laptop.updatePassword(testPassword, next, next)
	require.Equal(t, http.StatusOK, resp.StatusCode, "PATCH /auth/update-password must return 200; body: %s", body)

	assert.False(t, laptop.status().IsAuthenticated)
	assert.False(t, phone.status().IsAuthenticated)
	assert.True(t, bystander.status().IsAuthenticated, "other users keep their sessions")

	// neither the old session id nor the old elevated token comes back
	raw := &e2eClient{t: t, client: ts.Server.Client(), baseURL: ts.Server.URL}
	resp, body = raw.do(http.MethodGet, "/auth/status", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "sid", Value: oldSID})
		r.Header.Set("Authorization", "Bearer "+verified["token"])
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"isAuthenticated":false`)

	resp, body = laptop.login("heidi", testPassword)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "old password must be rejected; body: %s", body)
	resp, body = laptop.login("heidi", next)
	require.Equal(t, http.StatusOK, resp.StatusCode, "new password must log in; body: %s", body)
	assert.False(t, laptop.status().IsMFA, "a new login starts without elevation")

	resp, body = laptop.updatePassword(next, testPassword, testPassword)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "third password update in the window must return 429; body: %s", body)
}

func sessionCookie(t *testing.T, c *e2eClient) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL, nil)
	require.NoError(t, err)
	for _, cookie := range c.client.Jar.Cookies(req.URL) {
		if cookie.Name == "sid" {
			return cookie.Value
		}
	}
	t.Fatal("no session cookie in jar")
	return ""
}

// TestAuthE2E runs the complete flow over HTTP against miniredis and the
// in-memory user store.
func TestAuthE2E(t *testing.T) {
	t.Run("A_Health", func(t *testing.T) {
		ts := newTestServer(t, repo.NewMemoryUserRepo())
		resp, err := ts.Server.Client().Get(ts.Server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET /health must return 200")
		var body map[string]bool
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.True(t, body["ok"])
	})

	t.Run("B_FullFlow", func(t *testing.T) {
		runFullFlow(t, newTestServer(t, repo.NewMemoryUserRepo()))
	})

	t.Run("C_InactiveUser", func(t *testing.T) {
		users := repo.NewMemoryUserRepo()
		ts := newTestServer(t, users)
		user := ts.createUser(t, "carol")
		require.NoError(t, users.SetActive(user.ID, false))

		c := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}
		resp, body := c.login("carol", testPassword)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "inactive user login must return 403; body: %s", body)
	})

	t.Run("D_DeactivatedMidSession", func(t *testing.T) {
		users := repo.NewMemoryUserRepo()
		ts := newTestServer(t, users)
		user := ts.createUser(t, "dave")

		c := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}
		resp, body := c.login("dave", testPassword)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		require.NoError(t, users.SetActive(user.ID, false))

		assert.False(t, c.status().IsAuthenticated)
		resp, body = c.do(http.MethodPost, "/auth/otp?media=email", nil, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "inactive user must return 403; body: %s", body)
	})

	t.Run("E_LoginRateLimit", func(t *testing.T) {
		ts := newTestServer(t, repo.NewMemoryUserRepo())
		c := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}

		var last *http.Response
		for i := 0; i < 11; i++ {
			last, _ = c.login("nobody", "wrong-password")
			if last.StatusCode == http.StatusTooManyRequests {
				break
			}
			assert.Equal(t, http.StatusUnauthorized, last.StatusCode)
		}
		require.NotNil(t, last)
		assert.Equal(t, http.StatusTooManyRequests, last.StatusCode, "11th login within the window must return 429")
		assert.NotEmpty(t, last.Header.Get("Retry-After"))
	})

	t.Run("F_CacheDown", func(t *testing.T) {
		ts := newTestServer(t, repo.NewMemoryUserRepo())
		ts.createUser(t, "erin")
		c := &e2eClient{t: t, client: ts.newClient(t), baseURL: ts.Server.URL}
		ts.Redis.Close()

		resp, body := c.login("erin", testPassword)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "login must fail closed; body: %s", body)
		assert.False(t, c.status().IsAuthenticated)
	})

	t.Run("G_SessionManagement", func(t *testing.T) {
		runSessionManagement(t, newTestServer(t, repo.NewMemoryUserRepo()))
	})

	t.Run("H_PasswordChange", func(t *testing.T) {
		runPasswordChange(t, newTestServer(t, repo.NewMemoryUserRepo()))
	})
}

// TestAuthE2E_Postgres runs the same flow against PostgreSQL.
func TestAuthE2E_Postgres(t *testing.T) {
	runFullFlow(t, newTestServer(t, newPostgresUsers(t)))
	runPasswordChange(t, newTestServer(t, newPostgresUsers(t)))
}
