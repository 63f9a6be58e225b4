package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalix/stepup/internal/cache"
	"github.com/signalix/stepup/internal/model"
)

// SessionContext is the caller's view of its own sessions. It is a value:
// operations that change it return a new one.
type SessionContext struct {
	Session *model.Session
	// Token is the elevated token presented by or issued to the caller, if any
	Token string
}

// UserID returns the primary session's user, or "" without a session.
func (sc SessionContext) UserID() string {
	if sc.Session == nil {
		return ""
	}
	return sc.Session.UserID
}

// WithToken returns a copy of sc carrying token.
func (sc SessionContext) WithToken(token string) SessionContext {
	sc.Token = token
	return sc
}

type sessionRecord struct {
	UserID       string    `json:"userId"`
	SignedInAt   time.Time `json:"signedInAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// SessionStore keeps primary sessions in the cache with a sliding TTL. Each
// user's session ids are also indexed so they can be listed and revoked
// together; the index lives at least as long as the newest session in it.
type SessionStore struct {
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionStore creates a session store. now may be nil.
func NewSessionStore(c cache.Cache, ttl time.Duration, now func() time.Time) *SessionStore {
	if ttl <= 0 {
		ttl = cache.KindSession.DefaultTTL()
	}
	if now == nil {
		now = time.Now
	}
	return &SessionStore{cache: c, ttl: ttl, now: now}
}

// TTL returns the idle lifetime of a session
func (s *SessionStore) TTL() time.Duration { return s.ttl }

// Create starts a new session for userID
func (s *SessionStore) Create(ctx context.Context, userID string) (*model.Session, error) {
	sid, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := s.now().UTC()
	session := &model.Session{
		ID:           sid,
		UserID:       userID,
		SignedInAt:   now,
		LastActiveAt: now,
	}
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}
	if err := s.index(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session. A missing or expired session is ErrUnauthenticated.
func (s *SessionStore) Get(ctx context.Context, sid string) (*model.Session, error) {
	if sid == "" {
		return nil, ErrUnauthenticated
	}
	raw, ok, err := s.cache.Get(ctx, cache.Session(sid))
	if err != nil {
		return nil, unavailable("load session", err)
	}
	if !ok {
		return nil, ErrUnauthenticated
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return &model.Session{
		ID:           sid,
		UserID:       rec.UserID,
		SignedInAt:   rec.SignedInAt,
		LastActiveAt: rec.LastActiveAt,
	}, nil
}

// Touch records activity and extends the session lifetime. A session
// destroyed since it was loaded stays destroyed: Touch then returns
// ErrUnauthenticated.
func (s *SessionStore) Touch(ctx context.Context, session *model.Session) (*model.Session, error) {
	touched := *session
	touched.LastActiveAt = s.now().UTC()
	raw, err := encodeSession(&touched)
	if err != nil {
		return nil, err
	}
	ok, err := s.cache.SetXX(ctx, cache.Session(touched.ID), raw, s.ttl)
	if err != nil {
		return nil, unavailable("touch session", err)
	}
	if !ok {
		return nil, ErrUnauthenticated
	}
	if err := s.index(ctx, &touched); err != nil {
		return nil, err
	}
	return &touched, nil
}

// Destroy removes the session and its index entry
func (s *SessionStore) Destroy(ctx context.Context, session *model.Session) error {
	if session == nil || session.ID == "" {
		return nil
	}
	if err := s.cache.Delete(ctx, cache.Session(session.ID)); err != nil {
		return unavailable("destroy session", err)
	}
	if session.UserID == "" {
		return nil
	}
	if err := s.cache.RemoveMembers(ctx, cache.UserSessions(session.UserID), session.ID); err != nil {
		return unavailable("unindex session", err)
	}
	return nil
}

// ListByUser returns the user's live sessions, most recently active first.
// Index entries whose session has expired are pruned on the way.
func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]*model.Session, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	key := cache.UserSessions(userID)
	ids, err := s.cache.Members(ctx, key)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}

	sessions := make([]*model.Session, 0, len(ids))
	var stale []string
	for _, sid := range ids {
		session, err := s.Get(ctx, sid)
		switch {
		case err == nil && session.UserID == userID:
			sessions = append(sessions, session)
		case err == nil, errors.Is(err, ErrUnauthenticated):
			stale = append(stale, sid)
		default:
			return nil, err
		}
	}
	if len(stale) > 0 {
		if err := s.cache.RemoveMembers(ctx, key, stale...); err != nil {
			return nil, unavailable("prune session index", err)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
	return sessions, nil
}

// DestroyAllForUser removes every indexed session of the user and returns
// how many ids it removed.
func (s *SessionStore) DestroyAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	key := cache.UserSessions(userID)
	ids, err := s.cache.Members(ctx, key)
	if err != nil {
		return 0, unavailable("list sessions", err)
	}
	for _, sid := range ids {
		if err := s.cache.Delete(ctx, cache.Session(sid)); err != nil {
			return 0, unavailable("destroy session", err)
		}
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return 0, unavailable("drop session index", err)
	}
	return len(ids), nil
}

func (s *SessionStore) index(ctx context.Context, session *model.Session) error {
	if err := s.cache.AddMember(ctx, cache.UserSessions(session.UserID), session.ID, s.ttl); err != nil {
		return unavailable("index session", err)
	}
	return nil
}

func (s *SessionStore) save(ctx context.Context, session *model.Session) error {
	raw, err := encodeSession(session)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, cache.Session(session.ID), raw, s.ttl); err != nil {
		return unavailable("save session", err)
	}
	return nil
}

func encodeSession(session *model.Session) (string, error) {
	raw, err := json.Marshal(sessionRecord{
		UserID:       session.UserID,
		SignedInAt:   session.SignedInAt,
		LastActiveAt: session.LastActiveAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(raw), nil
}
// generateSessionID returns 32 random bytes as unpadded Base64URL
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
