package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"newsfeed-backend/internal/notify"
)

// memoryStore keeps every table in maps guarded by one mutex. Conditional
// writes check and mutate under the lock, mirroring the guarded SQL.
type memoryStore struct {
	mu       sync.Mutex
	users    map[string]*User
	tokens   map[string]*RefreshToken
	failures map[string]*FailedLogin
	blocks   map[string][]IPBlock
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:    map[string]*User{},
		tokens:   map[string]*RefreshToken{},
		failures: map[string]*FailedLogin{},
		blocks:   map[string][]IPBlock{},
	}
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func copyToken(t *RefreshToken) *RefreshToken {
	c := *t
	return &c
}

func (s *memoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return ErrEmailInUse
		}
		if existing.Username == user.Username {
			return ErrUsernameInUse
		}
	}
	s.users[user.ID] = copyUser(user)
	return nil
}

func (s *memoryStore) GetUserByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(user), nil
}

func (s *memoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			return copyUser(user), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			return copyUser(user), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) RecordLogin(_ context.Context, userID, ip string, at time.Time, bumpVersion bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	stamp := at
	user.LastLoginAt = &stamp
	if user.FirstLoginAt == nil {
		user.FirstLoginAt = &stamp
	}
	user.LastIP = ip
	user.LoginCount++
	if bumpVersion {
		user.TokenVersion++
	}
	user.UpdatedAt = at
	return copyUser(user), nil
}

func (s *memoryStore) UpdatePassword(_ context.Context, userID, passwordHash string, at time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.TokenVersion++
	user.UpdatedAt = at
	return copyUser(user), nil
}

func (s *memoryStore) BumpTokenVersion(_ context.Context, userID string, at time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	user.TokenVersion++
	user.UpdatedAt = at
	return copyUser(user), nil
}

func (s *memoryStore) CreateRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = copyToken(token)
	return nil
}

func (s *memoryStore) GetRefreshToken(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if token.TokenHash == tokenHash {
			return copyToken(token), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) ReplaceRefreshToken(_ context.Context, oldID string, next *RefreshToken, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok || old.RevokedAt != nil || !at.Before(old.ExpiresAt) {
		return ErrRefreshTokenInvalid
	}
	if user, ok := s.users[old.UserID]; !ok || user.TokenVersion != old.TokenVersion {
		return ErrRefreshTokenInvalid
	}
	stamp := at
	old.RevokedAt = &stamp
	old.RevokeReason = RevokeReasonRotated
	old.RevokedByIP = next.IP
	old.ReplacedBy = next.ID
	old.LastUsedAt = &stamp
	s.tokens[next.ID] = copyToken(next)
	return nil
}

func (s *memoryStore) RevokeRefreshToken(_ context.Context, id, reason, ip string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok || token.RevokedAt != nil {
		return false, nil
	}
	s.revoke(token, reason, ip, at)
	return true, nil
}

func (s *memoryStore) revoke(token *RefreshToken, reason, ip string, at time.Time) {
	stamp := at
	token.RevokedAt = &stamp
	token.RevokeReason = reason
	token.RevokedByIP = ip
}

func (s *memoryStore) RevokeClientSessions(_ context.Context, userID, ip, userAgent, reason, revokingIP string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, token := range s.tokens {
		if token.UserID == userID && token.IP == ip && token.UserAgent == userAgent && token.IsActive(at) {
			s.revoke(token, reason, revokingIP, at)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) RevokeAllSessions(_ context.Context, userID, reason, ip string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, token := range s.tokens {
		if token.UserID == userID && token.RevokedAt == nil {
			s.revoke(token, reason, ip, at)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) DeleteRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *memoryStore) ListActiveSessions(_ context.Context, userID string, tokenVersion int, now time.Time) ([]RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []RefreshToken{}
	for _, token := range s.tokens {
		if token.UserID == userID && token.TokenVersion == tokenVersion && token.IsActive(now) {
			out = append(out, *token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) IncrementFailure(_ context.Context, userID, ip string, now, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + ip
	record, ok := s.failures[key]
	switch {
	case !ok:
		record = &FailedLogin{UserID: userID, IP: ip, Count: 1}
		s.failures[key] = record
	case !record.LastFailedAt.After(windowStart):
		record.Count = 1
	default:
		record.Count++
	}
	record.LastFailedAt = now
	return record.Count, nil
}

func (s *memoryStore) ReplaceIPBlock(_ context.Context, block IPBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[block.IP] = []IPBlock{block}
	return nil
}

func (s *memoryStore) GetIPBlock(_ context.Context, ip string) (*IPBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := s.blocks[ip]
	if len(blocks) == 0 {
		return nil, ErrNotFound
	}
	latest := blocks[0]
	for _, b := range blocks[1:] {
		if b.BlockedUntil.After(latest.BlockedUntil) {
			latest = b
		}
	}
	return &latest, nil
}

func (s *memoryStore) DeleteIPBlock(_ context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, ip)
	return nil
}

func (s *memoryStore) tokenByID(id string) *RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil
	}
	return copyToken(token)
}

func (s *memoryStore) userByEmail(email string) *User {
	user, _ := s.GetUserByEmail(context.Background(), email)
	return user
}

// fakeClock is shared by every component of a test service.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.NewIPAlert
	err    error
}

func (n *recordingNotifier) NotifyNewIP(_ context.Context, alert notify.NewIPAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *recordingNotifier) Alerts() []notify.NewIPAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.NewIPAlert(nil), n.alerts...)
}

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	store    *memoryStore
	clock    *fakeClock
	issuer   *TokenIssuer
	tracker  *ReputationTracker
	registry *SessionRegistry
	service  *Service
	notifier *recordingNotifier
}

func newTestEnv(t interface{ Fatalf(string, ...any) }) *testEnv {
	store := newMemoryStore()
	clock := newFakeClock()

	issuer, err := NewTokenIssuer(testSecret, 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	issuer.now = clock.Now

	tracker := NewReputationTracker(store)
	tracker.now = clock.Now

	registry := NewSessionRegistry(store, store, issuer, 0)
	registry.now = clock.Now

	notifier := &recordingNotifier{}
	service := NewService(store, registry, tracker, issuer).
		WithSecurityConfig(4, false).
		WithNotifier(notifier)
	service.now = clock.Now

	return &testEnv{
		store:    store,
		clock:    clock,
		issuer:   issuer,
		tracker:  tracker,
		registry: registry,
		service:  service,
		notifier: notifier,
	}
}
