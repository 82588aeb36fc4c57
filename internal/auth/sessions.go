package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultRefreshTTL = 7 * 24 * time.Hour

type SessionRegistry struct {
	sessions SessionStore
	users    UserStore
	issuer   *TokenIssuer
	ttl      time.Duration
	now      func() time.Time
}

func NewSessionRegistry(sessions SessionStore, users UserStore, issuer *TokenIssuer, ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	return &SessionRegistry{
		sessions: sessions,
		users:    users,
		issuer:   issuer,
		ttl:      ttl,
		now:      time.Now,
	}
}

// CreateSession stores a new active refresh token for user and returns the
// raw value for the client.
func (r *SessionRegistry) CreateSession(ctx context.Context, user *User, client ClientInfo) (string, *RefreshToken, error) {
	raw, token, err := r.newToken(user, client)
	if err != nil {
		return "", nil, err
	}
	if err := r.sessions.CreateRefreshToken(ctx, token); err != nil {
		return "", nil, fmt.Errorf("store refresh token: %w", err)
	}
	return raw, token, nil
}

// Validate resolves a raw refresh token to its owner. Every rejection reason
// collapses into ErrRefreshTokenInvalid.
func (r *SessionRegistry) Validate(ctx context.Context, raw, userAgent string) (*User, *RefreshToken, error) {
	if raw == "" {
		return nil, nil, ErrRefreshTokenMissing
	}

	token, err := r.sessions.GetRefreshToken(ctx, HashToken(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrRefreshTokenInvalid
		}
		return nil, nil, fmt.Errorf("read refresh token: %w", err)
	}
	if !token.IsActive(r.now()) || token.UserAgent != userAgent {
		return nil, nil, ErrRefreshTokenInvalid
	}

	user, err := r.users.GetUserByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrRefreshTokenInvalid
		}
		return nil, nil, fmt.Errorf("read token owner: %w", err)
	}
	if user.TokenVersion != token.TokenVersion {
		return nil, nil, ErrRefreshTokenInvalid
	}

	return user, token, nil
}

// Rotate exchanges a valid refresh token for a new one. Of several
// concurrent calls with the same token at most one succeeds.
func (r *SessionRegistry) Rotate(ctx context.Context, raw string, client ClientInfo) (string, *User, *RefreshToken, error) {
	user, old, err := r.Validate(ctx, raw, client.UserAgent)
	if err != nil {
		return "", nil, nil, err
	}

	if client.DeviceLabel == "" {
		client.DeviceLabel = old.DeviceLabel
	}
	newRaw, next, err := r.newToken(user, client)
	if err != nil {
		return "", nil, nil, err
	}
	if err := r.sessions.ReplaceRefreshToken(ctx, old.ID, next, r.now().UTC()); err != nil {
		if errors.Is(err, ErrRefreshTokenInvalid) {
			return "", nil, nil, ErrRefreshTokenInvalid
		}
		return "", nil, nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	return newRaw, user, next, nil
}

func (r *SessionRegistry) Revoke(ctx context.Context, token *RefreshToken, reason, ip string) error {
	revoked, err := r.sessions.RevokeRefreshToken(ctx, token.ID, reason, ip, r.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if !revoked {
		return ErrRefreshTokenInvalid
	}
	return nil
}

// RevokeByUserAndClient revokes the caller's sessions opened from ip with
// userAgent.
func (r *SessionRegistry) RevokeByUserAndClient(ctx context.Context, userID, ip, userAgent, revokingIP string) error {
	n, err := r.sessions.RevokeClientSessions(ctx, userID, ip, userAgent, RevokeReasonUserRequested, revokingIP, r.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke client sessions: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SessionRegistry) RevokeAll(ctx context.Context, userID, reason, ip string) (int64, error) {
	n, err := r.sessions.RevokeAllSessions(ctx, userID, reason, ip, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return n, nil
}

// Discard removes a session that can no longer be used, e.g. an expired
// token presented at login.
func (r *SessionRegistry) Discard(ctx context.Context, token *RefreshToken) error {
	if err := r.sessions.DeleteRefreshToken(ctx, token.ID); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (r *SessionRegistry) ListActive(ctx context.Context, user *User) ([]RefreshToken, error) {
	tokens, err := r.sessions.ListActiveSessions(ctx, user.ID, user.TokenVersion, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return tokens, nil
}

// Lookup returns the stored session for raw without validating it.
func (r *SessionRegistry) Lookup(ctx context.Context, raw string) (*RefreshToken, error) {
	token, err := r.sessions.GetRefreshToken(ctx, HashToken(raw))
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (r *SessionRegistry) newToken(user *User, client ClientInfo) (string, *RefreshToken, error) {
	raw, err := r.issuer.IssueRefreshToken()
	if err != nil {
		return "", nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("generate refresh token id: %w", err)
	}

	now := r.now().UTC()
	return raw, &RefreshToken{
		ID:           id.String(),
		UserID:       user.ID,
		TokenHash:    HashToken(raw),
		ExpiresAt:    now.Add(r.ttl),
		TokenVersion: user.TokenVersion,
		IP:           client.IP,
		UserAgent:    client.UserAgent,
		DeviceLabel:  client.DeviceLabel,
		CreatedAt:    now,
	}, nil
}
