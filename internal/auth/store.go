package auth

import (
	"context"
	"time"
)

// UserStore persists identities. Lookups return ErrNotFound when nothing
// matches; CreateUser returns ErrEmailInUse or ErrUsernameInUse when a
// uniqueness constraint rejects the row.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// RecordLogin stamps a successful login and returns the updated row.
	// bumpVersion increments token_version in the same statement.
	RecordLogin(ctx context.Context, userID, ip string, at time.Time, bumpVersion bool) (*User, error)
	// UpdatePassword stores the new hash and increments token_version.
	UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) (*User, error)
	BumpTokenVersion(ctx context.Context, userID string, at time.Time) (*User, error)
}

// SessionStore persists refresh tokens keyed by the hash of their value.
type SessionStore interface {
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// ReplaceRefreshToken revokes old and inserts next atomically. It returns
	// ErrRefreshTokenInvalid unless old is still live and carries the user's
	// current token_version.
	ReplaceRefreshToken(ctx context.Context, oldID string, next *RefreshToken, at time.Time) error
	// RevokeRefreshToken returns false when the token was already revoked.
	RevokeRefreshToken(ctx context.Context, id, reason, ip string, at time.Time) (bool, error)
	RevokeClientSessions(ctx context.Context, userID, ip, userAgent, reason, revokingIP string, at time.Time) (int64, error)
	RevokeAllSessions(ctx context.Context, userID, reason, ip string, at time.Time) (int64, error)
	DeleteRefreshToken(ctx context.Context, id string) error
	ListActiveSessions(ctx context.Context, userID string, tokenVersion int, now time.Time) ([]RefreshToken, error)
}

// ReputationStore persists failed-login counters and IP blocks.
type ReputationStore interface {
	// IncrementFailure atomically bumps the (user, ip) counter, restarting
	// it at 1 when the previous failure is older than windowStart.
	IncrementFailure(ctx context.Context, userID, ip string, now, windowStart time.Time) (int, error)
	// ReplaceIPBlock drops every previous block for ip and stores the new one.
	ReplaceIPBlock(ctx context.Context, block IPBlock) error
	GetIPBlock(ctx context.Context, ip string) (*IPBlock, error)
	DeleteIPBlock(ctx context.Context, ip string) error
}
