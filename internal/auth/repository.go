package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"newsfeed-backend/internal/db"
)

const uniqueViolation = "23505"

const userColumns = `id, email, username, password_hash, role, token_version, login_count,
	birthdate, first_login_at, last_login_at, last_ip, created_at, updated_at`

const refreshTokenColumns = `id, user_id, token_hash, expires_at, token_version, ip, user_agent,
	device_label, created_at, revoked_at, revoke_reason, revoked_by_ip, replaced_by, last_used_at`

// Repository is the Postgres implementation of UserStore, SessionStore and
// ReputationStore.
type Repository struct {
	db db.DB
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedFailedLogins  int64 `json:"deleted_failed_logins"`
	DeletedIPBlocks      int64 `json:"deleted_ip_blocks"`
}

func NewRepository(database db.DB) *Repository {
	return &Repository{db: database}
}

func scanUser(row pgx.Row) (*User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.PasswordHash,
		&user.Role,
		&user.TokenVersion,
		&user.LoginCount,
		&user.Birthdate,
		&user.FirstLoginAt,
		&user.LastLoginAt,
		&user.LastIP,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func scanRefreshToken(row pgx.Row) (*RefreshToken, error) {
	var token RefreshToken
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.TokenVersion,
		&token.IP,
		&token.UserAgent,
		&token.DeviceLabel,
		&token.CreatedAt,
		&token.RevokedAt,
		&token.RevokeReason,
		&token.RevokedByIP,
		&token.ReplacedBy,
		&token.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, token_version, birthdate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.Email, user.Username, user.PasswordHash, string(user.Role), user.TokenVersion, user.Birthdate, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case "users_email_key":
				return ErrEmailInUse
			case "users_username_key":
				return ErrUsernameInUse
			}
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return user, err
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return user, err
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("query user by username: %w", err)
	}
	return user, err
}

func (r *Repository) RecordLogin(ctx context.Context, userID, ip string, at time.Time, bumpVersion bool) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET
			last_login_at = $2,
			first_login_at = COALESCE(first_login_at, $2),
			last_ip = $3,
			login_count = login_count + 1,
			token_version = token_version + CASE WHEN $4::boolean THEN 1 ELSE 0 END,
			updated_at = $2
		WHERE id = $1
		RETURNING `+userColumns, userID, at, ip, bumpVersion))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("update login stamp: %w", err)
	}
	return user, err
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET password_hash = $2, token_version = token_version + 1, updated_at = $3
		WHERE id = $1
		RETURNING `+userColumns, userID, passwordHash, at))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("update password: %w", err)
	}
	return user, err
}

func (r *Repository) BumpTokenVersion(ctx context.Context, userID string, at time.Time) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `
		UPDATE users
		SET token_version = token_version + 1, updated_at = $2
		WHERE id = $1
		RETURNING `+userColumns, userID, at))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("bump token version: %w", err)
	}
	return user, err
}

func (r *Repository) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	return insertRefreshToken(ctx, r.db, token)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, conn execer, token *RefreshToken) error {
	_, err := conn.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, token_version, ip, user_agent, device_label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.TokenVersion, token.IP, token.UserAgent, token.DeviceLabel, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	token, err := scanRefreshToken(r.db.QueryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	return token, err
}

// ReplaceRefreshToken consumes oldID and stores next in one transaction. The
// guarded UPDATE lets exactly one of several concurrent callers through.
func (r *Repository) ReplaceRefreshToken(ctx context.Context, oldID string, next *RefreshToken, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoke_reason = $3, revoked_by_ip = $4, replaced_by = $5, last_used_at = $2
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2
			AND token_version = (SELECT token_version FROM users WHERE users.id = refresh_tokens.user_id)
	`, oldID, at, RevokeReasonRotated, next.IP, next.ID)
	if err != nil {
		return fmt.Errorf("revoke old refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRefreshTokenInvalid
	}

	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refresh rotation tx: %w", err)
	}
	return nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, id, reason, ip string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoke_reason = $3, revoked_by_ip = $4
		WHERE id = $1 AND revoked_at IS NULL
	`, id, at, reason, ip)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) RevokeClientSessions(ctx context.Context, userID, ip, userAgent, reason, revokingIP string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $4, revoke_reason = $5, revoked_by_ip = $6
		WHERE user_id = $1 AND ip = $2 AND user_agent = $3
		  AND revoked_at IS NULL AND expires_at > $4
	`, userID, ip, userAgent, at, reason, revokingIP)
	if err != nil {
		return 0, fmt.Errorf("revoke client sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) RevokeAllSessions(ctx context.Context, userID, reason, ip string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoke_reason = $3, revoked_by_ip = $4
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, at, reason, ip)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) DeleteRefreshToken(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (r *Repository) ListActiveSessions(ctx context.Context, userID string, tokenVersion int, now time.Time) ([]RefreshToken, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+refreshTokenColumns+`
		FROM refresh_tokens
		WHERE user_id = $1 AND token_version = $2 AND revoked_at IS NULL AND expires_at > $3
		ORDER BY created_at DESC
	`, userID, tokenVersion, now)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	tokens := make([]RefreshToken, 0)
	for rows.Next() {
		token, err := scanRefreshToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		tokens = append(tokens, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return tokens, nil
}

func (r *Repository) IncrementFailure(ctx context.Context, userID, ip string, now, windowStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		INSERT INTO failed_logins (user_id, ip, count, last_failed_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id, ip) DO UPDATE
		SET
			count = CASE
				WHEN failed_logins.last_failed_at <= $4 THEN 1
				ELSE failed_logins.count + 1
			END,
			last_failed_at = $3
		RETURNING count
	`, userID, ip, now, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("upsert failed login: %w", err)
	}
	return count, nil
}

func (r *Repository) ReplaceIPBlock(ctx context.Context, block IPBlock) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ip block tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ip_blocks WHERE ip = $1`, block.IP); err != nil {
		return fmt.Errorf("delete previous ip blocks: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ip_blocks (ip, blocked_until, created_at)
		VALUES ($1, $2, $3)
	`, block.IP, block.BlockedUntil, block.CreatedAt); err != nil {
		return fmt.Errorf("insert ip block: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ip block tx: %w", err)
	}
	return nil
}

func (r *Repository) GetIPBlock(ctx context.Context, ip string) (*IPBlock, error) {
	var block IPBlock
	err := r.db.QueryRow(ctx, `
		SELECT ip, blocked_until, created_at
		FROM ip_blocks
		WHERE ip = $1
		ORDER BY blocked_until DESC
		LIMIT 1
	`, ip).Scan(&block.IP, &block.BlockedUntil, &block.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query ip block: %w", err)
	}
	return &block, nil
}

func (r *Repository) DeleteIPBlock(ctx context.Context, ip string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM ip_blocks WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("delete ip block: %w", err)
	}
	return nil
}

// CleanupStaleAuthData deletes rows that can no longer affect any decision:
// expired or long-revoked refresh tokens, failure counters outside every
// window and lapsed IP blocks. Each table is trimmed by at most batchSize rows.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, now time.Time, refreshRetention, failureRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if failureRetention <= 0 {
		failureRetention = 24 * time.Hour
	}

	deletedRefreshTokens, err := r.deleteStale(ctx, "refresh tokens", `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, now.Add(-refreshRetention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedFailedLogins, err := r.deleteStale(ctx, "failed logins", `
		WITH stale AS (
			SELECT user_id, ip
			FROM failed_logins
			WHERE last_failed_at < $1
			ORDER BY last_failed_at ASC
			LIMIT $2
		)
		DELETE FROM failed_logins t
		USING stale
		WHERE t.user_id = stale.user_id AND t.ip = stale.ip
	`, now.Add(-failureRetention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedIPBlocks, err := r.deleteStale(ctx, "ip blocks", `
		WITH stale AS (
			SELECT id
			FROM ip_blocks
			WHERE blocked_until < $1
			ORDER BY blocked_until ASC
			LIMIT $2
		)
		DELETE FROM ip_blocks t
		USING stale
		WHERE t.id = stale.id
	`, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedRefreshTokens,
		DeletedFailedLogins:  deletedFailedLogins,
		DeletedIPBlocks:      deletedIPBlocks,
	}, nil
}

func (r *Repository) deleteStale(ctx context.Context, what, query string, args ...any) (int64, error) {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete stale %s: %w", what, err)
	}
	return tag.RowsAffected(), nil
}
