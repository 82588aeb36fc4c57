package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"newsfeed-backend/internal/notify"
	"newsfeed-backend/internal/observability"
)

const (
	tokenTypeBearer      = "Bearer"
	defaultNotifyTimeout = 10 * time.Second
)

type Service struct {
	users    UserStore
	sessions *SessionRegistry
	tracker  *ReputationTracker
	issuer   *TokenIssuer
	notifier notify.Notifier
	logger   *observability.Logger

	bcryptCost         int
	singleSessionLogin bool
	notifyTimeout      time.Duration
	now                func() time.Time
	pending            sync.WaitGroup
}

func NewService(users UserStore, sessions *SessionRegistry, tracker *ReputationTracker, issuer *TokenIssuer) *Service {
	return &Service{
		users:         users,
		sessions:      sessions,
		tracker:       tracker,
		issuer:        issuer,
		notifier:      notify.Noop{},
		logger:        observability.NewNopLogger(),
		bcryptCost:    bcrypt.DefaultCost,
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
	}
}

// WithSecurityConfig sets the bcrypt cost and whether a login invalidates
// every session opened before it.
func (s *Service) WithSecurityConfig(bcryptCost int, singleSessionLogin bool) *Service {
	if bcryptCost >= bcrypt.MinCost && bcryptCost <= bcrypt.MaxCost {
		s.bcryptCost = bcryptCost
	}
	s.singleSessionLogin = singleSessionLogin
	return s
}

func (s *Service) WithNotifier(notifier notify.Notifier) *Service {
	if notifier != nil {
		s.notifier = notifier
	}
	return s
}

func (s *Service) WithLogger(logger *observability.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Wait blocks until in-flight notifications have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) Register(ctx context.Context, in RegisterInput, client ClientInfo) (RegisterResult, error) {
	now := s.now().UTC()
	birthdate, err := in.validate(now)
	if err != nil {
		return RegisterResult{}, err
	}
	if err := s.rejectBlocked(ctx, client.IP); err != nil {
		return RegisterResult{}, err
	}

	if err := s.ensureAvailable(ctx, in.Email, in.Username); err != nil {
		return RegisterResult{}, err
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return RegisterResult{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("generate user id: %w", err)
	}

	user := &User{
		ID:           id.String(),
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: hash,
		Role:         RoleUser,
		TokenVersion: 1,
		Birthdate:    &birthdate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if _, ok := AsError(err); ok {
			return RegisterResult{}, err
		}
		return RegisterResult{}, fmt.Errorf("create user: %w", err)
	}

	tokens, err := s.issueTokens(ctx, user, client)
	if err != nil {
		return RegisterResult{}, err
	}

	s.logger.Info("user_registered", map[string]any{"user_id": user.ID, "ip": client.IP})
	return RegisterResult{User: user.Summary(), Tokens: tokens}, nil
}

func (s *Service) Login(ctx context.Context, in LoginInput, client ClientInfo) (Tokens, error) {
	if err := in.validate(); err != nil {
		return Tokens{}, err
	}
	if err := s.rejectBlocked(ctx, client.IP); err != nil {
		return Tokens{}, err
	}

	user, err := s.userByEmail(ctx, in.Email)
	if err != nil {
		return Tokens{}, err
	}
	if err := s.checkPassword(ctx, user, in.Password, client.IP); err != nil {
		return Tokens{}, err
	}

	if err := s.clearPresentedSession(ctx, user, client); err != nil {
		return Tokens{}, err
	}

	previousIP := user.LastIP
	updated, err := s.users.RecordLogin(ctx, user.ID, client.IP, s.now().UTC(), s.singleSessionLogin)
	if err != nil {
		return Tokens{}, fmt.Errorf("record login: %w", err)
	}

	tokens, err := s.issueTokens(ctx, updated, client)
	if err != nil {
		return Tokens{}, err
	}

	if previousIP != "" && previousIP != client.IP {
		s.notifyNewIP(updated, previousIP, client)
	}
	return tokens, nil
}

func (s *Service) Refresh(ctx context.Context, raw string, client ClientInfo) (Tokens, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Tokens{}, ErrRefreshTokenMissing
	}

	newRaw, user, next, err := s.sessions.Rotate(ctx, raw, client)
	if err != nil {
		return Tokens{}, err
	}
	return s.buildTokens(user, newRaw, next)
}

func (s *Service) Logout(ctx context.Context, raw string, client ClientInfo) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrRefreshTokenMissing
	}

	_, token, err := s.sessions.Validate(ctx, raw, client.UserAgent)
	if err != nil {
		return err
	}
	return s.sessions.Revoke(ctx, token, RevokeReasonLogout, client.IP)
}

// ChangePassword replaces the password and invalidates every outstanding
// session of the account, then opens a new one for the caller.
func (s *Service) ChangePassword(ctx context.Context, in ChangePasswordInput, client ClientInfo) (Tokens, error) {
	if err := in.validate(); err != nil {
		return Tokens{}, err
	}
	if err := s.rejectBlocked(ctx, client.IP); err != nil {
		return Tokens{}, err
	}

	user, err := s.userByEmail(ctx, in.Email)
	if err != nil {
		return Tokens{}, err
	}
	if err := s.checkPassword(ctx, user, in.OldPassword, client.IP); err != nil {
		return Tokens{}, err
	}

	hash, err := s.hashPassword(in.NewPassword)
	if err != nil {
		return Tokens{}, err
	}
	updated, err := s.users.UpdatePassword(ctx, user.ID, hash, s.now().UTC())
	if err != nil {
		return Tokens{}, fmt.Errorf("update password: %w", err)
	}

	s.logger.Info("password_changed", map[string]any{"user_id": user.ID, "ip": client.IP})
	return s.issueTokens(ctx, updated, client)
}

func (s *Service) ListActiveSessions(ctx context.Context, userID string, client ClientInfo) ([]SessionSummary, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("read user: %w", err)
	}

	tokens, err := s.sessions.ListActive(ctx, user)
	if err != nil {
		return nil, err
	}

	currentHash := ""
	if raw := strings.TrimSpace(client.RefreshToken); raw != "" {
		currentHash = HashToken(raw)
	}

	out := make([]SessionSummary, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, SessionSummary{
			ID:          token.ID,
			IP:          token.IP,
			UserAgent:   token.UserAgent,
			DeviceLabel: token.DeviceLabel,
			CreatedAt:   token.CreatedAt,
			LastUsedAt:  token.LastUsedAt,
			ExpiresAt:   token.ExpiresAt,
			Current:     currentHash != "" && token.TokenHash == currentHash,
		})
	}
	return out, nil
}

// RevokeSession revokes the caller's sessions that were opened from the
// given ip and user agent.
func (s *Service) RevokeSession(ctx context.Context, userID string, in RevokeSessionInput, client ClientInfo) error {
	if err := in.validate(); err != nil {
		return err
	}
	return s.sessions.RevokeByUserAndClient(ctx, userID, in.IP, in.UserAgent, client.IP)
}

// LogoutEverywhere bumps the token version, which invalidates every access
// and refresh token of the account, and marks all stored sessions revoked.
func (s *Service) LogoutEverywhere(ctx context.Context, userID string, client ClientInfo) (int64, error) {
	if _, err := s.users.BumpTokenVersion(ctx, userID, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("bump token version: %w", err)
	}

	n, err := s.sessions.RevokeAll(ctx, userID, RevokeReasonLogoutAll, client.IP)
	if err != nil {
		return 0, err
	}
	s.logger.Info("logout_everywhere", map[string]any{"user_id": userID, "revoked": n})
	return n, nil
}

func (s *Service) Unblock(ctx context.Context, ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return invalidRequest("ip is required")
	}
	if err := s.tracker.Unblock(ctx, ip); err != nil {
		return err
	}
	s.logger.Info("ip_unblocked", map[string]any{"ip": ip})
	return nil
}

// CurrentUser resolves the identity behind verified access token claims. A
// token minted before the latest version bump is rejected.
func (s *Service) CurrentUser(ctx context.Context, claims *AccessClaims) (*User, error) {
	if claims == nil || claims.Subject == "" {
		return nil, ErrAccessTokenInvalid
	}

	user, err := s.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAccessTokenInvalid
		}
		return nil, fmt.Errorf("read user: %w", err)
	}
	if user.TokenVersion != claims.TokenVersion {
		return nil, ErrAccessTokenInvalid
	}
	return user, nil
}

func (s *Service) ParseAccessToken(raw string) (*AccessClaims, error) {
	return s.issuer.ParseAccessToken(raw)
}

// EnsureAdmin creates a super admin account when no account uses email yet.
func (s *Service) EnsureAdmin(ctx context.Context, email, username, password string) error {
	email = normalizeEmail(email)
	username = strings.ToLower(strings.TrimSpace(username))
	if email == "" && username == "" && password == "" {
		return nil
	}
	if email == "" || username == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL, ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("read admin: %w", err)
	}

	hash, err := s.hashPassword(password)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate user id: %w", err)
	}

	now := s.now().UTC()
	err = s.users.CreateUser(ctx, &User{
		ID:           id.String(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Role:         RoleSuperAdmin,
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"user_id": id.String(), "username": username})
	return nil
}

func (s *Service) rejectBlocked(ctx context.Context, ip string) error {
	blocked, until, err := s.tracker.IsBlocked(ctx, ip)
	if err != nil {
		return err
	}
	if blocked {
		return ipBlocked(until)
	}
	return nil
}

func (s *Service) ensureAvailable(ctx context.Context, email, username string) error {
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return ErrEmailInUse
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("read user by email: %w", err)
	}

	if _, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return ErrUsernameInUse
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("read user by username: %w", err)
	}
	return nil
}

func (s *Service) userByEmail(ctx context.Context, email string) (*User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("read user by email: %w", err)
	}
	return user, nil
}

// checkPassword verifies password against the stored hash and records a
// failure for (user, ip) when it does not match.
func (s *Service) checkPassword(ctx context.Context, user *User, password, ip string) error {
	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), passwordDigest(password))
	if err == nil {
		return nil
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return fmt.Errorf("compare password: %w", err)
	}

	attempts, blocked, until, err := s.tracker.RecordFailure(ctx, user.ID, ip)
	if err != nil {
		return err
	}
	if blocked {
		s.logger.Warn("ip_blocked", map[string]any{
			"ip":       ip,
			"user_id":  user.ID,
			"attempts": attempts,
			"until":    until.Format(time.RFC3339),
		})
		return ipBlocked(until)
	}
	return ErrInvalidPassword
}

// clearPresentedSession retires the refresh token the client still holds, if
// it belongs to user. Expired rows are deleted, live ones revoked.
func (s *Service) clearPresentedSession(ctx context.Context, user *User, client ClientInfo) error {
	raw := strings.TrimSpace(client.RefreshToken)
	if raw == "" {
		return nil
	}

	token, err := s.sessions.Lookup(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read presented refresh token: %w", err)
	}
	if token.UserID != user.ID {
		return nil
	}

	if token.IsExpired(s.now()) {
		return s.sessions.Discard(ctx, token)
	}
	if token.RevokedAt != nil {
		return nil
	}
	if err := s.sessions.Revoke(ctx, token, RevokeReasonSuperseded, client.IP); err != nil && !errors.Is(err, ErrRefreshTokenInvalid) {
		return err
	}
	return nil
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(passwordDigest(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// passwordDigest feeds bcrypt a fixed 44-byte input so passwords past its
// 72-byte limit are neither rejected nor truncated.
func passwordDigest(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

func (s *Service) issueTokens(ctx context.Context, user *User, client ClientInfo) (Tokens, error) {
	raw, token, err := s.sessions.CreateSession(ctx, user, client)
	if err != nil {
		return Tokens{}, err
	}
	return s.buildTokens(user, raw, token)
}

func (s *Service) buildTokens(user *User, raw string, token *RefreshToken) (Tokens, error) {
	access, _, err := s.issuer.IssueAccessToken(user)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:      access,
		TokenType:        tokenTypeBearer,
		ExpiresIn:        int64(s.issuer.AccessTTL().Seconds()),
		RefreshToken:     raw,
		RefreshExpiresAt: token.ExpiresAt,
	}, nil
}

func (s *Service) notifyNewIP(user *User, previousIP string, client ClientInfo) {
	alert := notify.NewIPAlert{
		UserID:     user.ID,
		Email:      user.Email,
		Username:   user.Username,
		IP:         client.IP,
		PreviousIP: previousIP,
		UserAgent:  client.UserAgent,
		At:         s.now().UTC(),
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		if err := s.notifier.NotifyNewIP(ctx, alert); err != nil {
			s.logger.Warn("new_ip_notification_failed", map[string]any{
				"user_id": alert.UserID,
				"ip":      alert.IP,
				"error":   err,
			})
		}
	}()
}
