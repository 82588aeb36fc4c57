package auth

import "time"

type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// IsAdmin reports whether the role may use administrative endpoints.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Role         Role
	TokenVersion int
	LoginCount   int
	Birthdate    *time.Time
	FirstLoginAt *time.Time
	LastLoginAt  *time.Time
	LastIP       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type UserSummary struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

// RefreshToken is one session. TokenHash is the SHA-256 of the opaque value
// handed to the client; the raw value is never stored.
type RefreshToken struct {
	ID           string
	UserID       string
	TokenHash    string
	ExpiresAt    time.Time
	TokenVersion int
	IP           string
	UserAgent    string
	DeviceLabel  string
	CreatedAt    time.Time
	RevokedAt    *time.Time
	RevokeReason string
	RevokedByIP  string
	ReplacedBy   string
	LastUsedAt   *time.Time
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && !t.IsExpired(now)
}

type FailedLogin struct {
	UserID       string
	IP           string
	Count        int
	LastFailedAt time.Time
}

type IPBlock struct {
	IP           string
	BlockedUntil time.Time
	CreatedAt    time.Time
}

func (b *IPBlock) Active(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}

// ClientInfo carries what the transport layer knows about the caller.
type ClientInfo struct {
	IP           string
	UserAgent    string
	DeviceLabel  string
	RefreshToken string
}

type Tokens struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

type RegisterResult struct {
	User   UserSummary `json:"user"`
	Tokens Tokens      `json:"tokens"`
}

type SessionSummary struct {
	ID          string     `json:"id"`
	IP          string     `json:"ip"`
	UserAgent   string     `json:"user_agent"`
	DeviceLabel string     `json:"device_label,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Current     bool       `json:"current"`
}

const (
	RevokeReasonUserRequested = "user requested"
	RevokeReasonLogout        = "logout"
	RevokeReasonRotated       = "rotated"
	RevokeReasonSuperseded    = "superseded by login"
	RevokeReasonLogoutAll     = "logout everywhere"
)
