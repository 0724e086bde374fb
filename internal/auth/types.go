package auth

import (
	"errors"
	"regexp"
	"time"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// maxUsernameLength is the maximum allowed username length.
const maxUsernameLength = 64

// IsValidUsername checks if a username meets format requirements.
// Usernames must be 1-64 characters, alphanumeric with dots, hyphens, underscores.
func IsValidUsername(username string) bool {
	return len(username) <= maxUsernameLength && usernamePattern.MatchString(username)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleWorker is a wash-site employee: sees and completes their own
	// assigned tasks, clocks in and out from the mobile app.
	RoleWorker Role = "worker"

	// RoleManager runs one or more sites: assigns tasks, reviews salary
	// reports, manages vehicles and buildings for their sites.
	RoleManager Role = "manager"

	// RoleAdmin has full system control: accounts, payroll configuration,
	// every site. Head-office only.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of assignable user roles.
var ValidRoles = []Role{RoleWorker, RoleManager, RoleAdmin}

// IsValidRole returns true if the role is a valid role for a user account.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// ClientType identifies which kind of client a session belongs to.
// Token lifetimes are policy per client type: the web admin is short-lived,
// the mobile field app long-lived.
type ClientType string

const (
	// ClientWeb is the browser-based admin. Refresh tokens travel in an
	// HttpOnly cookie scoped to the refresh endpoint.
	ClientWeb ClientType = "web"

	// ClientMobile is the field app. No shared cookie jar, so refresh
	// tokens travel in the response body.
	ClientMobile ClientType = "mobile"
)

// IsValidClientType returns true for a recognised client type.
func IsValidClientType(c ClientType) bool {
	return c == ClientWeb || c == ClientMobile
}

// User represents a workforce account.
//
// TokenEpoch is a monotonically non-decreasing counter. Logout-everywhere
// increments it; any refresh token minted under an older epoch fails its
// next rotation. It never resets.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"` // never serialised
	Role         Role       `json:"role"`
	TokenEpoch   int64      `json:"-"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RefreshSession is one row of the session ledger: a single issued refresh
// token, stored by keyed hash only. At most one live (non-revoked, unexpired)
// row exists per RotationID; a consumed RotationID is deleted and can never
// validate again.
type RefreshSession struct {
	RotationID  string     `json:"rotation_id"`
	UserID      string     `json:"user_id"`
	ClientType  ClientType `json:"client_type"`
	TokenHash   string     `json:"-"` // never serialised
	IssuedEpoch int64      `json:"-"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Revoked     bool       `json:"revoked"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ClientType       ClientType
	AccessExpiresIn  time.Duration
	RefreshExpiresAt time.Time
}

// Sentinel errors for auth operations.
//
// The transport maps ErrInvalidCredentials, ErrTokenInvalid, ErrTokenReused
// and ErrSessionExpired to the same generic 401; server-side logs and the
// audit trail keep them distinct for forensic review.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrUsernameExists     = errors.New("username already exists")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenReused        = errors.New("refresh token reuse detected")
	ErrSessionExpired     = errors.New("session expired by global logout")
	ErrInvalidClientType  = errors.New("invalid client type")
	ErrStoreUnavailable   = errors.New("session store unavailable")
)
