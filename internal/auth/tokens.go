package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sudspoint/washtrack-core/internal/infrastructure/config"
)

// AccessClaims extends JWT standard claims with the fields protected
// endpoints consume: role and the token epoch captured at issuance.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role       Role       `json:"role"`
	TokenEpoch int64      `json:"epoch"`
	Client     ClientType `json:"client"`
}

// RefreshClaims carries the rotation identity of a refresh token.
// The RegisteredClaims.ID (jti) is the rotation ID; the ledger row it maps
// to is the only server-side record of this token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TokenEpoch int64      `json:"epoch"`
	Client     ClientType `json:"client"`
}

// Codec creates and verifies signed, time-bounded tokens.
//
// Two symmetric secrets are held, one per token kind, loaded once at process
// start and read-only afterwards. Lifetimes are policy per client type.
//
// Thread Safety:
//   - All methods are safe for concurrent use; the Codec is immutable.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     map[ClientType]time.Duration
	refreshTTL    map[ClientType]time.Duration
}

// NewCodec builds a Codec from the security configuration.
// Config validation has already guaranteed non-empty, distinct secrets;
// this constructor trusts that invariant.
func NewCodec(cfg config.SecurityConfig) *Codec {
	return &Codec{
		accessSecret:  []byte(cfg.AccessToken.Secret),
		refreshSecret: []byte(cfg.RefreshToken.Secret),
		accessTTL: map[ClientType]time.Duration{
			ClientWeb:    time.Duration(cfg.AccessToken.WebTTLMinutes) * time.Minute,
			ClientMobile: time.Duration(cfg.AccessToken.MobileTTLMinutes) * time.Minute,
		},
		refreshTTL: map[ClientType]time.Duration{
			ClientWeb:    time.Duration(cfg.RefreshToken.WebTTLDays) * 24 * time.Hour,
			ClientMobile: time.Duration(cfg.RefreshToken.MobileTTLDays) * 24 * time.Hour,
		},
	}
}

// AccessTTL returns the configured access token lifetime for a client type.
func (c *Codec) AccessTTL(client ClientType) time.Duration {
	return c.accessTTL[client]
}

// RefreshTTL returns the configured refresh token lifetime for a client type.
func (c *Codec) RefreshTTL(client ClientType) time.Duration {
	return c.refreshTTL[client]
}

// NewRotationID generates a fresh random rotation identifier.
// Rotation IDs are never reused across sessions.
func NewRotationID() string {
	return uuid.NewString()
}

// IssueAccessToken creates a signed access token for a user.
// Access tokens are short-lived and validated by signature only (no DB hit).
func (c *Codec) IssueAccessToken(user *User, client ClientType) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL[client])),
			ID:        uuid.NewString(),
		},
		Role:       user.Role,
		TokenEpoch: user.TokenEpoch,
		Client:     client,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.accessSecret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// IssueRefreshToken creates a signed refresh token bound to a rotation ID.
// The raw token goes to the client; only its keyed hash is ever persisted.
// The returned expiry is the value the ledger row must carry.
func (c *Codec) IssueRefreshToken(user *User, rotationID string, client ClientType) (signed string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(c.refreshTTL[client])
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        rotationID,
		},
		TokenEpoch: user.TokenEpoch,
		Client:     client,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err = token.SignedString(c.refreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing refresh token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken validates and parses an access token.
// It checks the signature, expiry, and required fields.
func (c *Codec) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(_ *jwt.Token) (any, error) {
		return c.accessSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: missing role", ErrTokenInvalid)
	}

	return claims, nil
}

// VerifyRefreshToken validates and parses a refresh token.
// Signature or expiry failure here means the rotation protocol never runs.
func (c *Codec) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, func(_ *jwt.Token) (any, error) {
		return c.refreshSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := token.Claims.(*RefreshClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing rotation id", ErrTokenInvalid)
	}
	if !IsValidClientType(claims.Client) {
		return nil, fmt.Errorf("%w: unknown client type", ErrTokenInvalid)
	}

	return claims, nil
}

// HashRefreshToken computes the keyed HMAC-SHA256 hash of a raw refresh
// token for ledger storage. Deterministic and one-way: a database read alone
// cannot reconstruct a valid token, and the hash key never leaves process
// memory. Raw tokens are never stored.
func (c *Codec) HashRefreshToken(raw string) string {
	mac := hmac.New(sha256.New, c.refreshSecret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// classifyParseError maps golang-jwt parse failures onto the package's
// sentinel errors, keeping Expired distinct from Invalid.
func classifyParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
}
