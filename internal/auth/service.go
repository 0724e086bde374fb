package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sudspoint/washtrack-core/internal/audit"
)

// Service orchestrates the session lifecycle: login, refresh rotation,
// logout-everywhere, and access token verification.
//
// All decisions that depend on ledger state happen inside the ledger's own
// transactions (see SessionRepository); the service composes those primitives
// with credential checks, token minting, and the audit trail.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Service struct {
	codec    *Codec
	users    UserRepository
	sessions SessionRepository
	audit    audit.Repository
	logger   *slog.Logger

	// available reports whether the session store is reachable. When it
	// returns false, login/refresh/logout fail fast with
	// ErrStoreUnavailable instead of letting callers hang on a dead store.
	// Access token verification stays signature-only and keeps working.
	available func() bool
}

// NewService creates the session service. The availability predicate may be
// nil, in which case the store is assumed reachable.
func NewService(codec *Codec, users UserRepository, sessions SessionRepository, auditRepo audit.Repository, logger *slog.Logger, available func() bool) *Service {
	if available == nil {
		available = func() bool { return true }
	}
	return &Service{
		codec:     codec,
		users:     users,
		sessions:  sessions,
		audit:     auditRepo,
		logger:    logger,
		available: available,
	}
}

// Login authenticates a username/password pair and opens a session for the
// given client type.
//
// On success a fresh token pair is issued and the ledger row for any prior
// session of the same (user, client type) is revoked: one active session per
// device class. Unknown usernames and wrong passwords are indistinguishable
// to the caller; both return ErrInvalidCredentials after the same amount of
// password-hashing work.
func (s *Service) Login(ctx context.Context, username, password string, client ClientType, remoteAddr string) (*TokenPair, *User, error) {
	if !IsValidClientType(client) {
		return nil, nil, ErrInvalidClientType
	}
	if !s.available() {
		return nil, nil, ErrStoreUnavailable
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn the same hashing cost as a real verification so response
			// timing does not reveal whether the username exists.
			_, _ = VerifyPassword(password, decoyHash) //nolint:errcheck // result intentionally discarded
			s.recordAudit(ctx, audit.ActionLoginFailed, "", client, remoteAddr, map[string]any{"username": username, "reason": "unknown_user"})
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		s.recordAudit(ctx, audit.ActionLoginFailed, user.ID, client, remoteAddr, map[string]any{"reason": "bad_password"})
		return nil, nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		s.recordAudit(ctx, audit.ActionLoginFailed, user.ID, client, remoteAddr, map[string]any{"reason": "inactive"})
		return nil, nil, ErrUserInactive
	}

	pair, err := s.openSession(ctx, user, client)
	if err != nil {
		return nil, nil, err
	}

	if err := s.users.TouchLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("updating last login failed", "user_id", user.ID, "error", err)
	}

	s.recordAudit(ctx, audit.ActionLogin, user.ID, client, remoteAddr, nil)
	s.logger.Info("user logged in", "user_id", user.ID, "client", client)

	return pair, user, nil
}

// Refresh runs one step of the rotation protocol: the presented refresh
// token is consumed and a new pair issued under the same token epoch.
//
// Failure semantics, in order of evaluation:
//   - signature/expiry failure: ErrTokenExpired or ErrTokenInvalid, no
//     ledger mutation (the token proves nothing about who sent it).
//   - ledger disagreement (reuse, revocation, missing row): ErrTokenReused,
//     every session of the user revoked.
//   - stale token epoch: ErrSessionExpired, every session revoked.
//
// The transport collapses all of these to one generic 401; the audit trail
// keeps the branches distinct.
func (s *Service) Refresh(ctx context.Context, rawRefreshToken, remoteAddr string) (*TokenPair, error) {
	claims, err := s.codec.VerifyRefreshToken(rawRefreshToken)
	if err != nil {
		return nil, err
	}

	if !s.available() {
		return nil, ErrStoreUnavailable
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	// Mint the replacement pair before touching the ledger. The new tokens
	// carry the epoch the presented token was issued under; if that epoch is
	// stale the exchange below fails and the minted pair is discarded.
	client := claims.Client
	minted := *user
	minted.TokenEpoch = claims.TokenEpoch

	accessToken, err := s.codec.IssueAccessToken(&minted, client)
	if err != nil {
		return nil, err
	}

	nextRotationID := NewRotationID()
	refreshToken, refreshExpiry, err := s.codec.IssueRefreshToken(&minted, nextRotationID, client)
	if err != nil {
		return nil, err
	}

	next := &RefreshSession{
		RotationID:  nextRotationID,
		UserID:      user.ID,
		ClientType:  client,
		TokenHash:   s.codec.HashRefreshToken(refreshToken),
		IssuedEpoch: claims.TokenEpoch,
		ExpiresAt:   refreshExpiry,
	}

	providedHash := s.codec.HashRefreshToken(rawRefreshToken)
	err = s.sessions.Exchange(ctx, user.ID, claims.ID, providedHash, next)

	switch {
	case errors.Is(err, ErrTokenReused):
		s.recordAudit(ctx, audit.ActionReuseDetected, user.ID, client, remoteAddr, map[string]any{"rotation_id": claims.ID})
		s.logger.Warn("refresh token reuse detected, all sessions revoked",
			"user_id", user.ID, "client", client, "rotation_id", claims.ID)
		return nil, err

	case errors.Is(err, ErrSessionExpired):
		s.recordAudit(ctx, audit.ActionSessionExpired, user.ID, client, remoteAddr, map[string]any{"rotation_id": claims.ID})
		s.logger.Info("refresh under stale token epoch rejected",
			"user_id", user.ID, "client", client)
		return nil, err

	case err != nil:
		return nil, fmt.Errorf("exchanging refresh session: %w", err)
	}

	s.recordAudit(ctx, audit.ActionRefreshRotated, user.ID, client, remoteAddr, nil)
	s.logger.Debug("refresh token rotated", "user_id", user.ID, "client", client)

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ClientType:       client,
		AccessExpiresIn:  s.codec.AccessTTL(client),
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// Logout ends every session of the user on every device: the token epoch is
// bumped and all ledger rows revoked in one transaction. Outstanding access
// tokens keep validating until their own expiry; that window is bounded by
// the access token lifetime.
//
// Idempotent: logging out with no live sessions still succeeds.
func (s *Service) Logout(ctx context.Context, userID string, client ClientType, remoteAddr string) error {
	if !s.available() {
		return ErrStoreUnavailable
	}

	if err := s.sessions.RevokeEverything(ctx, userID); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}

	s.recordAudit(ctx, audit.ActionLogout, userID, client, remoteAddr, nil)
	s.logger.Info("user logged out everywhere", "user_id", userID)

	return nil
}

// VerifyAccess validates an access token by signature and expiry alone.
// No database read: epoch staleness is only enforced at refresh time.
func (s *Service) VerifyAccess(tokenString string) (*AccessClaims, error) {
	return s.codec.VerifyAccessToken(tokenString)
}

// ActiveSessions lists the user's live ledger rows for session introspection.
func (s *Service) ActiveSessions(ctx context.Context, userID string) ([]RefreshSession, error) {
	if !s.available() {
		return nil, ErrStoreUnavailable
	}
	return s.sessions.ListActiveByUser(ctx, userID)
}

// User fetches a user by ID.
func (s *Service) User(ctx context.Context, userID string) (*User, error) {
	return s.users.GetByID(ctx, userID)
}

// SweepExpired deletes expired ledger rows. Called periodically by the
// maintenance loop.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx)
}

// openSession issues a token pair and installs the ledger row, revoking any
// prior session of the same client type.
func (s *Service) openSession(ctx context.Context, user *User, client ClientType) (*TokenPair, error) {
	accessToken, err := s.codec.IssueAccessToken(user, client)
	if err != nil {
		return nil, err
	}

	rotationID := NewRotationID()
	refreshToken, refreshExpiry, err := s.codec.IssueRefreshToken(user, rotationID, client)
	if err != nil {
		return nil, err
	}

	session := &RefreshSession{
		RotationID:  rotationID,
		UserID:      user.ID,
		ClientType:  client,
		TokenHash:   s.codec.HashRefreshToken(refreshToken),
		IssuedEpoch: user.TokenEpoch,
		ExpiresAt:   refreshExpiry,
	}

	if err := s.sessions.ReplaceForClient(ctx, session); err != nil {
		return nil, fmt.Errorf("installing session: %w", err)
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ClientType:       client,
		AccessExpiresIn:  s.codec.AccessTTL(client),
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// recordAudit writes an audit entry, logging rather than failing the caller
// when the trail itself is unwritable.
func (s *Service) recordAudit(ctx context.Context, action, userID string, client ClientType, remoteAddr string, details map[string]any) {
	entry := &audit.Entry{
		Action:     action,
		UserID:     userID,
		ClientType: string(client),
		RemoteAddr: remoteAddr,
		Details:    details,
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Error("writing audit entry failed", "action", action, "error", err)
	}
}

// decoyHash is a throwaway Argon2id hash verified against when a login names
// an unknown user, equalising response timing with the real-user path.
const decoyHash = "$argon2id$v=19$m=65536,t=3,p=1$AAAAAAAAAAAAAAAAAAAAAA$t2SVXm20sj5AB1Nv6pLlvUv5az7fEVHAi4QpGWWMeWo"
