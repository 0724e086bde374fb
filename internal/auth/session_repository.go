package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRepository defines the interface for the refresh session ledger.
//
// Every mutating operation runs inside a single database transaction:
// partial states (new row inserted but old row not retired) are never
// observable. Reads that feed a rotation decision happen inside the same
// transaction as the mutation to avoid check-then-use races.
type SessionRepository interface {
	Create(ctx context.Context, session *RefreshSession) error
	GetByRotationID(ctx context.Context, rotationID string) (*RefreshSession, error)
	ReplaceForClient(ctx context.Context, next *RefreshSession) error
	Exchange(ctx context.Context, userID, rotationID, providedHash string, next *RefreshSession) error
	RevokeEverything(ctx context.Context, userID string) error
	ListActiveByUser(ctx context.Context, userID string) ([]RefreshSession, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteSessionRepository implements SessionRepository using SQLite.
type SQLiteSessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SQLite-backed session ledger.
func NewSessionRepository(db *sql.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

// sessionColumns is the SELECT column list shared by every ledger query.
const sessionColumns = "rotation_id, user_id, client_type, token_hash, issued_epoch, expires_at, revoked, created_at"

// Create inserts a new ledger row.
func (r *SQLiteSessionRepository) Create(ctx context.Context, session *RefreshSession) error {
	now := time.Now().UTC().Format(time.RFC3339)
	session.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_sessions (rotation_id, user_id, client_type, token_hash, issued_epoch, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.RotationID, session.UserID, string(session.ClientType),
		session.TokenHash, session.IssuedEpoch,
		session.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(session.Revoked), now,
	)
	if err != nil {
		return fmt.Errorf("creating refresh session: %w", err)
	}

	return nil
}

// GetByRotationID retrieves a ledger row by its rotation ID.
func (r *SQLiteSessionRepository) GetByRotationID(ctx context.Context, rotationID string) (*RefreshSession, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM refresh_sessions WHERE rotation_id = ?", rotationID)
	return scanSessionFrom(row)
}

// ReplaceForClient installs the ledger row for a fresh login.
//
// Within one transaction it revokes every existing row for the same
// (user, client type) pair and inserts the new row: one active session per
// device class. A second web login ends the first web session at its next
// refresh, while a live mobile session is untouched.
func (r *SQLiteSessionRepository) ReplaceForClient(ctx context.Context, next *RefreshSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning login transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		"UPDATE refresh_sessions SET revoked = 1 WHERE user_id = ? AND client_type = ? AND revoked = 0",
		next.UserID, string(next.ClientType)); err != nil {
		return fmt.Errorf("revoking prior sessions: %w", err)
	}

	if err := insertSession(ctx, tx, next); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing login: %w", err)
	}
	return nil
}

// Exchange atomically consumes a live ledger row and installs its
// replacement. This is the single-use guarantee: find-live-row, retire,
// insert all happen in one transaction, so two concurrent exchanges of the
// same rotation ID produce exactly one success.
//
// Outcomes:
//   - row missing, hash mismatch, revoked, or expired: every ledger row for
//     the user (all client types) is revoked inside the same transaction and
//     ErrTokenReused is returned. A syntactically valid token absent from
//     the ledger is treated as a theft signal.
//   - row live but issued under a stale token epoch: all rows revoked,
//     ErrSessionExpired returned.
//   - row valid: the old row is deleted and next inserted. The old rotation
//     ID can never again produce a successful exchange.
func (r *SQLiteSessionRepository) Exchange(ctx context.Context, userID, rotationID, providedHash string, next *RefreshSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning exchange transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	var rowUserID, rowHash, expiresAt string
	var issuedEpoch int64
	var revoked int

	err = tx.QueryRowContext(ctx,
		"SELECT user_id, token_hash, issued_epoch, expires_at, revoked FROM refresh_sessions WHERE rotation_id = ?",
		rotationID,
	).Scan(&rowUserID, &rowHash, &issuedEpoch, &expiresAt, &revoked)

	now := time.Now().UTC()

	live := err == nil &&
		rowUserID == userID &&
		subtle.ConstantTimeCompare([]byte(rowHash), []byte(providedHash)) == 1 &&
		revoked == 0 &&
		laterThan(expiresAt, now)

	switch {
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("looking up refresh session: %w", err)

	case !live:
		// Reuse/anomaly path: the token verified cryptographically but the
		// ledger disagrees. Revoke the user's every session as a precaution.
		if err := revokeAllInTx(ctx, tx, userID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing reuse revocation: %w", err)
		}
		return ErrTokenReused
	}

	// Epoch check against the user's current value, read in this same
	// transaction so a concurrent logout-everywhere cannot slip between
	// check and commit.
	var currentEpoch int64
	if err := tx.QueryRowContext(ctx,
		"SELECT token_epoch FROM users WHERE id = ?", userID,
	).Scan(&currentEpoch); err != nil {
		return fmt.Errorf("reading token epoch: %w", err)
	}

	if issuedEpoch != currentEpoch {
		if err := revokeAllInTx(ctx, tx, userID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing epoch revocation: %w", err)
		}
		return ErrSessionExpired
	}

	// Retire the consumed row and install the replacement.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM refresh_sessions WHERE rotation_id = ?", rotationID); err != nil {
		return fmt.Errorf("retiring consumed session: %w", err)
	}

	if err := insertSession(ctx, tx, next); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing exchange: %w", err)
	}
	return nil
}

// RevokeEverything implements logout-everywhere for a user: within one
// transaction the token epoch is bumped and every ledger row is revoked.
// Idempotent; calling it for a user with no sessions still bumps the epoch.
func (r *SQLiteSessionRepository) RevokeEverything(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning revocation transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET token_epoch = token_epoch + 1, updated_at = ? WHERE id = ?",
		now, userID); err != nil {
		return fmt.Errorf("bumping token epoch: %w", err)
	}

	if err := revokeAllInTx(ctx, tx, userID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing revocation: %w", err)
	}
	return nil
}

// ListActiveByUser returns all non-revoked, unexpired ledger rows for a user.
func (r *SQLiteSessionRepository) ListActiveByUser(ctx context.Context, userID string) ([]RefreshSession, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM refresh_sessions
		 WHERE user_id = ? AND revoked = 0 AND expires_at > ?
		 ORDER BY created_at DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []RefreshSession
	for rows.Next() {
		s, err := scanSessionFrom(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	if sessions == nil {
		sessions = []RefreshSession{}
	}
	return sessions, nil
}

// DeleteExpired removes ledger rows past their expiry, freeing storage.
// Returns the number of deleted rows.
func (r *SQLiteSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM refresh_sessions WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// insertSession inserts a ledger row within an existing transaction.
func insertSession(ctx context.Context, tx *sql.Tx, s *RefreshSession) error {
	now := time.Now().UTC().Format(time.RFC3339)
	s.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_sessions (rotation_id, user_id, client_type, token_hash, issued_epoch, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RotationID, s.UserID, string(s.ClientType), s.TokenHash,
		s.IssuedEpoch, s.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(s.Revoked), now,
	); err != nil {
		return fmt.Errorf("inserting refresh session: %w", err)
	}
	return nil
}

// revokeAllInTx marks every ledger row for a user revoked, all client types.
func revokeAllInTx(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE refresh_sessions SET revoked = 1 WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("revoking user sessions: %w", err)
	}
	return nil
}

// laterThan reports whether an RFC3339 timestamp string is after now.
func laterThan(ts string, now time.Time) bool {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false
	}
	return t.After(now)
}

// scanSessionFrom scans a ledger row from any scanner (Row or Rows).
func scanSessionFrom(s scanner) (*RefreshSession, error) {
	var sess RefreshSession
	var clientType string
	var revoked int
	var expiresAt, createdAt string

	err := s.Scan(&sess.RotationID, &sess.UserID, &clientType, &sess.TokenHash,
		&sess.IssuedEpoch, &expiresAt, &revoked, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("scanning refresh session: %w", err)
	}

	sess.ClientType = ClientType(clientType)
	sess.Revoked = revoked != 0
	sess.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &sess, nil
}
