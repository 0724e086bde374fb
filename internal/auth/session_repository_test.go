package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"
)

// seedSession inserts a ledger row for a user and returns it along with the
// raw token whose hash it stores.
func seedSession(t *testing.T, db *sql.DB, user *User, client ClientType, epoch int64) (*RefreshSession, string) {
	t.Helper()

	codec := testCodec()
	rotationID := NewRotationID()
	minted := *user
	minted.TokenEpoch = epoch
	raw, expiresAt, err := codec.IssueRefreshToken(&minted, rotationID, client)
	if err != nil {
		t.Fatalf("issuing refresh token: %v", err)
	}

	session := &RefreshSession{
		RotationID:  rotationID,
		UserID:      user.ID,
		ClientType:  client,
		TokenHash:   codec.HashRefreshToken(raw),
		IssuedEpoch: epoch,
		ExpiresAt:   expiresAt,
	}
	if err := NewSessionRepository(db).Create(context.Background(), session); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return session, raw
}

// nextSession builds a replacement ledger row for an exchange.
func nextSession(userID string, client ClientType, epoch int64) *RefreshSession {
	return &RefreshSession{
		RotationID:  NewRotationID(),
		UserID:      userID,
		ClientType:  client,
		TokenHash:   "hash-" + NewRotationID(),
		IssuedEpoch: epoch,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
}

func TestSessionRepository_CreateAndGet(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	session, _ := seedSession(t, db, user, ClientMobile, 0)

	got, err := repo.GetByRotationID(context.Background(), session.RotationID)
	if err != nil {
		t.Fatalf("GetByRotationID() error = %v", err)
	}
	if got.UserID != user.ID {
		t.Errorf("UserID = %q, want %q", got.UserID, user.ID)
	}
	if got.ClientType != ClientMobile {
		t.Errorf("ClientType = %q, want %q", got.ClientType, ClientMobile)
	}
	if got.TokenHash != session.TokenHash {
		t.Errorf("TokenHash = %q, want %q", got.TokenHash, session.TokenHash)
	}
	if got.Revoked {
		t.Error("new session should not be revoked")
	}
}

func TestExchange_Valid(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	session, _ := seedSession(t, db, user, ClientWeb, 0)
	next := nextSession(user.ID, ClientWeb, 0)

	err := repo.Exchange(context.Background(), user.ID, session.RotationID, session.TokenHash, next)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	// The consumed row is gone
	if _, err := repo.GetByRotationID(context.Background(), session.RotationID); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("consumed row lookup error = %v, want ErrTokenInvalid", err)
	}

	// The replacement is live
	got, err := repo.GetByRotationID(context.Background(), next.RotationID)
	if err != nil {
		t.Fatalf("replacement lookup error = %v", err)
	}
	if got.Revoked {
		t.Error("replacement should not be revoked")
	}
}

func TestExchange_UnknownRotationID(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	// A live session on another device that must get caught in the blast radius
	mobile, _ := seedSession(t, db, user, ClientMobile, 0)

	err := repo.Exchange(context.Background(), user.ID, NewRotationID(), "whatever-hash", nextSession(user.ID, ClientWeb, 0))
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("Exchange() error = %v, want ErrTokenReused", err)
	}

	got, err := repo.GetByRotationID(context.Background(), mobile.RotationID)
	if err != nil {
		t.Fatalf("mobile session lookup error = %v", err)
	}
	if !got.Revoked {
		t.Error("reuse detection must revoke sessions of every client type")
	}
}

func TestExchange_ConsumedRotationID(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	session, _ := seedSession(t, db, user, ClientWeb, 0)
	next := nextSession(user.ID, ClientWeb, 0)

	if err := repo.Exchange(context.Background(), user.ID, session.RotationID, session.TokenHash, next); err != nil {
		t.Fatalf("first Exchange() error = %v", err)
	}

	// Replaying the consumed token is the theft signal
	err := repo.Exchange(context.Background(), user.ID, session.RotationID, session.TokenHash, nextSession(user.ID, ClientWeb, 0))
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("replay Exchange() error = %v, want ErrTokenReused", err)
	}

	// The legitimately rotated successor is revoked too
	got, err := repo.GetByRotationID(context.Background(), next.RotationID)
	if err != nil {
		t.Fatalf("successor lookup error = %v", err)
	}
	if !got.Revoked {
		t.Error("replay must revoke the successor session")
	}
}

func TestExchange_HashMismatch(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	session, _ := seedSession(t, db, user, ClientWeb, 0)

	err := repo.Exchange(context.Background(), user.ID, session.RotationID, "tampered-hash", nextSession(user.ID, ClientWeb, 0))
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("Exchange() error = %v, want ErrTokenReused", err)
	}
}

func TestExchange_RevokedRow(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	session, _ := seedSession(t, db, user, ClientWeb, 0)
	if _, err := db.Exec("UPDATE refresh_sessions SET revoked = 1 WHERE rotation_id = ?", session.RotationID); err != nil {
		t.Fatalf("revoking session: %v", err)
	}

	err := repo.Exchange(context.Background(), user.ID, session.RotationID, session.TokenHash, nextSession(user.ID, ClientWeb, 0))
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("Exchange() error = %v, want ErrTokenReused", err)
	}
}

func TestExchange_StaleEpoch(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	session, _ := seedSession(t, db, user, ClientWeb, 0)

	// Logout-everywhere bumped the epoch after this token was issued
	if err := NewUserRepository(db).BumpTokenEpoch(context.Background(), user.ID); err != nil {
		t.Fatalf("bumping epoch: %v", err)
	}

	err := repo.Exchange(context.Background(), user.ID, session.RotationID, session.TokenHash, nextSession(user.ID, ClientWeb, 0))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Exchange() error = %v, want ErrSessionExpired", err)
	}

	got, err := repo.GetByRotationID(context.Background(), session.RotationID)
	if err != nil {
		t.Fatalf("session lookup error = %v", err)
	}
	if !got.Revoked {
		t.Error("stale-epoch exchange must revoke the session")
	}
}

func TestExchange_Concurrent(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	session, _ := seedSession(t, db, user, ClientWeb, 0)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = repo.Exchange(context.Background(), user.ID, session.RotationID, session.TokenHash,
				nextSession(user.ID, ClientWeb, 0))
		}()
	}
	wg.Wait()

	var successes, reused int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrTokenReused):
			reused++
		default:
			t.Errorf("unexpected Exchange() error = %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if reused != attempts-1 {
		t.Errorf("reuse detections = %d, want %d", reused, attempts-1)
	}
}

func TestReplaceForClient(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	web, _ := seedSession(t, db, user, ClientWeb, 0)
	mobile, _ := seedSession(t, db, user, ClientMobile, 0)

	// Second web login replaces the first web session only
	next := nextSession(user.ID, ClientWeb, 0)
	if err := repo.ReplaceForClient(context.Background(), next); err != nil {
		t.Fatalf("ReplaceForClient() error = %v", err)
	}

	gotWeb, err := repo.GetByRotationID(context.Background(), web.RotationID)
	if err != nil {
		t.Fatalf("web session lookup error = %v", err)
	}
	if !gotWeb.Revoked {
		t.Error("prior web session should be revoked")
	}

	gotMobile, err := repo.GetByRotationID(context.Background(), mobile.RotationID)
	if err != nil {
		t.Fatalf("mobile session lookup error = %v", err)
	}
	if gotMobile.Revoked {
		t.Error("mobile session must survive a web login")
	}
}

func TestRevokeEverything(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	userRepo := NewUserRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	seedSession(t, db, user, ClientWeb, 0)
	seedSession(t, db, user, ClientMobile, 0)

	if err := repo.RevokeEverything(context.Background(), user.ID); err != nil {
		t.Fatalf("RevokeEverything() error = %v", err)
	}

	got, err := userRepo.GetByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.TokenEpoch != 1 {
		t.Errorf("TokenEpoch = %d, want 1", got.TokenEpoch)
	}

	active, err := repo.ListActiveByUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ListActiveByUser() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active sessions = %d, want 0", len(active))
	}

	// Idempotent: a user with no live sessions still gets an epoch bump
	if err := repo.RevokeEverything(context.Background(), user.ID); err != nil {
		t.Fatalf("second RevokeEverything() error = %v", err)
	}
	got, err = userRepo.GetByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.TokenEpoch != 2 {
		t.Errorf("TokenEpoch = %d, want 2", got.TokenEpoch)
	}
}

func TestListActiveByUser_ExcludesRevokedAndExpired(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	live, _ := seedSession(t, db, user, ClientWeb, 0)

	revoked, _ := seedSession(t, db, user, ClientMobile, 0)
	if _, err := db.Exec("UPDATE refresh_sessions SET revoked = 1 WHERE rotation_id = ?", revoked.RotationID); err != nil {
		t.Fatalf("revoking session: %v", err)
	}

	expired, _ := seedSession(t, db, user, ClientMobile, 0)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	if _, err := db.Exec("UPDATE refresh_sessions SET expires_at = ? WHERE rotation_id = ?", past, expired.RotationID); err != nil {
		t.Fatalf("expiring session: %v", err)
	}

	active, err := repo.ListActiveByUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ListActiveByUser() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(active))
	}
	if active[0].RotationID != live.RotationID {
		t.Errorf("active session = %q, want %q", active[0].RotationID, live.RotationID)
	}
}

func TestDeleteExpired(t *testing.T) {
	db := testDB(t)
	repo := NewSessionRepository(db)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	seedSession(t, db, user, ClientWeb, 0)

	expired, _ := seedSession(t, db, user, ClientMobile, 0)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	if _, err := db.Exec("UPDATE refresh_sessions SET expires_at = ? WHERE rotation_id = ?", past, expired.RotationID); err != nil {
		t.Fatalf("expiring session: %v", err)
	}

	count, err := repo.DeleteExpired(context.Background())
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if count != 1 {
		t.Errorf("deleted = %d, want 1", count)
	}

	if _, err := repo.GetByRotationID(context.Background(), expired.RotationID); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expired row lookup error = %v, want ErrTokenInvalid", err)
	}
}
