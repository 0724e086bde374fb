package auth

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sudspoint/washtrack-core/internal/audit"
)

func TestLogin_Success(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	pair, got, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, "10.0.0.1")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if got.ID != user.ID {
		t.Errorf("user ID = %q, want %q", got.ID, user.ID)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Login() returned empty tokens")
	}

	claims, err := svc.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess() error = %v", err)
	}
	if claims.Subject != user.ID {
		t.Errorf("access token subject = %q, want %q", claims.Subject, user.ID)
	}
	if claims.Role != RoleWorker {
		t.Errorf("access token role = %q, want %q", claims.Role, RoleWorker)
	}

	sessions, err := svc.ActiveSessions(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("active sessions = %d, want 1", len(sessions))
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc, db := testService(t)
	seedTestUser(t, db, "worker1", RoleWorker)

	_, _, err := svc.Login(context.Background(), "worker1", "wrong-password", ClientWeb, "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogin_UnknownUser(t *testing.T) {
	svc, _ := testService(t)

	_, _, err := svc.Login(context.Background(), "nobody", "test-password", ClientWeb, "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogin_InactiveUser(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)
	if _, err := db.Exec("UPDATE users SET is_active = 0 WHERE id = ?", user.ID); err != nil {
		t.Fatalf("deactivating user: %v", err)
	}

	_, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, "")
	if !errors.Is(err, ErrUserInactive) {
		t.Errorf("Login() error = %v, want ErrUserInactive", err)
	}
}

func TestLogin_InvalidClientType(t *testing.T) {
	svc, db := testService(t)
	seedTestUser(t, db, "worker1", RoleWorker)

	_, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientType("desktop"), "")
	if !errors.Is(err, ErrInvalidClientType) {
		t.Errorf("Login() error = %v, want ErrInvalidClientType", err)
	}
}

func TestLogin_SecondLoginReplacesSameClientOnly(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	if _, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, ""); err != nil {
		t.Fatalf("web login error = %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientMobile, ""); err != nil {
		t.Fatalf("mobile login error = %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, ""); err != nil {
		t.Fatalf("second web login error = %v", err)
	}

	sessions, err := svc.ActiveSessions(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	// One live web session, one live mobile session
	if len(sessions) != 2 {
		t.Fatalf("active sessions = %d, want 2", len(sessions))
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	pair, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientMobile, "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	next, err := svc.Refresh(context.Background(), pair.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if next.RefreshToken == pair.RefreshToken {
		t.Error("Refresh() must issue a new refresh token")
	}
	if next.ClientType != ClientMobile {
		t.Errorf("ClientType = %q, want %q", next.ClientType, ClientMobile)
	}

	claims, err := svc.VerifyAccess(next.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess() error = %v", err)
	}
	if claims.Subject != user.ID {
		t.Errorf("subject = %q, want %q", claims.Subject, user.ID)
	}

	// Still exactly one live session for the device
	sessions, err := svc.ActiveSessions(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("active sessions = %d, want 1", len(sessions))
	}
}

func TestRefresh_ReplayRevokesEverything(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	// The user is signed in on web and mobile
	webPair, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, "")
	if err != nil {
		t.Fatalf("web login error = %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientMobile, ""); err != nil {
		t.Fatalf("mobile login error = %v", err)
	}

	// Legitimate rotation consumes the web token
	if _, err := svc.Refresh(context.Background(), webPair.RefreshToken, ""); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// An attacker replays the consumed token
	_, err = svc.Refresh(context.Background(), webPair.RefreshToken, "198.51.100.7")
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("replay Refresh() error = %v, want ErrTokenReused", err)
	}

	// Blast radius covers the mobile session too
	sessions, err := svc.ActiveSessions(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("active sessions after replay = %d, want 0", len(sessions))
	}

	// The event is on the audit trail
	auditRepo := audit.NewSQLiteRepository(db)
	result, err := auditRepo.List(context.Background(), audit.Filter{Action: audit.ActionReuseDetected})
	if err != nil {
		t.Fatalf("listing audit entries: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("reuse_detected audit entries = %d, want 1", result.Total)
	}
}

func TestRefresh_AfterLogoutEverywhere(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	pair, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientMobile, "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := svc.Logout(context.Background(), user.ID, ClientMobile, ""); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	// Logout revoked the row, so the ledger reports reuse
	_, err = svc.Refresh(context.Background(), pair.RefreshToken, "")
	if !errors.Is(err, ErrTokenReused) {
		t.Errorf("Refresh() after logout error = %v, want ErrTokenReused", err)
	}
}

func TestRefresh_StaleEpoch(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	pair, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientMobile, "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// Epoch moves on without touching the ledger row: the row is live but
	// was issued under an older epoch.
	if err := NewUserRepository(db).BumpTokenEpoch(context.Background(), user.ID); err != nil {
		t.Fatalf("bumping epoch: %v", err)
	}

	_, err = svc.Refresh(context.Background(), pair.RefreshToken, "")
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Refresh() error = %v, want ErrSessionExpired", err)
	}
}

func TestRefresh_GarbageToken(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Refresh(context.Background(), "not-a-token", "")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Refresh() error = %v, want ErrTokenInvalid", err)
	}
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	// An access token presented at the refresh endpoint must fail: the
	// refresh codec uses a different secret.
	svc, db := testService(t)
	seedTestUser(t, db, "worker1", RoleWorker)

	pair, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if _, err := svc.Refresh(context.Background(), pair.AccessToken, ""); err == nil {
		t.Error("Refresh() should reject an access token")
	}
}

func TestService_StoreUnavailable(t *testing.T) {
	db := testDB(t)
	seedTestUser(t, db, "worker1", RoleWorker)

	codec := NewCodec(testSecurityConfig())
	svc := NewService(codec,
		NewUserRepository(db),
		NewSessionRepository(db),
		audit.NewSQLiteRepository(db),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		func() bool { return false },
	)

	if _, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, ""); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Login() error = %v, want ErrStoreUnavailable", err)
	}
	if err := svc.Logout(context.Background(), "usr-x", ClientWeb, ""); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Logout() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestLogout_TouchesLastLoginAudit(t *testing.T) {
	svc, db := testService(t)
	user := seedTestUser(t, db, "worker1", RoleWorker)

	if _, _, err := svc.Login(context.Background(), "worker1", "test-password", ClientWeb, ""); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := svc.Logout(context.Background(), user.ID, ClientWeb, ""); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	var lastLogin sql.NullString
	if err := db.QueryRow("SELECT last_login_at FROM users WHERE id = ?", user.ID).Scan(&lastLogin); err != nil {
		t.Fatalf("reading last_login_at: %v", err)
	}
	if !lastLogin.Valid {
		t.Error("last_login_at should be set after login")
	}

	auditRepo := audit.NewSQLiteRepository(db)
	for _, action := range []string{audit.ActionLogin, audit.ActionLogout} {
		result, err := auditRepo.List(context.Background(), audit.Filter{Action: action, UserID: user.ID})
		if err != nil {
			t.Fatalf("listing %s audit entries: %v", action, err)
		}
		if result.Total != 1 {
			t.Errorf("%s audit entries = %d, want 1", action, result.Total)
		}
	}
}
