package auth

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sudspoint/washtrack-core/internal/audit"
	"github.com/sudspoint/washtrack-core/internal/infrastructure/config"
)

// testDB creates a temporary SQLite database with the session schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "auth-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	// SQLite allows one writer; a single connection serialises transactions
	// the same way production does.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	migrationSQL := `
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('worker', 'manager', 'admin')),
			token_epoch INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;

		CREATE INDEX idx_users_username ON users(username);

		CREATE TABLE refresh_sessions (
			rotation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			client_type TEXT NOT NULL CHECK (client_type IN ('web', 'mobile')),
			token_hash TEXT NOT NULL,
			issued_epoch INTEGER NOT NULL,
			expires_at TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		) STRICT;

		CREATE INDEX idx_refresh_sessions_user ON refresh_sessions(user_id);
		CREATE INDEX idx_refresh_sessions_user_client ON refresh_sessions(user_id, client_type);
		CREATE INDEX idx_refresh_sessions_expires ON refresh_sessions(expires_at);

		CREATE TABLE audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT,
			client_type TEXT,
			remote_addr TEXT,
			details TEXT,
			created_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("applying session migration: %v", err)
	}

	return db
}

// testSecurityConfig returns a SecurityConfig with the standard lifetime
// policy and distinct test secrets.
func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		AccessToken: config.AccessTokenConfig{
			Secret:           "test-access-secret-0123456789abcdef",
			WebTTLMinutes:    15,
			MobileTTLMinutes: 60,
		},
		RefreshToken: config.RefreshTokenConfig{
			Secret:        "test-refresh-secret-0123456789abcdef",
			WebTTLDays:    7,
			MobileTTLDays: 90,
		},
	}
}

// testService wires a Service against a fresh test database.
func testService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()

	db := testDB(t)
	codec := NewCodec(testSecurityConfig())
	svc := NewService(codec,
		NewUserRepository(db),
		NewSessionRepository(db),
		audit.NewSQLiteRepository(db),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		nil,
	)
	return svc, db
}

// seedTestUser inserts a test user and returns it.
// The password is always "test-password".
func seedTestUser(t *testing.T, db *sql.DB, username string, role Role) *User {
	t.Helper()

	hash, err := HashPassword("test-password")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	repo := NewUserRepository(db)
	user := &User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("creating test user %s: %v", username, err)
	}
	return user
}
