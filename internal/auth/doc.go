// Package auth implements session management for WashTrack Core.
//
// It provides:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - JWT access/refresh token pairs with per-client-type lifetimes
//     (short for the web admin, long for the mobile field app)
//   - Single-use refresh token rotation backed by a SQLite session ledger:
//     each refresh consumes its ledger row atomically and installs a
//     replacement, so a stolen-and-replayed token is detected and the
//     user's every session revoked
//   - Token epochs for logout-everywhere: bumping a user's epoch
//     invalidates all outstanding refresh tokens at their next rotation
//
// Access tokens verify by signature alone with no database read. All
// revocation takes effect at refresh time; the exposure window after a
// revocation is bounded by the access token lifetime.
package auth
