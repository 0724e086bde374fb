// Package api implements the HTTP REST API for WashTrack Core.
//
// This package provides:
//   - Session endpoints: login, refresh rotation, logout-everywhere,
//     current user, and active session introspection
//   - Audit trail listing for managers and admins
//   - Middleware stack (request ID, logging, recovery, CORS, body limit,
//     Bearer token auth with role guards)
//   - TLS support for production deployments
//
// # Security
//
// Protected routes authenticate by Bearer access token, verified by
// signature alone with no database read. The web admin's refresh token
// lives in an HttpOnly cookie scoped to the refresh endpoint; the mobile
// field app carries its refresh token in request and response bodies.
// All refresh failures return the same generic 401 so callers cannot
// distinguish an expired token from a revoked or reused one.
package api
