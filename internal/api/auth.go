package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sudspoint/washtrack-core/internal/auth"
)

// refreshCookieName is the HttpOnly cookie carrying the web client's refresh
// token. Scoped to the refresh path so the browser never attaches it to any
// other request.
const (
	refreshCookieName = "washtrack_refresh"
	refreshCookiePath = "/api/v1/auth/refresh"
)

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ClientType string `json:"client_type"`
}

// tokenResponse is the response body for login and refresh.
// RefreshToken is present for mobile clients only; the web client's refresh
// token travels in the cookie and never appears in a response body.
type tokenResponse struct {
	AccessToken      string     `json:"access_token"`
	TokenType        string     `json:"token_type"`
	ExpiresIn        int        `json:"expires_in"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

// userResponse is the response body for GET /auth/me.
type userResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Role        auth.Role  `json:"role"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// handleLogin authenticates a username/password pair and opens a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}

	client := auth.ClientType(req.ClientType)
	if !auth.IsValidClientType(client) {
		writeBadRequest(w, "client_type must be web or mobile")
		return
	}

	pair, _, err := s.auth.Login(r.Context(), req.Username, req.Password, client, r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrStoreUnavailable):
			writeServiceUnavailable(w, "service temporarily unavailable")
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserInactive):
			// Same response for unknown user, wrong password, and disabled
			// account: nothing for an attacker to enumerate.
			writeUnauthorized(w, "invalid credentials")
		default:
			s.logger.Error("login failed", "error", err)
			writeInternalError(w, "login failed")
		}
		return
	}

	s.writeTokenPair(w, pair)
}

// handleRefresh runs one rotation step. The web client presents its refresh
// token via cookie, the mobile client in the request body.
//
// Every failure returns the same generic 401: expired, invalid, reused, and
// epoch-stale tokens are indistinguishable from the outside. The audit trail
// records which branch fired.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := s.refreshTokenFromRequest(r)
	if raw == "" {
		writeUnauthorized(w, "invalid or expired session")
		return
	}

	pair, err := s.auth.Refresh(r.Context(), raw, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, auth.ErrStoreUnavailable) {
			writeServiceUnavailable(w, "service temporarily unavailable")
			return
		}
		// Reuse detection, expiry, epoch staleness, malformed tokens: one
		// uniform answer.
		s.clearRefreshCookie(w)
		writeUnauthorized(w, "invalid or expired session")
		return
	}

	s.writeTokenPair(w, pair)
}

// handleLogout ends every session of the caller on every device.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := s.auth.Logout(r.Context(), callerID(r), callerClient(r), r.RemoteAddr)
	if err != nil {
		if errors.Is(err, auth.ErrStoreUnavailable) {
			writeServiceUnavailable(w, "service temporarily unavailable")
			return
		}
		s.logger.Error("logout failed", "error", err)
		writeInternalError(w, "logout failed")
		return
	}

	s.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// handleMe returns the authenticated user's own account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.User(r.Context(), callerID(r))
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeUnauthorized(w, "authentication required")
			return
		}
		s.logger.Error("fetching current user failed", "error", err)
		writeInternalError(w, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		LastLoginAt: user.LastLoginAt,
	})
}

// handleSessions lists the caller's active sessions across devices.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.auth.ActiveSessions(r.Context(), callerID(r))
	if err != nil {
		if errors.Is(err, auth.ErrStoreUnavailable) {
			writeServiceUnavailable(w, "service temporarily unavailable")
			return
		}
		s.logger.Error("listing sessions failed", "error", err)
		writeInternalError(w, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// writeTokenPair sends a token pair using the transport appropriate to the
// client type: refresh-in-cookie for web, refresh-in-body for mobile.
func (s *Server) writeTokenPair(w http.ResponseWriter, pair *auth.TokenPair) {
	resp := tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(pair.AccessExpiresIn.Seconds()),
	}

	if pair.ClientType == auth.ClientWeb {
		s.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	} else {
		resp.RefreshToken = pair.RefreshToken
		expiry := pair.RefreshExpiresAt
		resp.RefreshExpiresAt = &expiry
	}

	writeJSON(w, http.StatusOK, resp)
}

// refreshTokenFromRequest extracts the refresh token: request body first
// (mobile), then the web cookie.
func (s *Server) refreshTokenFromRequest(r *http.Request) string {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.RefreshToken != "" {
			return body.RefreshToken
		}
	}

	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// setRefreshCookie installs the web refresh cookie. HttpOnly keeps it out
// of script reach; SameSite=Lax stops cross-site POSTs from carrying it.
func (s *Server) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.secCfg.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearRefreshCookie expires the web refresh cookie.
func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secCfg.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
