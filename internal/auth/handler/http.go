// Package handler exposes the auth core over HTTP: the public JWKS document,
// cookie-based refresh and logout, and the access-token middleware.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"marketplace-auth/internal/auth/service"
	keyservice "marketplace-auth/internal/keys/service"
	"marketplace-auth/internal/security"
)

// AuthService is the slice of the rotation engine the HTTP boundary needs.
type AuthService interface {
	Refresh(ctx context.Context, refreshToken, userAgent, ip string) (*service.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	VerifyAccess(ctx context.Context, accessToken string) (*security.AccessClaims, error)
}

// KeySet publishes public key material and key-store health.
type KeySet interface {
	PublicJWKS(ctx context.Context) (*keyservice.JWKS, error)
	HealthCheck(ctx context.Context) (*keyservice.Health, error)
}

// AuthHandler serves the auth endpoints. Token material moves only through
// HttpOnly cookies; response bodies never carry credentials.
type AuthHandler struct {
	auth       AuthService
	keys       KeySet
	cookies    CookieConfig
	trustProxy bool
}

// NewAuthHandler returns an AuthHandler. trustProxy controls whether client
// addresses are taken from X-Forwarded-For; enable it only behind an edge
// proxy that overwrites the header.
func NewAuthHandler(auth AuthService, keys KeySet, cookies CookieConfig, trustProxy bool) *AuthHandler {
	return &AuthHandler{auth: auth, keys: keys, cookies: cookies, trustProxy: trustProxy}
}

// JWKS serves GET /.well-known/jwks.json. Public material only; revoked keys
// are never present.
func (h *AuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.PublicJWKS(r.Context())
	if err != nil {
		log.Printf("jwks: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// Refresh serves POST /auth/refresh. The refresh credential arrives in the
// refresh_token cookie; on success the rotated pair is written back as cookies.
// Every rejection clears the auth cookies and returns the same generic 401 so
// the response is not an oracle for why the credential failed.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := readCookie(r, cookieRefreshToken)
	res, err := h.auth.Refresh(r.Context(), token, r.UserAgent(), h.clientIP(r))
	if err != nil {
		if !isAuthRejection(err) {
			log.Printf("refresh: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		h.cookies.clear(w)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	h.cookies.set(w, res)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Logout serves POST /auth/logout. Idempotent; always clears cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := readCookie(r, cookieRefreshToken)
	if err := h.auth.Logout(r.Context(), token); err != nil {
		log.Printf("logout: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.cookies.clear(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WhoAmI serves GET /auth/whoami behind the Authenticate middleware. It echoes
// the verified identity claims, never token material.
func (h *AuthHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": claims.Subject,
		"email":   claims.Email,
		"roles":   claims.Roles,
	})
}

// Healthz serves GET /healthz with the key-store health verdict.
func (h *AuthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	health, err := h.keys.HealthCheck(r.Context())
	if err != nil {
		log.Printf("healthz: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// isAuthRejection reports whether err is an expected rotation rejection rather
// than an infrastructure failure.
func isAuthRejection(err error) bool {
	return errors.Is(err, service.ErrInvalidRefreshToken) ||
		errors.Is(err, service.ErrSessionExpired) ||
		errors.Is(err, service.ErrReuseDetected)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
