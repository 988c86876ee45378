package handler

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"marketplace-auth/internal/security"
)

type contextKey string

const (
	claimsKey   contextKey = "auth.claims"
	clientIPKey contextKey = "auth.client_ip"
)

// refreshWindow is how close to expiry an access token may be before the
// middleware rotates opportunistically instead of waiting for a 401.
const refreshWindow = 2 * time.Minute

// ClaimsFromContext returns the access claims attached by Authenticate, or nil.
func ClaimsFromContext(ctx context.Context) *security.AccessClaims {
	claims, _ := ctx.Value(claimsKey).(*security.AccessClaims)
	return claims
}

// Authenticate validates the access token from the Authorization header or the
// access_token cookie. A valid token always authenticates the request. When the
// token is near expiry, or invalid, and a refresh cookie is present, the
// middleware rotates in-band and re-attaches cookies; for a still-valid token
// that rotation is opportunistic and its failure falls back to the existing
// claims. Only requests with no usable credential get the 401.
func (h *AuthHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var claims *security.AccessClaims
		if token := bearerToken(r); token != "" {
			claims, _ = h.auth.VerifyAccess(ctx, token)
		}
		if claims != nil && !nearExpiry(claims) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, claimsKey, claims)))
			return
		}

		// Token absent, invalid, or near expiry: a refresh cookie can rotate now
		// so a well-behaved client never observes an expiry gap.
		if refresh := readCookie(r, cookieRefreshToken); refresh != "" {
			res, err := h.auth.Refresh(ctx, refresh, r.UserAgent(), h.clientIP(r))
			if err == nil {
				if rotated, verr := h.auth.VerifyAccess(ctx, res.AccessToken); verr == nil {
					h.cookies.set(w, res)
					next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, claimsKey, rotated)))
					return
				}
			}
		}

		// Rotation was unavailable or failed, but the presented token is still
		// valid until its exp, so the request proceeds on the existing claims.
		if claims != nil {
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, claimsKey, claims)))
			return
		}

		h.cookies.clear(w)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func nearExpiry(claims *security.AccessClaims) bool {
	if claims.ExpiresAt == nil {
		return true
	}
	return time.Until(claims.ExpiresAt.Time) < refreshWindow
}

// bearerToken extracts the access token from the Authorization header, falling
// back to the access cookie. Non-Bearer Authorization schemes are ignored
// rather than blocking the cookie fallback.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return readCookie(r, cookieAccessToken)
}

// WithClientIP stores the resolved client address on the request context so
// context-scoped consumers like the audit logger can read it.
func (h *AuthHandler) WithClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, h.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromContext returns the client IP stored by WithClientIP, or "".
func IPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

func (h *AuthHandler) clientIP(r *http.Request) string {
	return ClientIP(r, h.trustProxy)
}

// ClientIP returns the originating client address. The X-Forwarded-For header
// is client-controlled, so it is honored only when trustProxy says a trusted
// edge proxy sets it; otherwise the peer address is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				return strings.TrimSpace(fwd[:i])
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
