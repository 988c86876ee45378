package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marketplace-auth/internal/auth/service"
	keyservice "marketplace-auth/internal/keys/service"
	"marketplace-auth/internal/security"
)

type stubAuth struct {
	refreshResult *service.AuthResult
	refreshErr    error
	refreshCalls  int
	lastRefresh   string
	lastIP        string
	lastUA        string

	logoutErr   error
	logoutCalls int
	lastLogout  string

	claims map[string]*security.AccessClaims
}

func (s *stubAuth) Refresh(ctx context.Context, refreshToken, userAgent, ip string) (*service.AuthResult, error) {
	s.refreshCalls++
	s.lastRefresh = refreshToken
	s.lastUA = userAgent
	s.lastIP = ip
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.refreshResult, nil
}

func (s *stubAuth) Logout(ctx context.Context, refreshToken string) error {
	s.logoutCalls++
	s.lastLogout = refreshToken
	return s.logoutErr
}

func (s *stubAuth) VerifyAccess(ctx context.Context, accessToken string) (*security.AccessClaims, error) {
	if c, ok := s.claims[accessToken]; ok {
		return c, nil
	}
	return nil, security.ErrInvalidToken
}

type stubKeys struct {
	jwks      *keyservice.JWKS
	jwksErr   error
	health    *keyservice.Health
	healthErr error
}

func (s *stubKeys) PublicJWKS(ctx context.Context) (*keyservice.JWKS, error) {
	return s.jwks, s.jwksErr
}

func (s *stubKeys) HealthCheck(ctx context.Context) (*keyservice.Health, error) {
	return s.health, s.healthErr
}

func accessClaims(sub string, ttl time.Duration) *security.AccessClaims {
	return &security.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Email:     sub + "@example.com",
		TokenType: security.TokenTypeAccess,
	}
}

func rotatedResult() *service.AuthResult {
	now := time.Now()
	return &service.AuthResult{
		AccessToken:      "new-access",
		RefreshToken:     "new-refresh",
		AccessExpiresAt:  now.Add(15 * time.Minute),
		RefreshExpiresAt: now.Add(24 * time.Hour),
		UserID:           "user-1",
		SessionID:        "sess-2",
		FamilyID:         "fam-1",
	}
}

func newTestServer(auth *stubAuth, keys *stubKeys) http.Handler {
	if keys == nil {
		keys = &stubKeys{
			jwks:   &keyservice.JWKS{Keys: []keyservice.JWK{{Kty: "RSA", Kid: "k1", Alg: "RS256", Use: "sig", N: "abc", E: "AQAB"}}},
			health: &keyservice.Health{Initialized: true, ActiveCount: 1, Healthy: true},
		}
	}
	return NewRouter(NewAuthHandler(auth, keys, CookieConfig{Secure: true}, true))
}

func cookieByName(res *http.Response, name string) *http.Cookie {
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestJWKSEndpoint(t *testing.T) {
	srv := newTestServer(&stubAuth{}, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"keys"`) || !strings.Contains(body, `"k1"`) {
		t.Errorf("unexpected body: %s", body)
	}
	if strings.Contains(body, `"d"`) {
		t.Error("JWKS body must not carry private material")
	}
}

func TestRefresh_SetsRotatedCookies(t *testing.T) {
	auth := &stubAuth{refreshResult: rotatedResult()}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.Header.Set("User-Agent", "test-ua")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "old-refresh"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if auth.lastRefresh != "old-refresh" {
		t.Errorf("engine got token %q, want old-refresh", auth.lastRefresh)
	}
	if auth.lastUA != "test-ua" || auth.lastIP != "203.0.113.9" {
		t.Errorf("engine got ua=%q ip=%q", auth.lastUA, auth.lastIP)
	}

	res := rec.Result()
	for _, name := range []string{"access_token", "refresh_token"} {
		c := cookieByName(res, name)
		if c == nil {
			t.Fatalf("missing %s cookie", name)
		}
		if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
			t.Errorf("%s cookie attributes = %+v, want HttpOnly Secure SameSite=Strict", name, c)
		}
	}
	if c := cookieByName(res, "refresh_token"); c.Value != "new-refresh" {
		t.Errorf("refresh_token cookie = %q, want new-refresh", c.Value)
	}
	if strings.Contains(rec.Body.String(), "new-refresh") || strings.Contains(rec.Body.String(), "new-access") {
		t.Error("token material must never appear in a response body")
	}
}

func TestRefresh_RejectionClearsCookiesUniformly(t *testing.T) {
	for _, rejection := range []error{
		service.ErrInvalidRefreshToken,
		service.ErrSessionExpired,
		service.ErrReuseDetected,
	} {
		auth := &stubAuth{refreshErr: rejection}
		srv := newTestServer(auth, nil)

		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "stale"})
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%v: status = %d, want 401", rejection, rec.Code)
		}
		res := rec.Result()
		for _, name := range []string{"access_token", "refresh_token"} {
			c := cookieByName(res, name)
			if c == nil || c.Value != "" {
				t.Errorf("%v: %s cookie should be cleared, got %+v", rejection, name, c)
			}
		}
		if !strings.Contains(rec.Body.String(), "authentication required") {
			t.Errorf("%v: body should be the generic rejection, got %s", rejection, rec.Body.String())
		}
	}
}

func TestRefresh_InfrastructureFailure(t *testing.T) {
	auth := &stubAuth{refreshErr: errors.New("db down")}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "x"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "db down") {
		t.Error("internal error details must not leak to the client")
	}
}

func TestLogout(t *testing.T) {
	auth := &stubAuth{}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "current"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if auth.logoutCalls != 1 || auth.lastLogout != "current" {
		t.Errorf("logout calls = %d token = %q", auth.logoutCalls, auth.lastLogout)
	}
	res := rec.Result()
	if c := cookieByName(res, "refresh_token"); c == nil || c.Value != "" {
		t.Errorf("refresh_token cookie should be cleared, got %+v", c)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubAuth{}, &stubKeys{health: &keyservice.Health{Initialized: true, ActiveCount: 1, Healthy: true}})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", rec.Code)
	}

	srv = newTestServer(&stubAuth{}, &stubKeys{health: &keyservice.Health{Initialized: true, ActiveCount: 0, Healthy: false}})
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
}

func TestAuthenticate_ValidBearer(t *testing.T) {
	auth := &stubAuth{claims: map[string]*security.AccessClaims{
		"good": accessClaims("user-1", 10*time.Minute),
	}}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "user-1") {
		t.Errorf("body = %s, want subject user-1", rec.Body.String())
	}
	if auth.refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0 for a fresh token", auth.refreshCalls)
	}
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	srv := newTestServer(&stubAuth{}, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/whoami", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuthenticate_NearExpiryRotatesInBand(t *testing.T) {
	result := rotatedResult()
	auth := &stubAuth{
		refreshResult: result,
		claims: map[string]*security.AccessClaims{
			"stale":      accessClaims("user-1", 30*time.Second),
			"new-access": accessClaims("user-1", 15*time.Minute),
		},
	}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer stale")
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "old-refresh"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if auth.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1 near-expiry rotation", auth.refreshCalls)
	}
	if c := cookieByName(rec.Result(), "refresh_token"); c == nil || c.Value != "new-refresh" {
		t.Errorf("rotated refresh cookie = %+v, want new-refresh", c)
	}
}

func TestAuthenticate_ExpiredAccessWithRefreshCookie(t *testing.T) {
	result := rotatedResult()
	auth := &stubAuth{
		refreshResult: result,
		claims: map[string]*security.AccessClaims{
			"new-access": accessClaims("user-1", 15*time.Minute),
		},
	}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "expired"})
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "old-refresh"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if auth.lastRefresh != "old-refresh" {
		t.Errorf("engine got token %q, want old-refresh", auth.lastRefresh)
	}
}

func TestAuthenticate_NearExpiryBearerOnlyStillServed(t *testing.T) {
	auth := &stubAuth{claims: map[string]*security.AccessClaims{
		"short": accessClaims("user-1", 30*time.Second),
	}}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer short")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a valid token without a refresh cookie: %s", rec.Code, rec.Body.String())
	}
	if auth.refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0 without a refresh cookie", auth.refreshCalls)
	}
	if c := cookieByName(rec.Result(), "access_token"); c != nil && c.Value == "" {
		t.Error("cookies must not be cleared while the token is still valid")
	}
}

func TestAuthenticate_NearExpiryRotationFailureFallsBack(t *testing.T) {
	auth := &stubAuth{
		refreshErr: errors.New("db down"),
		claims: map[string]*security.AccessClaims{
			"short": accessClaims("user-1", 30*time.Second),
		},
	}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	req.Header.Set("Authorization", "Bearer short")
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "old-refresh"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 on the still-valid token when rotation fails: %s", rec.Code, rec.Body.String())
	}
	if auth.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1 rotation attempt", auth.refreshCalls)
	}
	if c := cookieByName(rec.Result(), "refresh_token"); c != nil && c.Value == "" {
		t.Error("a failed opportunistic rotation must not clear the refresh cookie")
	}
}

func TestAuthenticate_NonBearerSchemeFallsBackToCookie(t *testing.T) {
	auth := &stubAuth{claims: map[string]*security.AccessClaims{
		"good": accessClaims("user-1", 10*time.Minute),
	}}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "good"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 via the access cookie: %s", rec.Code, rec.Body.String())
	}
	if auth.refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0 for a fresh cookie token", auth.refreshCalls)
	}
}

func TestAuthenticate_RefreshRejectedClearsCookies(t *testing.T) {
	auth := &stubAuth{refreshErr: service.ErrReuseDetected}
	srv := newTestServer(auth, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "replayed"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if c := cookieByName(rec.Result(), "refresh_token"); c == nil || c.Value != "" {
		t.Errorf("refresh_token cookie should be cleared, got %+v", c)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := ClientIP(req, true); got != "192.0.2.1" {
		t.Errorf("ClientIP = %q, want 192.0.2.1", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientIP(req, true); got != "203.0.113.7" {
		t.Errorf("ClientIP = %q, want first forwarded hop", got)
	}

	// Without a trusted proxy the header is client-controlled and ignored.
	if got := ClientIP(req, false); got != "192.0.2.1" {
		t.Errorf("ClientIP = %q, want peer address when proxy untrusted", got)
	}
}

func TestClientIP_UntrustedProxyAuditTrail(t *testing.T) {
	auth := &stubAuth{refreshResult: rotatedResult()}
	keys := &stubKeys{
		jwks:   &keyservice.JWKS{Keys: []keyservice.JWK{{Kty: "RSA", Kid: "k1", Alg: "RS256", Use: "sig", N: "abc", E: "AQAB"}}},
		health: &keyservice.Health{Initialized: true, ActiveCount: 1, Healthy: true},
	}
	srv := NewRouter(NewAuthHandler(auth, keys, CookieConfig{Secure: true}, false))

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.RemoteAddr = "192.0.2.50:4444"
	req.Header.Set("X-Forwarded-For", "6.6.6.6")
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "old-refresh"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if auth.lastIP != "192.0.2.50" {
		t.Errorf("engine got ip %q, want peer address, not the forwarded header", auth.lastIP)
	}
}
