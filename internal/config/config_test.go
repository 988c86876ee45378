package config

import (
	"os"
	"testing"
	"time"
)

const testMasterSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("AUTH_MASTER_SECRET", testMasterSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.JWTIssuer != "marketplace-auth" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "marketplace-auth")
	}
	if cfg.JWTAudience != "marketplace-api" {
		t.Errorf("JWTAudience = %q, want %q", cfg.JWTAudience, "marketplace-api")
	}
	if cfg.JWTAccessTTL != "15m" {
		t.Errorf("JWTAccessTTL = %q, want %q", cfg.JWTAccessTTL, "15m")
	}
	if cfg.JWTRefreshTTL != "720h" {
		t.Errorf("JWTRefreshTTL = %q, want %q", cfg.JWTRefreshTTL, "720h")
	}
	if !cfg.CookieSecure {
		t.Error("CookieSecure should default to true")
	}
	if cfg.TrustedProxy {
		t.Error("TrustedProxy should default to false")
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("AUTH_MASTER_SECRET", testMasterSecret)
	os.Setenv("HTTP_ADDR", ":9090")
	os.Setenv("JWT_ISSUER", "custom-issuer")
	os.Setenv("JWT_REFRESH_TTL", "168h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.JWTIssuer != "custom-issuer" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "custom-issuer")
	}
	if got := cfg.RefreshTTL(); got != 168*time.Hour {
		t.Errorf("RefreshTTL() = %v, want 168h", got)
	}
}

func TestLoad_MissingMasterSecret(t *testing.T) {
	os.Clearenv()

	if _, err := Load(); err == nil {
		t.Fatal("Load should fail without AUTH_MASTER_SECRET")
	}
}

func TestLoad_ShortMasterSecret(t *testing.T) {
	os.Clearenv()
	os.Setenv("AUTH_MASTER_SECRET", "too-short")

	if _, err := Load(); err == nil {
		t.Fatal("Load should fail with a short AUTH_MASTER_SECRET")
	}
}

func TestLoad_InsecureCookiesInProduction(t *testing.T) {
	os.Clearenv()
	os.Setenv("AUTH_MASTER_SECRET", testMasterSecret)
	os.Setenv("COOKIE_SECURE", "false")
	os.Setenv("APP_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject COOKIE_SECURE=false in production")
	}
}

func TestTTLAccessors_InvalidFallBack(t *testing.T) {
	cfg := &Config{JWTAccessTTL: "bogus", JWTRefreshTTL: "-5m"}
	if got := cfg.AccessTTL(); got != 15*time.Minute {
		t.Errorf("AccessTTL() = %v, want 15m fallback", got)
	}
	if got := cfg.RefreshTTL(); got != 720*time.Hour {
		t.Errorf("RefreshTTL() = %v, want 720h fallback", got)
	}
}
