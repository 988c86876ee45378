package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-auth/internal/audit"
	auditrepo "marketplace-auth/internal/audit/repository"
	"marketplace-auth/internal/auth/handler"
	authservice "marketplace-auth/internal/auth/service"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/db"
	keysrepo "marketplace-auth/internal/keys/repository"
	keyservice "marketplace-auth/internal/keys/service"
	"marketplace-auth/internal/security"
	sessionrepo "marketplace-auth/internal/session/repository"
	"marketplace-auth/internal/telemetry"
	otelsetup "marketplace-auth/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, "marketplace-auth", cfg.Env != "production")
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	otelsetup.SetGlobal(providers)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	counters, err := telemetry.NewCounters(providers.MeterProvider.Meter("marketplace-auth"))
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	secrets, err := security.DeriveSecrets([]byte(cfg.MasterSecret))
	if err != nil {
		log.Fatalf("derive secrets: %v", err)
	}
	wrapper, err := security.NewKeyWrapper(secrets.WrapKey)
	if err != nil {
		log.Fatalf("key wrapper: %v", err)
	}

	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(database), handler.IPFromContext)

	keys := keyservice.NewKeyService(keysrepo.NewPostgresRepository(database), wrapper, auditLogger, counters)
	codec := security.NewTokenCodec(keys, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())
	engine := authservice.NewRotationEngine(
		sessionrepo.NewPostgresRepository(database),
		codec,
		security.NewTokenHasher(secrets.Pepper),
		nil, // user directory lives in the identity service
		auditLogger,
		counters,
	)

	router := handler.NewRouter(handler.NewAuthHandler(engine, keys, handler.CookieConfig{
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
	}, cfg.TrustedProxy))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("auth server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down auth server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("auth server stopped")
}
