// keyctl is the operator tool for the signing-key lifecycle: bootstrap,
// rotation, emergency revocation, and status.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marketplace-auth/internal/audit"
	auditrepo "marketplace-auth/internal/audit/repository"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/db"
	keysdomain "marketplace-auth/internal/keys/domain"
	keysrepo "marketplace-auth/internal/keys/repository"
	keyservice "marketplace-auth/internal/keys/service"
	"marketplace-auth/internal/security"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "keyctl",
		Short:         "Manage the auth service signing keys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "keyctl:", err)
		os.Exit(1)
	}
}

// newKeyService wires a KeyService against the configured database. The
// returned cleanup closes the connection.
func newKeyService() (*keyservice.KeyService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	secrets, err := security.DeriveSecrets([]byte(cfg.MasterSecret))
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("derive secrets: %w", err)
	}
	wrapper, err := security.NewKeyWrapper(secrets.WrapKey)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("key wrapper: %w", err)
	}
	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(database), nil)
	svc := keyservice.NewKeyService(keysrepo.NewPostgresRepository(database), wrapper, auditLogger, nil)
	return svc, func() { database.Close() }, nil
}

func runContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the first signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newKeyService()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := runContext()
			defer cancel()

			key, err := svc.Initialize(ctx)
			if errors.Is(err, keyservice.ErrAlreadyInitialized) {
				return errors.New("already initialized; use rotate to replace the active key")
			}
			if err != nil {
				return err
			}
			fmt.Printf("initialized signing key %s (%s)\n", key.KID, key.Algorithm)
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new active key and retire the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newKeyService()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := runContext()
			defer cancel()

			key, err := svc.Rotate(ctx)
			if errors.Is(err, keyservice.ErrNotInitialized) {
				return errors.New("no signing key exists; run init first")
			}
			if err != nil {
				return err
			}
			fmt.Printf("rotated; new active key %s (%s)\n", key.KID, key.Algorithm)
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <kid> <reason>",
		Short: "Immediately revoke a key, purging it from the published JWKS",
		Long: "Revoke transitions any key to revoked regardless of outstanding token\n" +
			"lifetimes. Tokens signed with it stop verifying at once, forcing those\n" +
			"clients to re-authenticate. Revoking the active key leaves the service\n" +
			"unable to sign until rotate is run.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid := args[0]
			reason := strings.Join(args[1:], " ")
			svc, cleanup, err := newKeyService()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := runContext()
			defer cancel()

			if err := svc.EmergencyRevoke(ctx, kid, reason); err != nil {
				if errors.Is(err, keyservice.ErrKeyNotFound) {
					return fmt.Errorf("no revocable key with kid %s", kid)
				}
				return err
			}
			fmt.Printf("revoked key %s: %s\n", kid, reason)

			health, err := svc.HealthCheck(ctx)
			if err == nil && !health.Healthy {
				fmt.Println("warning: no active signing key remains; run rotate now")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current key, all keys, and a health verdict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newKeyService()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, cancel := runContext()
			defer cancel()

			current, err := svc.CurrentKey(ctx)
			if err != nil {
				return err
			}
			if current != nil {
				fmt.Printf("current key: %s (%s), created %s\n",
					current.KID, current.Algorithm, current.CreatedAt.Format(time.RFC3339))
			} else {
				fmt.Println("current key: none")
			}

			all, err := svc.ListAll(ctx)
			if err != nil {
				return err
			}
			fmt.Println("\nkeys:")
			for _, k := range all {
				fmt.Printf("  %s  %-7s  %s  created %s%s\n",
					k.KID, k.Status, k.Algorithm, k.CreatedAt.Format(time.RFC3339), keyNote(k))
			}
			if len(all) == 0 {
				fmt.Println("  (none)")
			}

			health, err := svc.HealthCheck(ctx)
			if err != nil {
				return err
			}
			verdict := "healthy"
			if !health.Healthy {
				verdict = "UNHEALTHY"
			}
			fmt.Printf("\nhealth: %s (initialized=%v, active=%d)\n", verdict, health.Initialized, health.ActiveCount)
			if !health.Healthy {
				return errors.New("key store unhealthy")
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		action string
		limit  int32
		offset int32
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit events by action, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			database, err := db.Open(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer database.Close()
			ctx, cancel := runContext()
			defer cancel()

			entries, err := auditrepo.NewPostgresRepository(database).ListByAction(ctx, action, limit, offset)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no events")
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %s  %s  user=%s ip=%s",
					e.CreatedAt.Format(time.RFC3339), e.Action, e.Resource, e.UserID, e.IP)
				if e.Metadata != "" {
					line += "  " + e.Metadata
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", audit.ActionReuseDetected, "Audit action to list")
	cmd.Flags().Int32Var(&limit, "limit", 50, "Maximum events to print")
	cmd.Flags().Int32Var(&offset, "offset", 0, "Events to skip")
	return cmd
}

func keyNote(k *keysdomain.SigningKey) string {
	switch k.Status {
	case keysdomain.KeyStatusRetired:
		if k.RetiredAt != nil {
			return ", retired " + k.RetiredAt.Format(time.RFC3339)
		}
	case keysdomain.KeyStatusRevoked:
		note := ""
		if k.RevokedAt != nil {
			note = ", revoked " + k.RevokedAt.Format(time.RFC3339)
		}
		if k.RevokeReason != "" {
			note += " (" + k.RevokeReason + ")"
		}
		return note
	}
	return ""
}
