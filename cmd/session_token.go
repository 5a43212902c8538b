package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mselser95/pool-settler/internal/session"
	"github.com/mselser95/pool-settler/pkg/cache"
)

//nolint:gochecknoglobals // Cobra boilerplate
var sessionTokenCmd = &cobra.Command{
	Use:   "session-token",
	Short: "Authenticate with the enclave and print the session expiry",
	Long: `Runs the enclave challenge/login handshake with PAYER_SECRET_KEY and
prints the session expiry. Useful to check enclave reachability and the
payer's authorization before starting the service.`,
	RunE: runSessionToken,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(sessionTokenCmd)
	sessionTokenCmd.Flags().Bool("show", false, "Print the token value")
}

func runSessionToken(cmd *cobra.Command, args []string) error {
	cfg, logger, sync, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer sync()

	if cfg.PayerSecretKey == "" {
		return fmt.Errorf("PAYER_SECRET_KEY is required")
	}

	payer, err := session.ParseKeypair(cfg.PayerSecretKey)
	if err != nil {
		return fmt.Errorf("parse PAYER_SECRET_KEY: %w", err)
	}

	auth, err := session.NewHTTPAuthenticator(cfg.EnclaveAuthURL, cfg.RPCCallTimeout)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	tokens, err := cache.NewRistrettoCache[session.Token](&cache.RistrettoConfig{
		Name:        "enclave-session",
		NumCounters: 10,
		MaxCost:     1,
		BufferItems: 64,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create session cache: %w", err)
	}
	defer tokens.Close()

	manager, err := session.NewManager(&session.ManagerConfig{
		Keypair:        payer,
		Authenticator:  auth,
		Cache:          tokens,
		MaxAttempts:    uint(cfg.SessionMaxAttempts),
		InitialBackoff: cfg.SessionInitialBackoff,
		ExpirySkew:     cfg.SessionExpirySkew,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, err := manager.Session(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Payer:   %s\n", payer.PublicKey())
	fmt.Fprintf(out, "Enclave: %s\n", cfg.EnclaveAuthURL)
	fmt.Fprintf(out, "Expires: %s (in %s)\n", tok.ExpiresAt.Format(time.RFC3339), time.Until(tok.ExpiresAt).Round(time.Second))

	show, _ := cmd.Flags().GetBool("show")
	if show {
		fmt.Fprintf(out, "Token:   %s\n", tok.Value)
	}

	return nil
}
