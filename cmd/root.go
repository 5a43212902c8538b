package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/pkg/config"
)

//nolint:gochecknoglobals // Cobra boilerplate
var rootCmd = &cobra.Command{
	Use:   "pool-settler",
	Short: "Settles expired prediction pools",
	Long: `Pool settler drives expired prediction pools through the resolution
saga: delegate the pool to the enclave, resolve it, compute bet weights,
return bets and pool to the ledger, finalize weights and reconcile rewards
into the mirror store.

Every step checks on-chain state before submitting, so a halted or crashed
run is resumed by triggering the pool again.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Load environment variables from this file if it exists")
}

// loadRuntime reads the env file, configuration and logger shared by every
// command. The returned func flushes the logger.
func loadRuntime(cmd *cobra.Command) (*config.Config, *zap.Logger, func(), error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, nil, nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	return cfg, logger, func() { _ = logger.Sync() }, nil
}
