package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mselser95/pool-settler/internal/app"
)

//nolint:gochecknoglobals // Cobra boilerplate
var claimCmd = &cobra.Command{
	Use:   "claim <bet-id>",
	Short: "Record a bet's reward claim in the mirror store",
	Long: `Moves a reconciled bet from Calculated to Claimed, recording the
transaction reference of the payout. A bet can be claimed exactly once.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaim,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(claimCmd)
	claimCmd.Flags().String("tx", "", "Transaction reference of the payout (required)")
	_ = claimCmd.MarkFlagRequired("tx")
}

func runClaim(cmd *cobra.Command, args []string) error {
	txRef, _ := cmd.Flags().GetString("tx")

	cfg, logger, sync, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	components, err := app.NewComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer components.Close()

	err = components.Reconciler.Claim(ctx, args[0], txRef)
	if err != nil {
		return fmt.Errorf("claim bet %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Bet %s claimed (tx %s)\n", args[0], txRef)
	return nil
}
