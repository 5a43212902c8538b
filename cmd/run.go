package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mselser95/pool-settler/internal/app"
)

//nolint:gochecknoglobals // Cobra boilerplate
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the settlement service",
	Long: `Starts the settlement service, which will:
1. Poll the mirror store for pools whose window has closed
2. Run the resolution saga for each, at most one run per pool
3. Pause new runs while the fee payer balance is below the breaker threshold
4. Serve /metrics, /health, /ready and the resolution API

Use --api-only to disable the scheduler; runs then start only via
POST /api/pools/{id}/resolve.`,
	RunE: runService,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("api-only", false, "Serve the API without scheduling runs")
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, logger, sync, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer sync()

	apiOnly, _ := cmd.Flags().GetBool("api-only")

	application, err := app.New(cfg, logger, &app.Options{DisableScheduler: apiOnly})
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	err = application.Run()
	if err != nil {
		return fmt.Errorf("run app: %w", err)
	}

	return nil
}
