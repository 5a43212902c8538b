package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/mselser95/pool-settler/internal/app"
)

//nolint:gochecknoglobals // Cobra boilerplate
var resolveCmd = &cobra.Command{
	Use:   "resolve <pool-id>",
	Short: "Run the resolution saga for one pool",
	Long: `Runs the resolution saga for a single pool and prints the result.

The run resumes from the pool's last confirmed step. A halted run exits
non-zero with the failing step; fix the cause and run the command again.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	poolID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parse pool id %q: %w", args[0], err)
	}

	cfg, logger, sync, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.NewComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer components.Close()

	// Interrupts halt the run at its current step.
	context.AfterFunc(ctx, components.Orchestrator.Stop)

	res, err := components.Orchestrator.RunResolution(ctx, poolID)
	if err != nil {
		return fmt.Errorf("resolve pool %d: %w", poolID, err)
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	err = out.Encode(map[string]any{
		"poolId": res.PoolID,
		"result": res.Kind.String(),
		"status": res.Status.String(),
		"runId":  res.RunID,
		"report": res.Report,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	return res.Err()
}
