package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mselser95/pool-settler/internal/app"
	"github.com/mselser95/pool-settler/pkg/types"
)

//nolint:gochecknoglobals // Cobra boilerplate
var statusCmd = &cobra.Command{
	Use:   "status <pool-id>",
	Short: "Show a pool's mirrored status and resolution checkpoints",
	Long:  `Reads the mirror store and prints the pool status, the last run and each step checkpoint.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	poolID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parse pool id %q: %w", args[0], err)
	}

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

	pool, err := components.Store.LoadPool(ctx, poolID)
	if err != nil {
		return err
	}

	rec, err := components.Store.LoadResolution(ctx, poolID)
	if err != nil && !errors.Is(err, types.ErrResolutionNotFound) {
		return err
	}

	return printStatus(cmd, pool, rec)
}

func printStatus(cmd *cobra.Command, pool *types.Pool, rec *types.ResolutionRecord) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pool %d  status=%s  end=%s\n", pool.ID, pool.Status, pool.EndTime.Format(time.RFC3339))
	if pool.ReconciledAt != nil {
		fmt.Fprintf(out, "Reconciled at %s\n", pool.ReconciledAt.Format(time.RFC3339))
	}

	if rec == nil {
		fmt.Fprintln(out, "No resolution run recorded")
		return nil
	}

	fmt.Fprintf(out, "Run %s  state=%s  heartbeat=%s\n", rec.RunID, rec.RunState, rec.HeartbeatAt.Format(time.RFC3339))
	if rec.Target != nil {
		fmt.Fprintf(out, "Target %d\n", *rec.Target)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tCOMPLETED\tCONFIRMATIONS\tERROR")
	for _, step := range rec.Steps {
		completed := "-"
		if step.CompletedAt != nil {
			completed = step.CompletedAt.Format(time.RFC3339)
			if step.AlreadyApplied {
				completed += " (already applied)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", step.Step, completed, len(step.Confirmations), step.Error)
	}
	return w.Flush()
}
