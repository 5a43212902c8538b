package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mselser95/pool-settler/pkg/address"
	"github.com/mselser95/pool-settler/pkg/types"
)

//nolint:gochecknoglobals // Cobra boilerplate
var deriveAddressCmd = &cobra.Command{
	Use:   "derive-address <protocol|pool|vault|bet>",
	Short: "Derive a program account handle",
	Long: `Derives the handle of a protocol, pool, vault or bet account from the
program id and seeds. No network access is needed.

Examples:
  pool-settler derive-address protocol
  pool-settler derive-address pool --admin <handle> --pool-id 7
  pool-settler derive-address bet --bettor <handle> --pool-id 7`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"protocol", "pool", "vault", "bet"},
	RunE:      runDeriveAddress,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(deriveAddressCmd)
	deriveAddressCmd.Flags().String("program", "", "Program id (defaults to PROGRAM_ID)")
	deriveAddressCmd.Flags().String("admin", "", "Pool admin handle (pool, vault)")
	deriveAddressCmd.Flags().String("bettor", "", "Bettor handle (bet)")
	deriveAddressCmd.Flags().Uint64("pool-id", 0, "Pool id (pool, vault, bet)")
}

func runDeriveAddress(cmd *cobra.Command, args []string) error {
	cfg, _, sync, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer sync()

	programID, _ := cmd.Flags().GetString("program")
	if programID == "" {
		programID = cfg.ProgramID
	}
	if programID == "" {
		return fmt.Errorf("--program or PROGRAM_ID is required")
	}

	program, err := types.ParseHandle(programID)
	if err != nil {
		return fmt.Errorf("parse program id: %w", err)
	}

	handle, err := deriveHandle(cmd, address.NewDeriver(program), args[0])
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), handle.String())
	return nil
}

func deriveHandle(cmd *cobra.Command, d *address.Deriver, kind string) (types.Handle, error) {
	poolID, _ := cmd.Flags().GetUint64("pool-id")

	seedHandle := func(flag string) (types.Handle, error) {
		value, _ := cmd.Flags().GetString(flag)
		if value == "" {
			return types.Handle{}, fmt.Errorf("--%s is required for %s", flag, kind)
		}
		h, err := types.ParseHandle(value)
		if err != nil {
			return types.Handle{}, fmt.Errorf("parse --%s: %w", flag, err)
		}
		return h, nil
	}

	switch kind {
	case "protocol":
		return d.Protocol(), nil
	case "pool", "vault":
		admin, err := seedHandle("admin")
		if err != nil {
			return types.Handle{}, err
		}
		if kind == "pool" {
			return d.Pool(admin, poolID), nil
		}
		return d.Vault(admin, poolID), nil
	case "bet":
		bettor, err := seedHandle("bettor")
		if err != nil {
			return types.Handle{}, err
		}
		return d.Bet(bettor, poolID), nil
	default:
		return types.Handle{}, fmt.Errorf("unknown account kind %q, want protocol, pool, vault or bet", kind)
	}
}
