package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qube-labs/qube/internal/app/payout"
	"github.com/qube-labs/qube/internal/infra/evm"
	"github.com/qube-labs/qube/internal/infra/sqlite"
)

// treasuryKeyEnv names the environment variable holding the treasury
// private key. Kept out of the config file on purpose.
const treasuryKeyEnv = "QUBE_TREASURY_KEY"

func init() {
	rootCmd.AddCommand(payoutCmd)
	payoutCmd.Flags().StringP("project", "p", "", "project id to settle (required)")
	payoutCmd.Flags().IntP("limit", "n", 0, "max conversions to settle this run (default from config)")
	payoutCmd.Flags().Bool("dry-run", false, "list unpaid conversions without settling")
	payoutCmd.MarkFlagRequired("project")
}

var payoutCmd = &cobra.Command{
	Use:   "payout",
	Short: "Settle unpaid conversions for a project",
	Long: `Settle unpaid conversion logs. Token rewards are transferred from the
treasury wallet as ERC-20 transactions; XP rewards are marked settled with
no chain transaction. The treasury private key is read from the
QUBE_TREASURY_KEY environment variable.`,
	RunE: runPayout,
}

func runPayout(cmd *cobra.Command, args []string) error {
	projectID, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = cfg.Payout.BatchSize
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := sqlite.Open(cfg.Store.Dir)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()

	if dryRun {
		return printUnpaid(db, projectID, limit)
	}

	var payer payout.Payer
	if cfg.Payout.RPCURL != "" {
		key := os.Getenv(treasuryKeyEnv)
		if key == "" {
			return fmt.Errorf("%s is not set", treasuryKeyEnv)
		}
		chainPayer, err := evm.Dial(ctx, cfg.Payout.RPCURL, key, cfg.Payout.ChainID, logger)
		if err != nil {
			return err
		}
		defer chainPayer.Close()
		payer = chainPayer
	}

	svc := payout.New(db, payer, int32(cfg.Payout.TokenDecimals), logger)
	results, err := svc.Run(ctx, projectID, limit)
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.TxHash != "" {
			fmt.Printf("settled %s  %.1f %s  tx=%s\n", r.ConversionLogID, r.Amount, r.Kind, r.TxHash)
		} else {
			fmt.Printf("settled %s  %.1f %s\n", r.ConversionLogID, r.Amount, r.Kind)
		}
	}
	fmt.Printf("%d conversion(s) settled\n", len(results))
	return nil
}

func printUnpaid(db *sqlite.DB, projectID string, limit int) error {
	logs, err := db.UnpaidConversionLogs(projectID, limit)
	if err != nil {
		return err
	}
	for _, l := range logs {
		fmt.Printf("unpaid %s  %.1f %s  point=%s\n", l.ID, l.Reward.Amount, l.Reward.Kind, l.ConversionPointID)
	}
	fmt.Printf("%d unpaid conversion(s)\n", len(logs))
	return nil
}
