package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"nft_market/internal/app"
	"nft_market/internal/domain"
	"nft_market/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// commandContext carries the persistent flags shared by every command.
type commandContext struct {
	configPath string
	caller     string
	asJSON     bool
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "nft-market",
		Short:         "NFT marketplace ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", infra.DefaultConfigPath, "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.caller, "as", "", "Account performing the operation")
	rootCmd.PersistentFlags().BoolVar(&ctx.asJSON, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newItemCommand(ctx))
	rootCmd.AddCommand(newCreateCommand(ctx))
	rootCmd.AddCommand(newBuyCommand(ctx))
	rootCmd.AddCommand(newResellCommand(ctx))
	rootCmd.AddCommand(newFeeCommand(ctx))
	rootCmd.AddCommand(newWithdrawCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newPayoutsCommand(ctx))
	rootCmd.AddCommand(newAuditCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))

	return rootCmd
}

// withLedger opens the persisted ledger for the duration of fn.
func (c *commandContext) withLedger(ctx context.Context, fn func(b *app.Bootstrap) error) error {
	b := app.NewBootstrap()
	if err := b.Initialize(ctx, c.configPath); err != nil {
		return err
	}
	defer b.Close()
	return fn(b)
}

func (c *commandContext) callerAccount() (domain.Account, error) {
	if c.caller == "" {
		return domain.NoAccount, fmt.Errorf("--as is required for this command: %w", domain.ErrInvalidAccount)
	}
	return domain.Account(c.caller), nil
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAmount(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return d, nil
}

func parseItemID(s string) (domain.ItemID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid item id %q", s)
	}
	return domain.ItemID(n), nil
}
