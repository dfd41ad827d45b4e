package main

import (
	"fmt"
	"strconv"

	"nft_market/internal/app"
	"nft_market/internal/service"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List items currently for sale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				items := b.Market.ListUnsold()
				if ctx.asJSON {
					return writeJSON(cmd, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No items for sale")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), itemTable(items))
				return nil
			})
		},
	}
}

func newItemCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "item <id>",
		Short: "Show a single item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				v, err := b.Market.Item(id)
				if err != nil {
					return err
				}
				if ctx.asJSON {
					return writeJSON(cmd, v)
				}
				fmt.Fprintln(cmd.OutOrStdout(), itemTable([]service.ItemView{v}))
				return nil
			})
		},
	}
}

func newCreateCommand(ctx *commandContext) *cobra.Command {
	var feeFlag string
	cmd := &cobra.Command{
		Use:   "create <content-pointer> <price>",
		Short: "List a new item for sale",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := ctx.callerAccount()
			if err != nil {
				return err
			}
			price, err := parseAmount("price", args[1])
			if err != nil {
				return err
			}
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				fee, err := feeOrCurrent(feeFlag, b)
				if err != nil {
					return err
				}
				id, err := b.Market.CreateListing(cmd.Context(), caller, args[0], price, fee)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Listed item %d at %s (fee %s)\n", id, price, fee)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feeFlag, "fee", "", "Listing fee to pay (default: current rate)")
	return cmd
}

func newBuyCommand(ctx *commandContext) *cobra.Command {
	var payFlag string
	cmd := &cobra.Command{
		Use:   "buy <id>",
		Short: "Buy a listed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := ctx.callerAccount()
			if err != nil {
				return err
			}
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				pay := decimal.Zero
				if payFlag != "" {
					if pay, err = parseAmount("payment", payFlag); err != nil {
						return err
					}
				} else {
					v, err := b.Market.Item(id)
					if err != nil {
						return err
					}
					pay = v.Price
				}
				if err := b.Market.Buy(cmd.Context(), caller, id, pay); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bought item %d for %s\n", id, pay)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payFlag, "pay", "", "Amount to pay (default: asking price)")
	return cmd
}

func newResellCommand(ctx *commandContext) *cobra.Command {
	var feeFlag string
	cmd := &cobra.Command{
		Use:   "resell <id> <price>",
		Short: "Put an owned item back on sale",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := ctx.callerAccount()
			if err != nil {
				return err
			}
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			price, err := parseAmount("price", args[1])
			if err != nil {
				return err
			}
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				fee, err := feeOrCurrent(feeFlag, b)
				if err != nil {
					return err
				}
				if err := b.Market.Resell(cmd.Context(), caller, id, price, fee); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Relisted item %d at %s (fee %s)\n", id, price, fee)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feeFlag, "fee", "", "Listing fee to pay (default: current rate)")
	return cmd
}

func newFeeCommand(ctx *commandContext) *cobra.Command {
	feeCmd := &cobra.Command{
		Use:   "fee",
		Short: "Show or change the listing fee",
	}

	feeCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current listing fee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				rate := b.Market.ListingFeeRate()
				if ctx.asJSON {
					return writeJSON(cmd, map[string]decimal.Decimal{"listing_fee_rate": rate})
				}
				fmt.Fprintln(cmd.OutOrStdout(), rate.String())
				return nil
			})
		},
	})

	feeCmd.AddCommand(&cobra.Command{
		Use:   "set <rate>",
		Short: "Change the listing fee (administrator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := ctx.callerAccount()
			if err != nil {
				return err
			}
			rate, err := parseAmount("rate", args[0])
			if err != nil {
				return err
			}
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				if err := b.Market.UpdateListingFeeRate(cmd.Context(), caller, rate); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Listing fee set to %s\n", rate)
				return nil
			})
		},
	})

	return feeCmd
}

func newWithdrawCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <amount>",
		Short: "Pay accumulated fees to the administrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := ctx.callerAccount()
			if err != nil {
				return err
			}
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				if err := b.Market.Withdraw(cmd.Context(), caller, amount); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Withdrew %s to %s\n", amount, caller)
				return nil
			})
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show treasury totals and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				st := b.Market.Stats()
				if ctx.asJSON {
					return writeJSON(cmd, st)
				}
				rows := [][]string{
					{"Items", strconv.Itoa(st.Items)},
					{"For sale", strconv.Itoa(st.Unsold)},
					{"Sales", strconv.FormatUint(st.SaleCount, 10)},
					{"Listing fee", st.ListingFeeRate.String()},
					{"Accumulated fees", st.AccumulatedFees.String()},
					{"Escrow", st.Escrow.String()},
					{"Administrator", st.Administrator.String()},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newPayoutsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "payouts",
		Short: "Show total payments made per account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				payouts := b.Gateway.Snapshot()
				if ctx.asJSON {
					return writeJSON(cmd, payouts)
				}
				rows := make([][]string, 0, len(payouts))
				for _, p := range payouts {
					rows = append(rows, []string{p.Account, p.Amount.String()})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Account", "Paid"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Replay the journal and compare it with the stored ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				report, err := b.Audit(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.asJSON {
					if err := writeJSON(cmd, report); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d events over %d items\n", report.Events, report.Items)
					for _, m := range report.Mismatches {
						fmt.Fprintln(cmd.OutOrStdout(), "  mismatch:", m)
					}
				}
				if !report.OK() {
					return fmt.Errorf("audit found %d mismatches", len(report.Mismatches))
				}
				return nil
			})
		},
	}
}

func feeOrCurrent(flag string, b *app.Bootstrap) (decimal.Decimal, error) {
	if flag == "" {
		return b.Market.ListingFeeRate(), nil
	}
	return parseAmount("fee", flag)
}

func itemTable(items []service.ItemView) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		status := "SOLD"
		if it.ForSale {
			status = "LISTED"
		}
		rows = append(rows, []string{
			it.ID.String(),
			it.Price.String(),
			it.Seller.String(),
			it.Owner.String(),
			status,
			it.ContentPointer,
		})
	}
	return renderTable(
		[]string{"ID", "Price", "Seller", "Owner", "Status", "Content"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}
