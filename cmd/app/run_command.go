package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"nft_market/internal/app"
	"nft_market/internal/domain"
	"nft_market/internal/engine"

	"github.com/spf13/cobra"
)

// runOutcome is printed once per submitted command.
type runOutcome struct {
	Line      int           `json:"line"`
	Kind      string        `json:"kind"`
	Caller    string        `json:"caller,omitempty"`
	ItemID    domain.ItemID `json:"item_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retriable bool          `json:"retriable,omitempty"`
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var keepGoing bool
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Apply a batch of JSON-lines commands through the sequencer",
		Long: `Reads one command per line, for example:

  {"kind":"create","caller":"0xalice","content_pointer":"ipfs://a","price":"1","value":"0.025"}
  {"kind":"buy","caller":"0xbob","item_id":1,"value":"1"}

Reads stdin when no file is given or the file is "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			return ctx.withLedger(cmd.Context(), func(b *app.Bootstrap) error {
				return runBatch(cmd.Context(), b, in, cmd.OutOrStdout(), keepGoing)
			})
		},
	}
	cmd.Flags().BoolVar(&keepGoing, "keep-going", true, "Continue after a rejected command")
	return cmd
}

func runBatch(ctx context.Context, b *app.Bootstrap, in io.Reader, out io.Writer, keepGoing bool) error {
	seqCtx, cancel := context.WithCancel(ctx)
	wait := b.StartSequencer(seqCtx, nil)
	defer func() {
		cancel()
		wait()
	}()
	slog.Debug("Sequencer (batch) started")

	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	line, failed := 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var c engine.Command
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		outcome := runOutcome{Line: line, Kind: c.Kind.String(), Caller: c.Caller.String(), ItemID: c.ItemID}
		err := submit(ctx, b, c, &outcome)
		if err != nil {
			outcome.Error = err.Error()
			outcome.Retriable = domain.IsRetriable(err)
			failed++
		}
		if encErr := enc.Encode(outcome); encErr != nil {
			return encErr
		}
		if err != nil && !keepGoing {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if failed > 0 {
		slog.Warn("Batch finished with rejections", slog.Int("lines", line), slog.Int("failed", failed))
	}
	return nil
}

func submit(ctx context.Context, b *app.Bootstrap, c engine.Command, outcome *runOutcome) error {
	switch c.Kind {
	case engine.CmdCreateListing:
		id, err := b.Market.CreateListing(ctx, c.Caller, c.ContentPointer, c.Price, c.Value)
		outcome.ItemID = id
		return err
	case engine.CmdBuy:
		return b.Market.Buy(ctx, c.Caller, c.ItemID, c.Value)
	case engine.CmdResell:
		return b.Market.Resell(ctx, c.Caller, c.ItemID, c.Price, c.Value)
	case engine.CmdUpdateFee:
		return b.Market.UpdateListingFeeRate(ctx, c.Caller, c.Value)
	case engine.CmdWithdraw:
		return b.Market.Withdraw(ctx, c.Caller, c.Value)
	default:
		return fmt.Errorf("unknown command kind %d", c.Kind)
	}
}
