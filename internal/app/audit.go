package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/event"
	"nft_market/internal/infra"

	"github.com/shopspring/decimal"
)

// AuditReport is the result of replaying the journal against the live ledger.
type AuditReport struct {
	Events     int      `json:"events"`
	Items      int      `json:"items"`
	Mismatches []string `json:"mismatches,omitempty"`
}

// OK reports whether replay reproduced the live state.
func (r AuditReport) OK() bool {
	return len(r.Mismatches) == 0
}

var errReplayTransfer = errors.New("replay does not transfer")

// Audit rebuilds the ledger from the journal and compares it with the live
// ledger and the payout table.
func (b *Bootstrap) Audit(ctx context.Context) (AuditReport, error) {
	var report AuditReport

	events, err := b.Storage.Events(ctx)
	if err != nil {
		return report, err
	}
	report.Events = len(events)

	replica, err := engine.NewLedger(engine.Config{
		Administrator:  b.Ledger.Administrator(),
		Escrow:         b.Ledger.Escrow(),
		ListingFeeRate: b.Ledger.ListingFeeRate(),
		Gateway: domain.PaymentGatewayFunc(func(context.Context, domain.Account, decimal.Decimal) error {
			return errReplayTransfer
		}),
		Metrics: &infra.Metrics{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return report, err
	}

	paid := make(map[domain.Account]decimal.Decimal)
	for _, ev := range events {
		if err := replica.ReplayEvent(ev); err != nil {
			return report, fmt.Errorf("audit: %w", err)
		}
		if to, amount, ok := event.Payout(ev); ok {
			paid[to] = paid[to].Add(amount)
		}
	}

	live := b.Ledger.Snapshot()
	rebuilt := replica.Snapshot()
	report.Items = len(live.Items)
	report.Mismatches = compareSnapshots(live, rebuilt)

	payouts, err := b.Storage.Payouts(ctx)
	if err != nil {
		return report, fmt.Errorf("load payouts: %w", err)
	}
	for _, p := range payouts {
		acct := domain.Account(p.Account)
		if !paid[acct].Equal(p.Amount) {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("payout %s: stored %s, journal %s", acct, p.Amount, paid[acct]))
		}
		delete(paid, acct)
	}
	for acct, amt := range paid {
		report.Mismatches = append(report.Mismatches,
			fmt.Sprintf("payout %s: missing, journal %s", acct, amt))
	}

	if err := b.Ledger.VerifyInvariants(); err != nil {
		report.Mismatches = append(report.Mismatches, err.Error())
	}
	return report, nil
}

func compareSnapshots(live, rebuilt engine.Snapshot) []string {
	var out []string
	if live.NextSeq != rebuilt.NextSeq {
		out = append(out, fmt.Sprintf("next seq: live %d, journal %d", live.NextSeq, rebuilt.NextSeq))
	}

	lt, rt := live.Treasury, rebuilt.Treasury
	if !lt.AccumulatedFees.Equal(rt.AccumulatedFees) {
		out = append(out, fmt.Sprintf("accumulated fees: live %s, journal %s", lt.AccumulatedFees, rt.AccumulatedFees))
	}
	if !lt.ListingFeeRate.Equal(rt.ListingFeeRate) {
		out = append(out, fmt.Sprintf("listing fee rate: live %s, journal %s", lt.ListingFeeRate, rt.ListingFeeRate))
	}
	if lt.SaleCount != rt.SaleCount {
		out = append(out, fmt.Sprintf("sale count: live %d, journal %d", lt.SaleCount, rt.SaleCount))
	}

	if len(live.Items) != len(rebuilt.Items) {
		out = append(out, fmt.Sprintf("items: live %d, journal %d", len(live.Items), len(rebuilt.Items)))
		return out
	}
	for i := range live.Items {
		a, b := live.Items[i], rebuilt.Items[i]
		if a.ID != b.ID || a.Seller != b.Seller || a.Holder != b.Holder ||
			a.ContentPointer != b.ContentPointer || a.Status != b.Status || !a.Price.Equal(b.Price) {
			out = append(out, fmt.Sprintf("item %d: live %+v, journal %+v", a.ID, a, b))
		}
	}
	return out
}
