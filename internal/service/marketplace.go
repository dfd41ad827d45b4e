package service

import (
	"context"
	"time"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/infra"

	"github.com/shopspring/decimal"
)

// ItemView is the presentation form of an item.
type ItemView struct {
	ID             domain.ItemID   `json:"id"`
	Price          decimal.Decimal `json:"price"`
	Seller         domain.Account  `json:"seller,omitempty"`
	Owner          domain.Account  `json:"owner"`
	ContentPointer string          `json:"content_pointer"`
	ForSale        bool            `json:"for_sale"`
}

// Stats summarizes the treasury and operation counters.
type Stats struct {
	Items           int                   `json:"items"`
	Unsold          int                   `json:"unsold"`
	SaleCount       uint64                `json:"sale_count"`
	ListingFeeRate  decimal.Decimal       `json:"listing_fee_rate"`
	AccumulatedFees decimal.Decimal       `json:"accumulated_fees"`
	Escrow          domain.Account        `json:"escrow"`
	Administrator   domain.Account        `json:"administrator"`
	Metrics         infra.MetricsSnapshot `json:"metrics"`
}

// Marketplace is the collaborator-facing surface of the ledger.
// When a sequencer is attached, mutations are submitted to it instead of
// calling the ledger directly.
type Marketplace struct {
	ledger    *engine.Ledger
	sequencer *engine.Sequencer
	metrics   *infra.Metrics
}

// NewMarketplace creates a marketplace over ledger. seq may be nil.
func NewMarketplace(ledger *engine.Ledger, seq *engine.Sequencer, metrics *infra.Metrics) *Marketplace {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Marketplace{ledger: ledger, sequencer: seq, metrics: metrics}
}

// CreateListing lists a new item. value is the listing fee paid.
func (m *Marketplace) CreateListing(ctx context.Context, caller domain.Account, contentPointer string, price, value decimal.Decimal) (domain.ItemID, error) {
	if m.sequencer == nil {
		return m.ledger.CreateListing(ctx, caller, contentPointer, price, value)
	}
	res, err := m.submit(ctx, engine.Command{
		Kind:           engine.CmdCreateListing,
		Caller:         caller,
		ContentPointer: contentPointer,
		Price:          price,
		Value:          value,
	})
	if err != nil {
		return 0, err
	}
	return res.ItemID, nil
}

// Buy purchases a listed item. value is the payment.
func (m *Marketplace) Buy(ctx context.Context, caller domain.Account, id domain.ItemID, value decimal.Decimal) error {
	if m.sequencer == nil {
		return m.ledger.Buy(ctx, caller, id, value)
	}
	_, err := m.submit(ctx, engine.Command{Kind: engine.CmdBuy, Caller: caller, ItemID: id, Value: value})
	return err
}

// Resell relists an owned item. value is the listing fee paid.
func (m *Marketplace) Resell(ctx context.Context, caller domain.Account, id domain.ItemID, newPrice, value decimal.Decimal) error {
	if m.sequencer == nil {
		return m.ledger.Resell(ctx, caller, id, newPrice, value)
	}
	_, err := m.submit(ctx, engine.Command{Kind: engine.CmdResell, Caller: caller, ItemID: id, Price: newPrice, Value: value})
	return err
}

// UpdateListingFeeRate changes the listing fee (administrator only).
func (m *Marketplace) UpdateListingFeeRate(ctx context.Context, caller domain.Account, rate decimal.Decimal) error {
	if m.sequencer == nil {
		return m.ledger.UpdateListingFeeRate(ctx, caller, rate)
	}
	_, err := m.submit(ctx, engine.Command{Kind: engine.CmdUpdateFee, Caller: caller, Value: rate})
	return err
}

// Withdraw pays accumulated fees to the administrator.
func (m *Marketplace) Withdraw(ctx context.Context, caller domain.Account, amount decimal.Decimal) error {
	if m.sequencer == nil {
		return m.ledger.Withdraw(ctx, caller, amount)
	}
	_, err := m.submit(ctx, engine.Command{Kind: engine.CmdWithdraw, Caller: caller, Value: amount})
	return err
}

func (m *Marketplace) submit(ctx context.Context, cmd engine.Command) (engine.Result, error) {
	res, err := m.sequencer.Submit(ctx, cmd)
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// ListUnsold returns all items currently for sale, ascending by id.
func (m *Marketplace) ListUnsold() []ItemView {
	items := m.ledger.ListUnsold()
	out := make([]ItemView, 0, len(items))
	for _, it := range items {
		out = append(out, m.view(it))
	}
	return out
}

// Item returns a single item.
func (m *Marketplace) Item(id domain.ItemID) (ItemView, error) {
	it, err := m.ledger.Item(id)
	if err != nil {
		return ItemView{}, domain.NewLedgerError("item", id, err)
	}
	return m.view(it), nil
}

// ListingFeeRate returns the current listing fee.
func (m *Marketplace) ListingFeeRate() decimal.Decimal {
	return m.ledger.ListingFeeRate()
}

// AccumulatedFees returns the fees held by the treasury.
func (m *Marketplace) AccumulatedFees() decimal.Decimal {
	return m.ledger.AccumulatedFees()
}

// SaleCount returns the number of completed sales.
func (m *Marketplace) SaleCount() uint64 {
	return m.ledger.SaleCount()
}

// Stats returns a summary of the ledger.
func (m *Marketplace) Stats() Stats {
	snap := m.ledger.Snapshot()

	unsold := 0
	for _, it := range snap.Items {
		if it.ForSale() {
			unsold++
		}
	}

	metrics := m.metrics.Snapshot()
	metrics.Timestamp = time.Now().UTC()

	return Stats{
		Items:           len(snap.Items),
		Unsold:          unsold,
		SaleCount:       snap.Treasury.SaleCount,
		ListingFeeRate:  snap.Treasury.ListingFeeRate,
		AccumulatedFees: snap.Treasury.AccumulatedFees,
		Escrow:          m.ledger.Escrow(),
		Administrator:   m.ledger.Administrator(),
		Metrics:         metrics,
	}
}

func (m *Marketplace) view(it domain.Item) ItemView {
	return ItemView{
		ID:             it.ID,
		Price:          it.Price,
		Seller:         it.Seller,
		Owner:          it.Owner(m.ledger.Escrow()),
		ContentPointer: it.ContentPointer,
		ForSale:        it.ForSale(),
	}
}
