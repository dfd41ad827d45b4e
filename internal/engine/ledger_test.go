package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"nft_market/internal/domain"
	"nft_market/internal/event"
	"nft_market/internal/infra"

	"github.com/shopspring/decimal"
)

const (
	admin  domain.Account = "0xadmin"
	escrow domain.Account = "0xmarket"
	alice  domain.Account = "0xalice"
	bob    domain.Account = "0xbob"
	carol  domain.Account = "0xcarol"
)

var (
	fee   = decimal.RequireFromString("0.025")
	one   = decimal.RequireFromString("1.0")
	two   = decimal.RequireFromString("2.0")
	ctx   = context.Background()
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type recordingGateway struct {
	mu   sync.Mutex
	paid map[domain.Account]decimal.Decimal
	n    int
	fail error
}

func (g *recordingGateway) Transfer(_ context.Context, to domain.Account, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	if g.paid == nil {
		g.paid = make(map[domain.Account]decimal.Decimal)
	}
	g.paid[to] = g.paid[to].Add(amount)
	g.n++
	return nil
}

func (g *recordingGateway) received(a domain.Account) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paid[a]
}

type memJournal struct {
	changes []Change
	err     error
}

func (j *memJournal) Commit(_ context.Context, c Change, settle func() error) error {
	if j.err != nil {
		return j.err
	}
	if err := settle(); err != nil {
		return err
	}
	j.changes = append(j.changes, c)
	return nil
}

func newTestLedger(t *testing.T, journal Journal) (*Ledger, *recordingGateway) {
	t.Helper()
	gw := &recordingGateway{}
	l, err := NewLedger(Config{
		Administrator:  admin,
		Escrow:         escrow,
		ListingFeeRate: fee,
		Gateway:        gw,
		Journal:        journal,
		Metrics:        &infra.Metrics{},
		Logger:         quiet,
	})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return l, gw
}

// assertEscrowInvariant checks forSale iff owner == escrow for every item.
func assertEscrowInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	for _, it := range l.Snapshot().Items {
		if it.ForSale() != (it.Owner(l.Escrow()) == l.Escrow()) {
			t.Fatalf("Escrow invariant broken for item %d: %+v", it.ID, it)
		}
	}
	if err := l.VerifyInvariants(); err != nil {
		t.Fatalf("VerifyInvariants: %v", err)
	}
}

func sameItem(a, b domain.Item) bool {
	return a.ID == b.ID && a.Seller == b.Seller && a.Holder == b.Holder &&
		a.ContentPointer == b.ContentPointer && a.Status == b.Status && a.Price.Equal(b.Price)
}

func mustCreate(t *testing.T, l *Ledger, seller domain.Account, price decimal.Decimal) domain.ItemID {
	t.Helper()
	id, err := l.CreateListing(ctx, seller, "ipfs://item", price, l.ListingFeeRate())
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
	return id
}

func TestNewLedger_Validation(t *testing.T) {
	gw := &recordingGateway{}
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no administrator", Config{Escrow: escrow, Gateway: gw}},
		{"no escrow", Config{Administrator: admin, Gateway: gw}},
		{"escrow is administrator", Config{Administrator: admin, Escrow: admin, Gateway: gw}},
		{"no gateway", Config{Administrator: admin, Escrow: escrow}},
		{"negative fee rate", Config{Administrator: admin, Escrow: escrow, Gateway: gw, ListingFeeRate: decimal.NewFromInt(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLedger(tc.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestCreateListing(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	id, err := l.CreateListing(ctx, alice, "ipfs://a", one, fee)
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
	if id != 1 {
		t.Errorf("Expected id 1, got %d", id)
	}

	it, err := l.Item(id)
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if !it.ForSale() || it.Seller != alice || it.Owner(escrow) != escrow {
		t.Errorf("Unexpected item %+v", it)
	}
	if !l.AccumulatedFees().Equal(fee) {
		t.Errorf("Expected fees %s, got %s", fee, l.AccumulatedFees())
	}
	if got := l.ListUnsold(); len(got) != 1 || got[0].ID != id {
		t.Errorf("Expected unsold [%d], got %v", id, got)
	}
	assertEscrowInvariant(t, l)
}

func TestCreateListing_FeeExactness(t *testing.T) {
	tests := []struct {
		name    string
		paid    string
		wantErr error
	}{
		{"exact", "0.025", nil},
		{"exact different scale", "0.0250", nil},
		{"underpay", "0.024", domain.ErrInsufficientFee},
		{"overpay", "0.026", domain.ErrInsufficientFee},
		{"zero", "0", domain.ErrInsufficientFee},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t, nil)
			_, err := l.CreateListing(ctx, alice, "ipfs://a", one, decimal.RequireFromString(tt.paid))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr != nil {
				if l.ItemCount() != 0 || !l.AccumulatedFees().IsZero() {
					t.Errorf("Failed create changed state: items=%d fees=%s", l.ItemCount(), l.AccumulatedFees())
				}
			}
		})
	}
}

func TestCreateListing_Validation(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	t.Run("zero price", func(t *testing.T) {
		if _, err := l.CreateListing(ctx, alice, "ipfs://a", decimal.Zero, fee); !errors.Is(err, domain.ErrInvalidPrice) {
			t.Errorf("Expected ErrInvalidPrice, got %v", err)
		}
	})

	t.Run("negative price", func(t *testing.T) {
		if _, err := l.CreateListing(ctx, alice, "ipfs://a", decimal.NewFromInt(-1), fee); !errors.Is(err, domain.ErrInvalidPrice) {
			t.Errorf("Expected ErrInvalidPrice, got %v", err)
		}
	})

	t.Run("price checked before fee", func(t *testing.T) {
		if _, err := l.CreateListing(ctx, alice, "ipfs://a", decimal.Zero, decimal.Zero); !errors.Is(err, domain.ErrInvalidPrice) {
			t.Errorf("Expected ErrInvalidPrice, got %v", err)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		if _, err := l.CreateListing(ctx, alice, "", one, fee); !errors.Is(err, domain.ErrInvalidContent) {
			t.Errorf("Expected ErrInvalidContent, got %v", err)
		}
	})

	t.Run("empty caller", func(t *testing.T) {
		if _, err := l.CreateListing(ctx, domain.NoAccount, "ipfs://a", one, fee); !errors.Is(err, domain.ErrInvalidAccount) {
			t.Errorf("Expected ErrInvalidAccount, got %v", err)
		}
	})

	t.Run("escrow as caller", func(t *testing.T) {
		if _, err := l.CreateListing(ctx, escrow, "ipfs://a", one, fee); !errors.Is(err, domain.ErrInvalidAccount) {
			t.Errorf("Expected ErrInvalidAccount, got %v", err)
		}
	})

	if l.ItemCount() != 0 {
		t.Errorf("Expected no items, got %d", l.ItemCount())
	}
}

func TestBuy(t *testing.T) {
	l, gw := newTestLedger(t, nil)
	id := mustCreate(t, l, alice, one)

	if err := l.Buy(ctx, bob, id, one); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	it, _ := l.Item(id)
	if it.ForSale() || it.Owner(escrow) != bob {
		t.Errorf("Expected bob to own sold item, got %+v", it)
	}
	if !gw.received(alice).Equal(one) {
		t.Errorf("Expected alice to receive 1.0, got %s", gw.received(alice))
	}
	if l.SaleCount() != 1 {
		t.Errorf("Expected sale count 1, got %d", l.SaleCount())
	}
	if len(l.ListUnsold()) != 0 {
		t.Error("Sold item must leave the unsold index")
	}
	assertEscrowInvariant(t, l)
}

func TestBuy_PriceExactness(t *testing.T) {
	for _, paid := range []string{"0.99", "1.01", "0", "2"} {
		t.Run(paid, func(t *testing.T) {
			l, gw := newTestLedger(t, nil)
			id := mustCreate(t, l, alice, one)

			err := l.Buy(ctx, bob, id, decimal.RequireFromString(paid))
			if !errors.Is(err, domain.ErrWrongPrice) {
				t.Fatalf("Expected ErrWrongPrice, got %v", err)
			}
			if gw.n != 0 || l.SaleCount() != 0 {
				t.Error("Failed buy must not pay or count a sale")
			}
		})
	}

	t.Run("same value different scale", func(t *testing.T) {
		l, _ := newTestLedger(t, nil)
		id := mustCreate(t, l, alice, one)
		if err := l.Buy(ctx, bob, id, decimal.RequireFromString("1.000")); err != nil {
			t.Errorf("Expected success, got %v", err)
		}
	})
}

func TestBuy_Rejections(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	id := mustCreate(t, l, alice, one)

	t.Run("not found", func(t *testing.T) {
		if err := l.Buy(ctx, bob, 99, one); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	if err := l.Buy(ctx, bob, id, one); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	t.Run("not for sale", func(t *testing.T) {
		if err := l.Buy(ctx, carol, id, one); !errors.Is(err, domain.ErrNotForSale) {
			t.Errorf("Expected ErrNotForSale, got %v", err)
		}
	})

	t.Run("error names op and item", func(t *testing.T) {
		err := l.Buy(ctx, carol, id, one)
		var le *domain.LedgerError
		if !errors.As(err, &le) {
			t.Fatalf("Expected LedgerError, got %T", err)
		}
		if le.Op != OpBuy || le.ItemID != id {
			t.Errorf("Expected buy/%d, got %s/%d", id, le.Op, le.ItemID)
		}
	})
}

func TestBuy_TransferFailedLeavesStateUnchanged(t *testing.T) {
	l, gw := newTestLedger(t, nil)
	id := mustCreate(t, l, alice, one)
	before := l.Snapshot()

	gw.fail = errors.New("wallet offline")
	err := l.Buy(ctx, bob, id, one)

	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	if !domain.IsRetriable(err) {
		t.Error("Transfer failure should be retriable")
	}

	after := l.Snapshot()
	if after.NextSeq != before.NextSeq || after.Treasury.SaleCount != 0 {
		t.Errorf("State changed after failed transfer: %+v", after)
	}
	it, _ := l.Item(id)
	if !it.ForSale() || it.Seller != alice {
		t.Errorf("Item changed after failed transfer: %+v", it)
	}

	gw.fail = nil
	if err := l.Buy(ctx, bob, id, one); err != nil {
		t.Errorf("Retry after transfer recovery failed: %v", err)
	}
}

func TestResell(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	id := mustCreate(t, l, alice, one)
	if err := l.Buy(ctx, bob, id, one); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	t.Run("not owner", func(t *testing.T) {
		if err := l.Resell(ctx, alice, id, two, fee); !errors.Is(err, domain.ErrNotOwner) {
			t.Errorf("Expected ErrNotOwner, got %v", err)
		}
	})

	t.Run("owner checked before price", func(t *testing.T) {
		if err := l.Resell(ctx, carol, id, decimal.Zero, fee); !errors.Is(err, domain.ErrNotOwner) {
			t.Errorf("Expected ErrNotOwner, got %v", err)
		}
	})

	t.Run("invalid price", func(t *testing.T) {
		if err := l.Resell(ctx, bob, id, decimal.Zero, fee); !errors.Is(err, domain.ErrInvalidPrice) {
			t.Errorf("Expected ErrInvalidPrice, got %v", err)
		}
	})

	t.Run("wrong fee", func(t *testing.T) {
		if err := l.Resell(ctx, bob, id, two, decimal.RequireFromString("0.02")); !errors.Is(err, domain.ErrInsufficientFee) {
			t.Errorf("Expected ErrInsufficientFee, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if err := l.Resell(ctx, bob, 42, two, fee); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	feesBefore := l.AccumulatedFees()
	if err := l.Resell(ctx, bob, id, two, fee); err != nil {
		t.Fatalf("Resell failed: %v", err)
	}

	it, _ := l.Item(id)
	if !it.ForSale() || it.Seller != bob || !it.Price.Equal(two) {
		t.Errorf("Unexpected relisted item %+v", it)
	}
	if !l.AccumulatedFees().Equal(feesBefore.Add(fee)) {
		t.Errorf("Expected fees %s, got %s", feesBefore.Add(fee), l.AccumulatedFees())
	}

	t.Run("listed item cannot be resold by its seller", func(t *testing.T) {
		if err := l.Resell(ctx, bob, id, one, fee); !errors.Is(err, domain.ErrNotOwner) {
			t.Errorf("Expected ErrNotOwner, got %v", err)
		}
	})
	assertEscrowInvariant(t, l)
}

func TestUpdateListingFeeRate_Authorization(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	newRate := decimal.RequireFromString("0.05")

	for _, caller := range []domain.Account{alice, bob, escrow, domain.NoAccount} {
		t.Run("reject "+caller.String(), func(t *testing.T) {
			err := l.UpdateListingFeeRate(ctx, caller, newRate)
			if !errors.Is(err, domain.ErrUnauthorized) {
				t.Errorf("Expected ErrUnauthorized, got %v", err)
			}
			if !l.ListingFeeRate().Equal(fee) {
				t.Errorf("Fee changed to %s", l.ListingFeeRate())
			}
		})
	}

	if err := l.UpdateListingFeeRate(ctx, admin, newRate); err != nil {
		t.Fatalf("Administrator update failed: %v", err)
	}
	if !l.ListingFeeRate().Equal(newRate) {
		t.Errorf("Expected fee %s, got %s", newRate, l.ListingFeeRate())
	}

	// Old fee no longer accepted.
	if _, err := l.CreateListing(ctx, alice, "ipfs://a", one, fee); !errors.Is(err, domain.ErrInsufficientFee) {
		t.Errorf("Expected ErrInsufficientFee with stale fee, got %v", err)
	}
}

func TestUpdateListingFeeRate_RejectsNegative(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(t, j)
	mustCreate(t, l, alice, one)
	mustCreate(t, l, carol, one)
	feesBefore := l.AccumulatedFees()
	seqBefore := l.Snapshot().NextSeq

	for _, rate := range []string{"-0.025", "-1"} {
		t.Run(rate, func(t *testing.T) {
			err := l.UpdateListingFeeRate(ctx, admin, decimal.RequireFromString(rate))
			if !errors.Is(err, domain.ErrInvalidAmount) {
				t.Fatalf("Expected ErrInvalidAmount, got %v", err)
			}
			if !l.ListingFeeRate().Equal(fee) {
				t.Errorf("Expected fee %s, got %s", fee, l.ListingFeeRate())
			}
		})
	}

	// A negative fee can never be credited, so non-administrators cannot lower the treasury.
	if _, err := l.CreateListing(ctx, bob, "ipfs://b", one, decimal.RequireFromString("-0.025")); !errors.Is(err, domain.ErrInsufficientFee) {
		t.Errorf("Expected ErrInsufficientFee, got %v", err)
	}
	if !l.AccumulatedFees().Equal(feesBefore) {
		t.Errorf("Expected fees %s, got %s", feesBefore, l.AccumulatedFees())
	}
	if l.Snapshot().NextSeq != seqBefore || len(j.changes) != 2 {
		t.Errorf("Expected nothing journaled, got next seq %d and %d changes", l.Snapshot().NextSeq, len(j.changes))
	}

	// The ledger keeps working
	if err := l.UpdateListingFeeRate(ctx, admin, decimal.Zero); err != nil {
		t.Fatalf("Zero rate update failed: %v", err)
	}
	if _, err := l.CreateListing(ctx, bob, "ipfs://b", one, decimal.Zero); err != nil {
		t.Errorf("Free listing failed: %v", err)
	}
	assertEscrowInvariant(t, l)
}

func TestCommit_RefusesBrokenTreasury(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(t, j)

	settled := false
	broken := domain.NewTreasury(fee)
	broken.AccumulatedFees = decimal.NewFromInt(-1)
	ev := &event.FeeRateUpdatedEvent{BaseEvent: event.NewBase(1), Rate: fee}

	err := l.commit(ctx, Change{Event: ev, Treasury: broken}, func() error {
		settled = true
		return nil
	})
	if err == nil {
		t.Fatal("Expected commit to refuse a negative treasury")
	}
	if settled || len(j.changes) != 0 {
		t.Errorf("Expected no settle and no journal entry, got settled=%v changes=%d", settled, len(j.changes))
	}

	lerr := l.fail(OpUpdateFee, 0, admin, err)
	var ledgerErr *domain.LedgerError
	if !errors.As(lerr, &ledgerErr) || domain.IsRetriable(lerr) {
		t.Errorf("Expected non-retriable LedgerError, got %v", lerr)
	}
}

func TestWithdraw(t *testing.T) {
	l, gw := newTestLedger(t, nil)
	mustCreate(t, l, alice, one)
	mustCreate(t, l, bob, one)

	t.Run("unauthorized", func(t *testing.T) {
		if err := l.Withdraw(ctx, alice, fee); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		if err := l.Withdraw(ctx, admin, decimal.Zero); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("more than accumulated", func(t *testing.T) {
		if err := l.Withdraw(ctx, admin, decimal.RequireFromString("0.051")); !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Errorf("Expected ErrInsufficientBalance, got %v", err)
		}
	})

	if err := l.Withdraw(ctx, admin, decimal.RequireFromString("0.03")); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if !l.AccumulatedFees().Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Expected 0.02 left, got %s", l.AccumulatedFees())
	}
	if !gw.received(admin).Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("Expected admin to receive 0.03, got %s", gw.received(admin))
	}

	t.Run("transfer failure keeps fees", func(t *testing.T) {
		gw.fail = errors.New("down")
		defer func() { gw.fail = nil }()

		if err := l.Withdraw(ctx, admin, decimal.RequireFromString("0.01")); !errors.Is(err, domain.ErrTransferFailed) {
			t.Errorf("Expected ErrTransferFailed, got %v", err)
		}
		if !l.AccumulatedFees().Equal(decimal.RequireFromString("0.02")) {
			t.Errorf("Fees changed after failed withdrawal: %s", l.AccumulatedFees())
		}
	})
}

func TestSaleCount_Monotonic(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	id := mustCreate(t, l, alice, one)

	owner := alice
	buyers := []domain.Account{bob, carol, alice, bob}
	for i, buyer := range buyers {
		// A rejected buy never moves the counter.
		_ = l.Buy(ctx, buyer, id, two)
		if l.SaleCount() != uint64(i) {
			t.Fatalf("Expected sale count %d after rejected buy, got %d", i, l.SaleCount())
		}

		if err := l.Buy(ctx, buyer, id, one); err != nil {
			t.Fatalf("Buy %d failed: %v", i, err)
		}
		if l.SaleCount() != uint64(i+1) {
			t.Fatalf("Expected sale count %d, got %d", i+1, l.SaleCount())
		}

		owner = buyer
		if err := l.Resell(ctx, owner, id, one, fee); err != nil {
			t.Fatalf("Resell %d failed: %v", i, err)
		}
		if l.SaleCount() != uint64(i+1) {
			t.Fatalf("Resell changed sale count to %d", l.SaleCount())
		}
	}
}

func TestItemIDs_NeverReused(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	seen := make(map[domain.ItemID]bool)

	for round := 0; round < 20; round++ {
		id := mustCreate(t, l, alice, one)
		if seen[id] {
			t.Fatalf("Item id %d reused", id)
		}
		seen[id] = true

		if err := l.Buy(ctx, bob, id, one); err != nil {
			t.Fatalf("Buy failed: %v", err)
		}
		if err := l.Resell(ctx, bob, id, two, fee); err != nil {
			t.Fatalf("Resell failed: %v", err)
		}
		// failed create must not burn an id
		_, _ = l.CreateListing(ctx, alice, "ipfs://x", decimal.Zero, fee)
	}

	if l.ItemCount() != 20 {
		t.Errorf("Expected 20 items, got %d", l.ItemCount())
	}
	assertEscrowInvariant(t, l)
}

func TestScenario_CreateBuyResellStaleBuy(t *testing.T) {
	l, gw := newTestLedger(t, nil)

	// create item A at 1.0 with fee 0.025
	a, err := l.CreateListing(ctx, alice, "https://www.mytokenlocation.com", one, fee)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	unsold := l.ListUnsold()
	if len(unsold) != 1 || unsold[0].ID != a || !unsold[0].ForSale() {
		t.Fatalf("Expected A in unsold, got %v", unsold)
	}

	// buy A for exactly 1.0
	if err := l.Buy(ctx, bob, a, one); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(l.ListUnsold()) != 0 {
		t.Error("A should leave unsold after buy")
	}
	if l.SaleCount() != 1 {
		t.Errorf("Expected sale count 1, got %d", l.SaleCount())
	}
	if !gw.received(alice).Equal(one) {
		t.Errorf("Expected seller to receive 1.0, got %s", gw.received(alice))
	}

	// resell A at 2.0 as the new owner
	if err := l.Resell(ctx, bob, a, two, fee); err != nil {
		t.Fatalf("resell: %v", err)
	}
	unsold = l.ListUnsold()
	if len(unsold) != 1 || !unsold[0].Price.Equal(two) {
		t.Fatalf("Expected A back in unsold at 2.0, got %v", unsold)
	}

	// stale-price buy fails and changes nothing
	before := l.Snapshot()
	if err := l.Buy(ctx, carol, a, one); !errors.Is(err, domain.ErrWrongPrice) {
		t.Fatalf("Expected ErrWrongPrice, got %v", err)
	}
	after := l.Snapshot()
	if after.NextSeq != before.NextSeq || after.Treasury.SaleCount != before.Treasury.SaleCount || !sameItem(after.Items[0], before.Items[0]) {
		t.Error("State changed after stale buy")
	}

	// non-administrator fee update fails
	if err := l.UpdateListingFeeRate(ctx, carol, decimal.RequireFromString("1")); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if !l.ListingFeeRate().Equal(fee) {
		t.Errorf("Fee changed to %s", l.ListingFeeRate())
	}
	assertEscrowInvariant(t, l)
}

func TestListUnsold_AscendingAndFiltered(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	for i := 0; i < 6; i++ {
		mustCreate(t, l, alice, one)
	}
	for _, id := range []domain.ItemID{2, 5} {
		if err := l.Buy(ctx, bob, id, one); err != nil {
			t.Fatalf("Buy failed: %v", err)
		}
	}

	got := l.ListUnsold()
	want := []domain.ItemID{1, 3, 4, 6}
	if len(got) != len(want) {
		t.Fatalf("Expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("Position %d: expected %d, got %d", i, want[i], got[i].ID)
		}
	}
}

func TestConcurrentBuyers_ExactlyOneWins(t *testing.T) {
	l, gw := newTestLedger(t, nil)
	id := mustCreate(t, l, alice, one)

	const buyers = 32
	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			buyer := domain.Account("0xbuyer" + strconv.Itoa(n))
			errs <- l.Buy(ctx, buyer, id, one)
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrNotForSale):
		default:
			t.Errorf("Unexpected error %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins)
	}
	if l.SaleCount() != 1 || gw.n != 1 {
		t.Errorf("Expected one sale and one transfer, got %d sales %d transfers", l.SaleCount(), gw.n)
	}
	assertEscrowInvariant(t, l)
}

func TestJournal_RecordsChanges(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(t, j)

	id := mustCreate(t, l, alice, one)
	if err := l.Buy(ctx, bob, id, one); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	_ = l.Buy(ctx, bob, id, one) // rejected, not journaled

	if len(j.changes) != 2 {
		t.Fatalf("Expected 2 journaled changes, got %d", len(j.changes))
	}
	for i, c := range j.changes {
		if c.Event.GetSeq() != uint64(i+1) {
			t.Errorf("Change %d: expected seq %d, got %d", i, i+1, c.Event.GetSeq())
		}
	}
	if j.changes[1].Event.GetType() != event.TypeItemSold {
		t.Errorf("Expected ITEM_SOLD, got %s", j.changes[1].Event.GetType())
	}
	if j.changes[1].Treasury.SaleCount != 1 {
		t.Errorf("Journaled treasury should carry the post-sale count")
	}
}

func TestJournal_FailureLeavesStateUnchanged(t *testing.T) {
	j := &memJournal{}
	l, gw := newTestLedger(t, j)
	id := mustCreate(t, l, alice, one)

	j.err = errors.New("disk full")

	if _, err := l.CreateListing(ctx, alice, "ipfs://b", one, fee); err == nil {
		t.Error("Expected create to fail when journal fails")
	}
	err := l.Buy(ctx, bob, id, one)
	if err == nil {
		t.Fatal("Expected buy to fail when journal fails")
	}
	if errors.Is(err, domain.ErrTransferFailed) {
		t.Error("Journal failure must not be reported as a transfer failure")
	}

	if l.ItemCount() != 1 || l.SaleCount() != 0 || gw.n != 0 {
		t.Errorf("State changed after journal failure: items=%d sales=%d transfers=%d", l.ItemCount(), l.SaleCount(), gw.n)
	}
	if !l.AccumulatedFees().Equal(fee) {
		t.Errorf("Fees changed after journal failure: %s", l.AccumulatedFees())
	}
}

func TestReplayEvent_RebuildsState(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(t, j)

	a := mustCreate(t, l, alice, one)
	mustCreate(t, l, carol, two)
	_ = l.Buy(ctx, bob, a, one)
	_ = l.Resell(ctx, bob, a, two, fee)
	_ = l.UpdateListingFeeRate(ctx, admin, decimal.RequireFromString("0.01"))
	_ = l.Withdraw(ctx, admin, decimal.RequireFromString("0.05"))

	replica, _ := newTestLedger(t, nil)
	for _, c := range j.changes {
		if err := replica.ReplayEvent(c.Event); err != nil {
			t.Fatalf("ReplayEvent failed: %v", err)
		}
	}

	want, got := l.Snapshot(), replica.Snapshot()
	if got.NextSeq != want.NextSeq {
		t.Errorf("Expected next seq %d, got %d", want.NextSeq, got.NextSeq)
	}
	if !got.Treasury.AccumulatedFees.Equal(want.Treasury.AccumulatedFees) ||
		!got.Treasury.ListingFeeRate.Equal(want.Treasury.ListingFeeRate) ||
		got.Treasury.SaleCount != want.Treasury.SaleCount {
		t.Errorf("Treasury mismatch: want %+v, got %+v", want.Treasury, got.Treasury)
	}
	for i := range want.Items {
		if !sameItem(want.Items[i], got.Items[i]) {
			t.Errorf("Item %d mismatch: want %+v, got %+v", i+1, want.Items[i], got.Items[i])
		}
	}
}

func TestReplayEvent_GapDetection(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	ev := &event.FeeRateUpdatedEvent{BaseEvent: event.BaseEvent{Seq: 2}, Rate: one} // Start with 2 instead of 1
	if err := l.ReplayEvent(ev); err == nil {
		t.Error("ReplayEvent should reject a sequence gap")
	}
}

func TestReplayEvent_RejectsNegativeRate(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	ev := &event.FeeRateUpdatedEvent{BaseEvent: event.BaseEvent{Seq: 1}, Rate: decimal.NewFromInt(-1)}
	if err := l.ReplayEvent(ev); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("Expected ErrInvalidAmount, got %v", err)
	}
	if !l.ListingFeeRate().Equal(fee) || l.Snapshot().NextSeq != 1 {
		t.Errorf("Replay changed state: rate %s, next seq %d", l.ListingFeeRate(), l.Snapshot().NextSeq)
	}
}

func TestRestore(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	items := []domain.Item{
		{ID: 1, Seller: alice, ContentPointer: "a", Price: one, Status: domain.StatusListed},
		{ID: 2, Holder: bob, ContentPointer: "b", Price: one, Status: domain.StatusSold},
	}
	tr := domain.NewTreasury(fee)
	tr.SaleCount = 1
	tr.AccumulatedFees = decimal.RequireFromString("0.05")

	if err := l.Restore(items, tr, 3); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	id := mustCreate(t, l, carol, one)
	if id != 3 {
		t.Errorf("Expected next id 3, got %d", id)
	}
	if l.Snapshot().NextSeq != 5 {
		t.Errorf("Expected next seq 5, got %d", l.Snapshot().NextSeq)
	}

	if err := l.Restore(items, tr, 3); err == nil {
		t.Error("Restore into a used ledger should fail")
	}
}

func TestRestore_RejectsBrokenInvariant(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	items := []domain.Item{{ID: 1, Holder: escrow, ContentPointer: "a", Price: one, Status: domain.StatusSold}}

	if err := l.Restore(items, domain.NewTreasury(fee), 1); err == nil {
		t.Error("Expected invariant error for sold item held by escrow")
	}
}
