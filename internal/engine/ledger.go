package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nft_market/internal/domain"
	"nft_market/internal/event"
	"nft_market/internal/infra"
	"nft_market/internal/registry"

	"github.com/shopspring/decimal"
)

// Operation names used in errors, logs and metrics.
const (
	OpCreate    = "create"
	OpBuy       = "buy"
	OpResell    = "resell"
	OpUpdateFee = "update_fee"
	OpWithdraw  = "withdraw"
)

// Change is the complete post-state of one accepted mutation.
type Change struct {
	Event    event.Event
	Items    []domain.Item // touched items, after the mutation
	Treasury domain.Treasury
}

// Journal durably records changes. Commit must persist c and call settle
// exactly once; if settle fails nothing may be persisted and its error must
// be returned unchanged.
type Journal interface {
	Commit(ctx context.Context, c Change, settle func() error) error
}

// Config wires a Ledger.
type Config struct {
	Administrator  domain.Account
	Escrow         domain.Account
	ListingFeeRate decimal.Decimal
	Gateway        domain.PaymentGateway
	Journal        Journal        // optional
	Metrics        *infra.Metrics // defaults to infra.GlobalMetrics
	Logger         *slog.Logger   // defaults to slog.Default()
}

// Ledger is the listing and escrow engine. All mutations are serialized by mu
// and are all-or-nothing; reads take the read lock and return copies.
type Ledger struct {
	mu sync.RWMutex

	admin    domain.Account
	escrow   domain.Account
	registry *registry.Registry
	treasury domain.Treasury
	nextSeq  uint64

	gateway domain.PaymentGateway
	journal Journal
	metrics *infra.Metrics
	logger  *slog.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Administrator.IsZero() {
		return nil, errors.New("ledger: administrator account is required")
	}
	if cfg.Escrow.IsZero() || cfg.Escrow == cfg.Administrator {
		return nil, errors.New("ledger: escrow account must be set and differ from administrator")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("ledger: payment gateway is required")
	}
	if err := domain.ValidateFeeRate(cfg.ListingFeeRate); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = infra.GlobalMetrics
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Ledger{
		admin:    cfg.Administrator,
		escrow:   cfg.Escrow,
		registry: registry.New(),
		treasury: domain.NewTreasury(cfg.ListingFeeRate),
		nextSeq:  1,
		gateway:  cfg.Gateway,
		journal:  cfg.Journal,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Restore loads persisted state into an unused ledger. lastSeq is the
// sequence of the last journaled event.
func (l *Ledger) Restore(items []domain.Item, treasury domain.Treasury, lastSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nextSeq != 1 || l.registry.Len() != 0 {
		return errors.New("ledger: restore into a used ledger")
	}
	if err := l.registry.Restore(items); err != nil {
		return fmt.Errorf("ledger: restore registry: %w", err)
	}
	l.treasury = treasury
	l.nextSeq = lastSeq + 1
	return l.verifyLocked()
}

// ======================================================================================
// Mutations
// ======================================================================================

// CreateListing mints a new item into escrow on behalf of caller.
// paidFee must equal the current listing fee rate exactly.
func (l *Ledger) CreateListing(ctx context.Context, caller domain.Account, contentPointer string, price, paidFee decimal.Decimal) (domain.ItemID, error) {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return 0, l.reject(OpCreate, 0, caller, err)
	}
	if !price.IsPositive() {
		return 0, l.reject(OpCreate, 0, caller, domain.ErrInvalidPrice)
	}
	if !l.treasury.FeeMatches(paidFee) {
		return 0, l.reject(OpCreate, 0, caller, domain.ErrInsufficientFee)
	}
	if contentPointer == "" {
		return 0, l.reject(OpCreate, 0, caller, domain.ErrInvalidContent)
	}

	seq := l.nextSeq
	item := domain.Item{ID: l.registry.Next(), ContentPointer: contentPointer}
	item.List(caller, price)
	treasury := l.treasury
	treasury.CreditFee(paidFee, seq)

	ev := &event.ListingCreatedEvent{
		BaseEvent:      event.NewBase(seq),
		ItemID:         item.ID,
		Seller:         caller,
		ContentPointer: contentPointer,
		Price:          price,
		Fee:            paidFee,
	}
	if err := l.commit(ctx, Change{Event: ev, Items: []domain.Item{item}, Treasury: treasury}, nil); err != nil {
		return 0, l.fail(OpCreate, item.ID, caller, err)
	}

	id, err := l.registry.Allocate(contentPointer, price, caller)
	if err != nil || id != item.ID {
		panic(fmt.Sprintf("REGISTRY_ALLOCATE_DIVERGED: want %d, got %d (%v)", item.ID, id, err))
	}
	l.apply(treasury)

	l.metrics.RecordListing()
	l.accepted(OpCreate, ev, start, slog.String("seller", caller.String()), slog.String("price", price.String()))
	return id, nil
}

// Buy purchases a listed item. paidAmount must equal the asking price and is
// transferred to the seller before ownership changes.
func (l *Ledger) Buy(ctx context.Context, caller domain.Account, id domain.ItemID, paidAmount decimal.Decimal) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return l.reject(OpBuy, id, caller, err)
	}
	item, err := l.registry.Get(id)
	if err != nil {
		return l.reject(OpBuy, id, caller, err)
	}
	if !item.ForSale() {
		return l.reject(OpBuy, id, caller, domain.ErrNotForSale)
	}
	if !paidAmount.Equal(item.Price) {
		return l.reject(OpBuy, id, caller, domain.ErrWrongPrice)
	}

	seq := l.nextSeq
	seller := item.Seller
	sold := item
	sold.Sell(caller)
	treasury := l.treasury
	treasury.RecordSale(seq)

	ev := &event.ItemSoldEvent{
		BaseEvent: event.NewBase(seq),
		ItemID:    id,
		Buyer:     caller,
		Seller:    seller,
		Price:     item.Price,
	}
	settle := func() error {
		return l.transfer(ctx, seller, item.Price)
	}
	if err := l.commit(ctx, Change{Event: ev, Items: []domain.Item{sold}, Treasury: treasury}, settle); err != nil {
		return l.fail(OpBuy, id, caller, err)
	}

	l.mustSet(sold)
	l.apply(treasury)

	l.metrics.RecordSale()
	l.accepted(OpBuy, ev, start, slog.String("buyer", caller.String()), slog.String("seller", seller.String()))
	return nil
}

// Resell puts an item owned by caller back into escrow at newPrice.
// paidFee must equal the current listing fee rate exactly.
func (l *Ledger) Resell(ctx context.Context, caller domain.Account, id domain.ItemID, newPrice, paidFee decimal.Decimal) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return l.reject(OpResell, id, caller, err)
	}
	item, err := l.registry.Get(id)
	if err != nil {
		return l.reject(OpResell, id, caller, err)
	}
	if caller != item.Owner(l.escrow) {
		return l.reject(OpResell, id, caller, domain.ErrNotOwner)
	}
	if !newPrice.IsPositive() {
		return l.reject(OpResell, id, caller, domain.ErrInvalidPrice)
	}
	if !l.treasury.FeeMatches(paidFee) {
		return l.reject(OpResell, id, caller, domain.ErrInsufficientFee)
	}

	seq := l.nextSeq
	listed := item
	listed.List(caller, newPrice)
	treasury := l.treasury
	treasury.CreditFee(paidFee, seq)

	ev := &event.ItemRelistedEvent{
		BaseEvent: event.NewBase(seq),
		ItemID:    id,
		Seller:    caller,
		Price:     newPrice,
		Fee:       paidFee,
	}
	if err := l.commit(ctx, Change{Event: ev, Items: []domain.Item{listed}, Treasury: treasury}, nil); err != nil {
		return l.fail(OpResell, id, caller, err)
	}

	l.mustSet(listed)
	l.apply(treasury)

	l.metrics.RecordRelisting()
	l.accepted(OpResell, ev, start, slog.String("seller", caller.String()), slog.String("price", newPrice.String()))
	return nil
}

// UpdateListingFeeRate changes the fee charged per listing. Administrator only;
// the new rate must not be negative and has no upper bound.
func (l *Ledger) UpdateListingFeeRate(ctx context.Context, caller domain.Account, newRate decimal.Decimal) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.admin {
		return l.reject(OpUpdateFee, 0, caller, domain.ErrUnauthorized)
	}
	if err := domain.ValidateFeeRate(newRate); err != nil {
		return l.reject(OpUpdateFee, 0, caller, err)
	}

	seq := l.nextSeq
	treasury := l.treasury
	treasury.SetFeeRate(newRate, seq)

	ev := &event.FeeRateUpdatedEvent{BaseEvent: event.NewBase(seq), Rate: newRate}
	if err := l.commit(ctx, Change{Event: ev, Treasury: treasury}, nil); err != nil {
		return l.fail(OpUpdateFee, 0, caller, err)
	}
	l.apply(treasury)

	l.metrics.RecordFeeUpdate()
	l.accepted(OpUpdateFee, ev, start, slog.String("rate", newRate.String()))
	return nil
}

// Withdraw pays amount of the accumulated fees out to the administrator.
func (l *Ledger) Withdraw(ctx context.Context, caller domain.Account, amount decimal.Decimal) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.admin {
		return l.reject(OpWithdraw, 0, caller, domain.ErrUnauthorized)
	}
	if !amount.IsPositive() {
		return l.reject(OpWithdraw, 0, caller, domain.ErrInvalidAmount)
	}
	if !l.treasury.CanDebit(amount) {
		return l.reject(OpWithdraw, 0, caller, domain.ErrInsufficientBalance)
	}

	seq := l.nextSeq
	treasury := l.treasury
	treasury.Debit(amount, seq)

	ev := &event.FeesWithdrawnEvent{BaseEvent: event.NewBase(seq), To: caller, Amount: amount}
	settle := func() error {
		return l.transfer(ctx, caller, amount)
	}
	if err := l.commit(ctx, Change{Event: ev, Treasury: treasury}, settle); err != nil {
		return l.fail(OpWithdraw, 0, caller, err)
	}
	l.apply(treasury)

	l.metrics.RecordWithdrawal()
	l.accepted(OpWithdraw, ev, start, slog.String("amount", amount.String()))
	return nil
}

// ======================================================================================
// Queries
// ======================================================================================

// ListUnsold returns every listed item in ascending id order.
// The view is recomputed from the registry on each call.
func (l *Ledger) ListUnsold() []domain.Item {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Item
	l.registry.Scan(func(it domain.Item) bool {
		if it.ForSale() {
			out = append(out, it)
		}
		return true
	})
	return out
}

// Item returns a copy of a single item.
func (l *Ledger) Item(id domain.ItemID) (domain.Item, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.registry.Get(id)
}

// ItemCount returns the number of items ever created.
func (l *Ledger) ItemCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.registry.Len()
}

// ListingFeeRate returns the current listing fee.
func (l *Ledger) ListingFeeRate() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.treasury.ListingFeeRate
}

// AccumulatedFees returns the fees held by the treasury.
func (l *Ledger) AccumulatedFees() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.treasury.AccumulatedFees
}

// SaleCount returns the number of completed sales.
func (l *Ledger) SaleCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.treasury.SaleCount
}

// Treasury returns a copy of the treasury.
func (l *Ledger) Treasury() domain.Treasury {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.treasury
}

// Escrow returns the custodial account that owns listed items.
func (l *Ledger) Escrow() domain.Account {
	return l.escrow
}

// Administrator returns the privileged account.
func (l *Ledger) Administrator() domain.Account {
	return l.admin
}

// Snapshot is a consistent copy of the whole ledger (for state dump and audit).
type Snapshot struct {
	NextSeq  uint64          `json:"next_seq"`
	Treasury domain.Treasury `json:"treasury"`
	Items    []domain.Item   `json:"items"`
}

// Snapshot returns a copy of all ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := Snapshot{
		NextSeq:  l.nextSeq,
		Treasury: l.treasury,
		Items:    make([]domain.Item, 0, l.registry.Len()),
	}
	l.registry.Scan(func(it domain.Item) bool {
		snap.Items = append(snap.Items, it)
		return true
	})
	return snap
}

// VerifyInvariants checks every item and the treasury.
func (l *Ledger) VerifyInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.verifyLocked()
}

// ======================================================================================
// Replay
// ======================================================================================

// ReplayEvent applies a journaled event without payments or journaling.
// This is used exclusively to rebuild state for audits.
func (l *Ledger) ReplayEvent(ev event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Replay must still respect sequence order
	if ev.GetSeq() != l.nextSeq {
		return fmt.Errorf("REPLAY_GAP_DETECTED: expected %d, got %d", l.nextSeq, ev.GetSeq())
	}

	seq := ev.GetSeq()
	treasury := l.treasury

	switch e := ev.(type) {
	case *event.ListingCreatedEvent:
		id, err := l.registry.Allocate(e.ContentPointer, e.Price, e.Seller)
		if err != nil {
			return fmt.Errorf("replay %d: %w", seq, err)
		}
		if id != e.ItemID {
			return fmt.Errorf("replay %d: allocated item %d, journal says %d", seq, id, e.ItemID)
		}
		treasury.CreditFee(e.Fee, seq)
	case *event.ItemSoldEvent:
		it, err := l.registry.Get(e.ItemID)
		if err != nil {
			return fmt.Errorf("replay %d: %w", seq, err)
		}
		it.Sell(e.Buyer)
		l.mustSet(it)
		treasury.RecordSale(seq)
	case *event.ItemRelistedEvent:
		it, err := l.registry.Get(e.ItemID)
		if err != nil {
			return fmt.Errorf("replay %d: %w", seq, err)
		}
		it.List(e.Seller, e.Price)
		l.mustSet(it)
		treasury.CreditFee(e.Fee, seq)
	case *event.FeeRateUpdatedEvent:
		if err := domain.ValidateFeeRate(e.Rate); err != nil {
			return fmt.Errorf("replay %d: %w", seq, err)
		}
		treasury.SetFeeRate(e.Rate, seq)
	case *event.FeesWithdrawnEvent:
		if !treasury.CanDebit(e.Amount) {
			return fmt.Errorf("replay %d: %w", seq, domain.ErrInsufficientBalance)
		}
		treasury.Debit(e.Amount, seq)
	default:
		return fmt.Errorf("replay %d: unknown event type %s", seq, ev.GetType())
	}
	if err := treasury.Check(); err != nil {
		return fmt.Errorf("replay %d: %w", seq, err)
	}

	l.apply(treasury)
	return nil
}

// ======================================================================================
// Internals (mu held)
// ======================================================================================

func (l *Ledger) checkCaller(caller domain.Account) error {
	if caller.IsZero() || caller == l.escrow {
		return domain.ErrInvalidAccount
	}
	return nil
}

func (l *Ledger) transfer(ctx context.Context, to domain.Account, amount decimal.Decimal) error {
	if err := l.gateway.Transfer(ctx, to, amount); err != nil {
		return &transferError{err: err}
	}
	return nil
}

// commit checks the candidate treasury, then journals c and settles. Nothing
// is journaled or transferred for a post-state that breaks an invariant.
func (l *Ledger) commit(ctx context.Context, c Change, settle func() error) error {
	if err := c.Treasury.Check(); err != nil {
		return &invariantError{err: err}
	}
	if settle == nil {
		settle = func() error { return nil }
	}
	if l.journal == nil {
		return settle()
	}
	return l.journal.Commit(ctx, c, settle)
}

// apply installs the new treasury and advances the journal position.
func (l *Ledger) apply(treasury domain.Treasury) {
	l.treasury = treasury
	l.treasury.VerifyInvariant()
	l.nextSeq++
}

func (l *Ledger) mustSet(it domain.Item) {
	if err := l.registry.Set(it); err != nil {
		panic(fmt.Sprintf("REGISTRY_SET_FAILED: item %d: %v", it.ID, err))
	}
}

func (l *Ledger) verifyLocked() error {
	var err error
	l.registry.Scan(func(it domain.Item) bool {
		switch it.Status {
		case domain.StatusListed:
			if it.Seller.IsZero() || !it.Holder.IsZero() {
				err = fmt.Errorf("item %d: listed item must have a seller and no holder", it.ID)
			}
		case domain.StatusSold:
			if it.Holder.IsZero() || it.Holder == l.escrow {
				err = fmt.Errorf("item %d: sold item must have a non-escrow holder", it.ID)
			}
		default:
			err = fmt.Errorf("item %d: unknown status %d", it.ID, it.Status)
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	return l.treasury.Check()
}

// transferError marks a failure raised by the payment gateway inside settle,
// so it can be told apart from journal failures.
type transferError struct {
	err error
}

func (e *transferError) Error() string { return e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

// invariantError marks a candidate post-state rejected before commit.
type invariantError struct {
	err error
}

func (e *invariantError) Error() string { return e.err.Error() }
func (e *invariantError) Unwrap() error { return e.err }

func (l *Ledger) reject(op string, id domain.ItemID, caller domain.Account, err error) error {
	l.metrics.RecordRejection()
	l.logger.Warn("ledger operation rejected",
		slog.String("op", op),
		slog.Uint64("item_id", uint64(id)),
		slog.String("caller", caller.String()),
		slog.Any("error", err))
	return domain.NewLedgerError(op, id, err)
}

// fail reports a commit failure. Transfer failures map to ErrTransferFailed,
// refused post-states to a LedgerError; anything else is a journal error and
// is returned wrapped.
func (l *Ledger) fail(op string, id domain.ItemID, caller domain.Account, err error) error {
	var te *transferError
	if errors.As(err, &te) {
		l.metrics.RecordTransferFailure()
		l.logger.Warn("payment transfer failed",
			slog.String("op", op),
			slog.Uint64("item_id", uint64(id)),
			slog.String("caller", caller.String()),
			slog.Any("error", te.err))
		return domain.NewLedgerError(op, id, fmt.Errorf("%w: %v", domain.ErrTransferFailed, te.err))
	}

	var ie *invariantError
	if errors.As(err, &ie) {
		l.metrics.RecordRejection()
		l.logger.Error("ledger invariant would break, operation refused",
			slog.String("op", op),
			slog.Uint64("item_id", uint64(id)),
			slog.Any("error", ie.err))
		return domain.NewLedgerError(op, id, ie.err)
	}

	l.metrics.RecordRejection()
	l.logger.Error("ledger commit failed",
		slog.String("op", op),
		slog.Uint64("item_id", uint64(id)),
		slog.Any("error", err))
	return fmt.Errorf("%s: commit: %w", op, err)
}

func (l *Ledger) accepted(op string, ev event.Event, start time.Time, attrs ...any) {
	latency := time.Since(start)
	l.metrics.RecordLatency(latency.Nanoseconds())

	args := append([]any{
		slog.String("op", op),
		slog.Uint64("seq", ev.GetSeq()),
		slog.String("event_id", ev.GetID()),
		slog.Duration("latency", latency),
	}, attrs...)
	l.logger.Info("ledger operation applied", args...)
}
