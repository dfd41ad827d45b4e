package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Treasury is the ledger-owned fee account.
// This is the core structure for fee invariant verification.
type Treasury struct {
	ListingFeeRate  decimal.Decimal `json:"listing_fee_rate"`
	AccumulatedFees decimal.Decimal `json:"accumulated_fees"`
	SaleCount       uint64          `json:"sale_count"`
	LastSeq         uint64          `json:"last_seq"` // Last journal sequence that modified this
}

// NewTreasury creates an empty treasury charging feeRate per listing.
func NewTreasury(feeRate decimal.Decimal) Treasury {
	return Treasury{
		ListingFeeRate:  feeRate,
		AccumulatedFees: decimal.Zero,
	}
}

// ValidateFeeRate rejects listing fee rates below zero.
func ValidateFeeRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return fmt.Errorf("%w: listing fee rate %s is negative", ErrInvalidAmount, rate)
	}
	return nil
}

// FeeMatches reports whether paid is exactly the current listing fee.
func (t *Treasury) FeeMatches(paid decimal.Decimal) bool {
	return paid.Equal(t.ListingFeeRate)
}

// CreditFee adds a collected listing fee.
func (t *Treasury) CreditFee(fee decimal.Decimal, seq uint64) {
	t.AccumulatedFees = t.AccumulatedFees.Add(fee)
	t.LastSeq = seq
}

// RecordSale counts one completed sale.
func (t *Treasury) RecordSale(seq uint64) {
	t.SaleCount++
	t.LastSeq = seq
}

// SetFeeRate replaces the listing fee rate.
func (t *Treasury) SetFeeRate(rate decimal.Decimal, seq uint64) {
	t.ListingFeeRate = rate
	t.LastSeq = seq
}

// Debit removes withdrawn fees. Panics if insufficient.
// Callers check CanDebit first; a panic here means a broken check.
func (t *Treasury) Debit(amount decimal.Decimal, seq uint64) {
	if !t.CanDebit(amount) {
		panic(fmt.Sprintf("TREASURY_INSUFFICIENT: need %s, available %s",
			amount, t.AccumulatedFees))
	}
	t.AccumulatedFees = t.AccumulatedFees.Sub(amount)
	t.LastSeq = seq
}

// CanDebit reports whether amount can be withdrawn.
func (t *Treasury) CanDebit(amount decimal.Decimal) bool {
	return amount.LessThanOrEqual(t.AccumulatedFees)
}

// Check reports the first broken treasury invariant, if any.
// Run it on a candidate post-state before the state is committed.
func (t *Treasury) Check() error {
	if t.AccumulatedFees.IsNegative() {
		return fmt.Errorf("treasury: negative accumulated fees %s", t.AccumulatedFees)
	}
	if err := ValidateFeeRate(t.ListingFeeRate); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	return nil
}

// VerifyInvariant checks that the treasury satisfies its invariants.
// Call this after any state change to ensure data integrity.
func (t *Treasury) VerifyInvariant() {
	if err := t.Check(); err != nil {
		panic(fmt.Sprintf("TREASURY_INVARIANT_BROKEN: %v", err))
	}
}
