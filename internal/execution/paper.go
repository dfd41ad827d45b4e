package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nft_market/internal/domain"

	"github.com/shopspring/decimal"
)

// Transfer is one completed payment.
type Transfer struct {
	To     domain.Account  `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Time   time.Time       `json:"time"`
}

// PaperGateway is an in-process domain.PaymentGateway that credits recipients
// in a local balance book. Used by the CLI and tests in place of a real
// settlement layer.
type PaperGateway struct {
	mu        sync.Mutex
	balances  map[domain.Account]decimal.Decimal
	transfers []Transfer
	haltErr   error
}

var _ domain.PaymentGateway = (*PaperGateway)(nil)

// NewPaperGateway creates an empty paper gateway.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		balances: make(map[domain.Account]decimal.Decimal),
	}
}

// Transfer credits amount to the recipient.
func (p *PaperGateway) Transfer(ctx context.Context, to domain.Account, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to.IsZero() {
		return domain.ErrInvalidAccount
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.haltErr != nil {
		return p.haltErr
	}

	p.balances[to] = p.balances[to].Add(amount)
	p.transfers = append(p.transfers, Transfer{To: to, Amount: amount, Time: time.Now()})
	p.verifyLocked()
	return nil
}

// ErrOffline is returned by a gateway halted through configuration.
var ErrOffline = errors.New("paper gateway offline")

// Halt makes every following Transfer fail with err. Halt(nil) resumes.
func (p *PaperGateway) Halt(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haltErr = err
}

// Balance returns the total credited to an account.
func (p *PaperGateway) Balance(acct domain.Account) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[acct]
}

// Restore seeds the book with previously paid totals. Existing balances for
// the same accounts are replaced.
func (p *PaperGateway) Restore(records []domain.PayoutRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range records {
		p.balances[domain.Account(r.Account)] = r.Amount
	}
	p.verifyLocked()
}

// Snapshot returns all balances sorted by account.
func (p *PaperGateway) Snapshot() []domain.PayoutRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.PayoutRecord, 0, len(p.balances))
	for acct, amt := range p.balances {
		out = append(out, domain.PayoutRecord{Account: string(acct), Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Transfers returns the payments made since the gateway was created.
func (p *PaperGateway) Transfers() []Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Transfer, len(p.transfers))
	copy(out, p.transfers)
	return out
}

// Total returns the sum of all balances.
func (p *PaperGateway) Total() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := decimal.Zero
	for _, amt := range p.balances {
		total = total.Add(amt)
	}
	return total
}

func (p *PaperGateway) verifyLocked() {
	for acct, amt := range p.balances {
		if amt.IsNegative() {
			panic(fmt.Sprintf("PAPER_BALANCE_NEGATIVE: %s = %s", acct, amt))
		}
	}
}
