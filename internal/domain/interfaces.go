package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentGateway is the environment-supplied transfer primitive.
// Transfer must report success or failure before returning; the ledger makes
// no assumption about retries inside it.
type PaymentGateway interface {
	Transfer(ctx context.Context, to Account, amount decimal.Decimal) error
}

// PaymentGatewayFunc adapts a function to PaymentGateway.
type PaymentGatewayFunc func(ctx context.Context, to Account, amount decimal.Decimal) error

// Transfer calls f(ctx, to, amount).
func (f PaymentGatewayFunc) Transfer(ctx context.Context, to Account, amount decimal.Decimal) error {
	return f(ctx, to, amount)
}
