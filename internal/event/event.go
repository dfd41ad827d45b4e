package event

import (
	"encoding/json"
	"fmt"
	"time"

	"nft_market/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names a journal event kind.
type Type string

const (
	TypeListingCreated Type = "LISTING_CREATED"
	TypeItemSold       Type = "ITEM_SOLD"
	TypeItemRelisted   Type = "ITEM_RELISTED"
	TypeFeeRateUpdated Type = "FEE_RATE_UPDATED"
	TypeFeesWithdrawn  Type = "FEES_WITHDRAWN"
)

// Event is a successfully applied ledger mutation.
type Event interface {
	GetSeq() uint64
	GetID() string
	GetType() Type
	GetTime() time.Time
}

// BaseEvent carries the journal position of an event.
type BaseEvent struct {
	ID  string `json:"id"`
	Seq uint64 `json:"seq"`
	Ts  int64  `json:"ts"` // Unix Microseconds
}

// NewBase stamps a fresh event id and the current time at seq.
func NewBase(seq uint64) BaseEvent {
	return BaseEvent{
		ID:  uuid.NewString(),
		Seq: seq,
		Ts:  time.Now().UnixMicro(),
	}
}

func (b BaseEvent) GetSeq() uint64     { return b.Seq }
func (b BaseEvent) GetID() string      { return b.ID }
func (b BaseEvent) GetTime() time.Time { return time.UnixMicro(b.Ts) }

// ListingCreatedEvent records a new item entering escrow.
type ListingCreatedEvent struct {
	BaseEvent
	ItemID         domain.ItemID   `json:"item_id"`
	Seller         domain.Account  `json:"seller"`
	ContentPointer string          `json:"content_pointer"`
	Price          decimal.Decimal `json:"price"`
	Fee            decimal.Decimal `json:"fee"`
}

func (*ListingCreatedEvent) GetType() Type { return TypeListingCreated }

// ItemSoldEvent records a completed purchase and the seller payout.
type ItemSoldEvent struct {
	BaseEvent
	ItemID domain.ItemID   `json:"item_id"`
	Buyer  domain.Account  `json:"buyer"`
	Seller domain.Account  `json:"seller"`
	Price  decimal.Decimal `json:"price"`
}

func (*ItemSoldEvent) GetType() Type { return TypeItemSold }

// ItemRelistedEvent records an owner putting an item back in escrow.
type ItemRelistedEvent struct {
	BaseEvent
	ItemID domain.ItemID   `json:"item_id"`
	Seller domain.Account  `json:"seller"`
	Price  decimal.Decimal `json:"price"`
	Fee    decimal.Decimal `json:"fee"`
}

func (*ItemRelistedEvent) GetType() Type { return TypeItemRelisted }

// FeeRateUpdatedEvent records an administrator fee change.
type FeeRateUpdatedEvent struct {
	BaseEvent
	Rate decimal.Decimal `json:"rate"`
}

func (*FeeRateUpdatedEvent) GetType() Type { return TypeFeeRateUpdated }

// FeesWithdrawnEvent records fees paid out of the treasury.
type FeesWithdrawnEvent struct {
	BaseEvent
	To     domain.Account  `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

func (*FeesWithdrawnEvent) GetType() Type { return TypeFeesWithdrawn }

// Payout returns the account and amount an event paid out, if any.
func Payout(ev Event) (domain.Account, decimal.Decimal, bool) {
	switch e := ev.(type) {
	case *ItemSoldEvent:
		return e.Seller, e.Price, true
	case *FeesWithdrawnEvent:
		return e.To, e.Amount, true
	default:
		return domain.NoAccount, decimal.Zero, false
	}
}

// Encode serializes the event payload for the journal.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode rebuilds an event from its journal type and payload.
func Decode(t Type, payload []byte) (Event, error) {
	var ev Event
	switch t {
	case TypeListingCreated:
		ev = &ListingCreatedEvent{}
	case TypeItemSold:
		ev = &ItemSoldEvent{}
	case TypeItemRelisted:
		ev = &ItemRelistedEvent{}
	case TypeFeeRateUpdated:
		ev = &FeeRateUpdatedEvent{}
	case TypeFeesWithdrawn:
		ev = &FeesWithdrawnEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return ev, nil
}
