package domain

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Account is an opaque external identity (wallet address, user id).
// The ledger only compares accounts by exact equality.
type Account string

// NoAccount is the zero account. It never owns or sells anything.
const NoAccount Account = ""

// IsZero reports whether the account is unset.
func (a Account) IsZero() bool {
	return a == NoAccount
}

func (a Account) String() string {
	return string(a)
}

// ItemID identifies an item. Ids start at 1 and are never reused.
type ItemID uint64

func (id ItemID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ItemStatus is the sale state of an item.
type ItemStatus int

const (
	StatusListed ItemStatus = iota + 1 // held in escrow, awaiting a buyer
	StatusSold                         // held by Holder
)

// String returns the string representation of ItemStatus
func (s ItemStatus) String() string {
	switch s {
	case StatusListed:
		return "LISTED"
	case StatusSold:
		return "SOLD"
	default:
		return "UNKNOWN"
	}
}

// Item is a single non-fungible item tracked by the ledger.
//
// While Listed the item is in escrow: Seller is entitled to the proceeds and
// Holder is unset. While Sold, Holder is the actual owner and Seller is unset.
type Item struct {
	ID             ItemID          `json:"id"`
	Seller         Account         `json:"seller"`
	Holder         Account         `json:"holder"`
	ContentPointer string          `json:"content_pointer"`
	Price          decimal.Decimal `json:"price"`
	Status         ItemStatus      `json:"status"`
}

// ForSale reports whether the item is currently listed.
func (it *Item) ForSale() bool {
	return it.Status == StatusListed
}

// Owner returns the custodial owner of the item: the escrow account while
// listed, the holder otherwise.
func (it *Item) Owner(escrow Account) Account {
	if it.ForSale() {
		return escrow
	}
	return it.Holder
}

// List puts the item into escrow on behalf of seller at price.
func (it *Item) List(seller Account, price decimal.Decimal) {
	it.Status = StatusListed
	it.Seller = seller
	it.Holder = NoAccount
	it.Price = price
}

// Sell releases the item from escrow to buyer.
func (it *Item) Sell(buyer Account) {
	it.Status = StatusSold
	it.Holder = buyer
	it.Seller = NoAccount
}
