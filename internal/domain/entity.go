package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemRecord is the persisted row of an Item
type ItemRecord struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Seller         string          `json:"seller"`
	Holder         string          `json:"holder" gorm:"index"`
	ContentPointer string          `json:"content_pointer"`
	Price          decimal.Decimal `json:"price" gorm:"type:text"`
	Status         int             `json:"status" gorm:"index"` // Listed / Sold
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewItemRecord converts an item to its row form
func NewItemRecord(it Item) ItemRecord {
	return ItemRecord{
		ID:             uint64(it.ID),
		Seller:         string(it.Seller),
		Holder:         string(it.Holder),
		ContentPointer: it.ContentPointer,
		Price:          it.Price,
		Status:         int(it.Status),
	}
}

// Item converts the row back to a domain item
func (r ItemRecord) Item() Item {
	return Item{
		ID:             ItemID(r.ID),
		Seller:         Account(r.Seller),
		Holder:         Account(r.Holder),
		ContentPointer: r.ContentPointer,
		Price:          r.Price,
		Status:         ItemStatus(r.Status),
	}
}

// TreasuryRecord is the singleton treasury row (ID is always 1)
type TreasuryRecord struct {
	ID              uint            `gorm:"primaryKey"`
	ListingFeeRate  decimal.Decimal `gorm:"type:text"`
	AccumulatedFees decimal.Decimal `gorm:"type:text"`
	SaleCount       uint64
	LastSeq         uint64
	UpdatedAt       time.Time
}

// PayoutRecord is the running total paid out to an account
type PayoutRecord struct {
	Account   string          `gorm:"primaryKey" json:"account"`
	Amount    decimal.Decimal `gorm:"type:text" json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventRecord is one entry of the append-only ledger journal
type EventRecord struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	EventID   string    `gorm:"uniqueIndex" json:"event_id"`
	Type      string    `gorm:"index" json:"type"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
