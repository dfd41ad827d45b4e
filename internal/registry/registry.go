package registry

import (
	"fmt"

	"nft_market/internal/domain"

	"github.com/shopspring/decimal"
)

// Registry allocates item ids and stores item records.
// It holds no business rules and is not safe for concurrent use: the engine
// owns the lock.
type Registry struct {
	items []domain.Item // items[i] has ID i+1
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Next returns the id the next Allocate call will assign.
func (r *Registry) Next() domain.ItemID {
	return domain.ItemID(len(r.items) + 1)
}

// Len returns the number of items ever allocated.
func (r *Registry) Len() int {
	return len(r.items)
}

// Allocate stores a new listed item and returns its id.
func (r *Registry) Allocate(contentPointer string, price decimal.Decimal, seller domain.Account) (domain.ItemID, error) {
	if contentPointer == "" {
		return 0, domain.ErrInvalidContent
	}
	if price.IsNegative() {
		return 0, domain.ErrInvalidPrice
	}

	it := domain.Item{ID: r.Next(), ContentPointer: contentPointer}
	it.List(seller, price)
	r.items = append(r.items, it)
	return it.ID, nil
}

// Get returns a copy of the item.
func (r *Registry) Get(id domain.ItemID) (domain.Item, error) {
	if !r.has(id) {
		return domain.Item{}, domain.ErrNotFound
	}
	return r.items[id-1], nil
}

// Set replaces an allocated item with it.
func (r *Registry) Set(it domain.Item) error {
	if !r.has(it.ID) {
		return domain.ErrNotFound
	}
	r.items[it.ID-1] = it
	return nil
}

// Scan calls fn for every item in ascending id order until fn returns false.
func (r *Registry) Scan(fn func(domain.Item) bool) {
	for _, it := range r.items {
		if !fn(it) {
			return
		}
	}
}

// Restore replaces the registry contents with items loaded from storage.
// Ids must be exactly 1..len(items) in order.
func (r *Registry) Restore(items []domain.Item) error {
	restored := make([]domain.Item, len(items))
	for i, it := range items {
		if it.ID != domain.ItemID(i+1) {
			return fmt.Errorf("item id gap at position %d: got %d", i+1, it.ID)
		}
		restored[i] = it
	}
	r.items = restored
	return nil
}

func (r *Registry) has(id domain.ItemID) bool {
	return id >= 1 && uint64(id) <= uint64(len(r.items))
}
