package order

import (
	"errors"
	"fmt"
	"time"
)

var allowedItemTransitions = map[ItemStatus]map[ItemStatus]bool{
	ItemPending: {
		ItemLocated:     true,
		ItemScanned:     true,
		ItemUnavailable: true,
	},
	ItemLocated: {
		ItemScanned:     true,
		ItemUnavailable: true,
	},
	ItemScanned:     {},
	ItemUnavailable: {},
}

var (
	ErrItemNotFound          = errors.New("item not found")
	ErrInvalidItemTransition = errors.New("invalid item status transition")
	ErrBarcodeMismatch       = errors.New("barcode does not match expected item")
	ErrInvalidQuantity       = errors.New("picked quantity out of range")
)

func canTransitionItem(from, to ItemStatus) error {
	if !allowedItemTransitions[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidItemTransition, from, to)
	}
	return nil
}

// Locate marks a pending item as found on its rack.
func Locate(it Item) (Item, error) {
	if err := canTransitionItem(it.Status, ItemLocated); err != nil {
		return it, err
	}
	it.Status = ItemLocated
	return it, nil
}

// Scan records a confirmed barcode match. The barcode must equal the
// expected one exactly and quantity must be within [1, it.Quantity].
func Scan(it Item, barcode string, quantity int, at time.Time) (Item, error) {
	if err := canTransitionItem(it.Status, ItemScanned); err != nil {
		return it, err
	}
	if barcode != it.Barcode {
		return it, ErrBarcodeMismatch
	}
	if quantity < 1 || quantity > it.Quantity {
		return it, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidQuantity, quantity, it.Quantity)
	}

	at = at.UTC()
	it.Status = ItemScanned
	it.PickedQuantity = quantity
	it.ScannedAt = &at
	return it, nil
}

func MarkUnavailable(it Item) (Item, error) {
	if err := canTransitionItem(it.Status, ItemUnavailable); err != nil {
		return it, err
	}
	it.Status = ItemUnavailable
	it.PickedQuantity = 0
	it.ScannedAt = nil
	return it, nil
}

// AllProcessed reports whether there is at least one item and every item
// is scanned or unavailable. It is the only gate for marking an order ready.
func AllProcessed(items []Item) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !it.Processed() {
			return false
		}
	}
	return true
}

// Progress returns the number of processed items and the total.
func Progress(items []Item) (done, total int) {
	for _, it := range items {
		if it.Processed() {
			done++
		}
	}
	return done, len(items)
}
