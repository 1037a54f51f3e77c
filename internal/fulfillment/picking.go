package fulfillment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
	"github.com/vasiliy-maslov/store-fulfillment/internal/scan"
)

// patchItem applies transition to one item of an order atomically.
func (e *Engine) patchItem(orderID, itemID string, transition func(order.Item) (order.Item, error)) (order.Item, error) {
	var updated order.Item
	err := e.update(func(orders []order.Order) (action, error) {
		idx := indexOf(orders, orderID)
		if idx < 0 {
			return action{}, fmt.Errorf("fulfillment: order %s: %w", orderID, order.ErrOrderNotFound)
		}
		itemIdx := orders[idx].ItemIndex(itemID)
		if itemIdx < 0 {
			return action{}, fmt.Errorf("fulfillment: item %s of order %s: %w", itemID, orderID, order.ErrItemNotFound)
		}

		it, err := transition(orders[idx].Items[itemIdx])
		if err != nil {
			return action{}, fmt.Errorf("fulfillment: item %s of order %s: %w", itemID, orderID, err)
		}
		updated = it
		return action{kind: actionPatchItem, orderID: orderID, item: it}, nil
	})
	return updated, err
}

// LocateItem records that the picker found the item's rack.
func (e *Engine) LocateItem(ctx context.Context, orderID, itemID string) (order.Item, error) {
	it, err := e.patchItem(orderID, itemID, order.Locate)
	if err != nil {
		return it, err
	}
	e.persistItemStatus(ctx, orderID, it)
	return it, nil
}

// MarkItemUnavailable records that the item cannot be found in the store.
func (e *Engine) MarkItemUnavailable(ctx context.Context, orderID, itemID string) (order.Item, error) {
	it, err := e.patchItem(orderID, itemID, order.MarkUnavailable)
	if err != nil {
		return it, err
	}
	e.persistItemStatus(ctx, orderID, it)

	log.Info().Str("order_id", orderID).Str("item_id", itemID).Msg("fulfillment: item unavailable")
	return it, nil
}

// Item changes are optimistic: a failed server update keeps the local state.
func (e *Engine) persistItemStatus(ctx context.Context, orderID string, it order.Item) {
	if err := e.backend.UpdateItemStatus(ctx, it.ID, it.Status); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Str("item_id", it.ID).Stringer("status", it.Status).Msg("fulfillment: item status kept locally, server update failed")
	}
}

// ScanBarcode records a confirmed scan. The barcode must match the item's
// exactly and quantity must be within [1, item quantity]; otherwise the item
// is left unchanged. The scan is applied locally first and then persisted;
// a persistence failure is logged and the local state is kept.
func (e *Engine) ScanBarcode(ctx context.Context, orderID, itemID, barcode string, quantity int) (order.Item, error) {
	at := e.now()
	it, err := e.patchItem(orderID, itemID, func(it order.Item) (order.Item, error) {
		return order.Scan(it, barcode, quantity, at)
	})
	if err != nil {
		return it, err
	}

	rec := order.ScanRecord{
		ItemID:         it.ID,
		Barcode:        it.Barcode,
		Scanned:        true,
		PickedQuantity: it.PickedQuantity,
		ScannedAt:      *it.ScannedAt,
	}
	if err := e.backend.PersistItemScan(ctx, orderID, rec); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Str("item_id", itemID).Msg("fulfillment: scan kept locally, server update failed")
	}

	log.Info().Str("order_id", orderID).Str("item_id", itemID).Int("picked_quantity", it.PickedQuantity).Msg("fulfillment: item scanned")
	return it, nil
}

// PickItem runs a scanning session for one item and records the confirmed
// scan. A cancelled or failed session leaves the item unchanged.
func (e *Engine) PickItem(ctx context.Context, orderID, itemID string, sc scan.Scanner, p scan.Prompter) (order.Item, error) {
	o, err := e.current(orderID)
	if err != nil {
		return order.Item{}, err
	}
	idx := o.ItemIndex(itemID)
	if idx < 0 {
		return order.Item{}, fmt.Errorf("fulfillment: item %s of order %s: %w", itemID, orderID, order.ErrItemNotFound)
	}
	it := o.Items[idx]
	if it.Processed() {
		return it, fmt.Errorf("fulfillment: item %s of order %s is %s: %w", itemID, orderID, it.Status, order.ErrInvalidItemTransition)
	}

	conf, err := scan.Run(ctx, sc, p, scan.Request{
		ExpectedBarcode:  it.Barcode,
		ItemName:         it.Name,
		RequiredQuantity: it.Quantity,
	})
	if err != nil {
		return it, fmt.Errorf("fulfillment: pick item %s of order %s: %w", itemID, orderID, err)
	}

	return e.ScanBarcode(ctx, orderID, itemID, conf.Barcode, conf.Quantity)
}
