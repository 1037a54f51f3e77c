package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/store-fulfillment/internal/notify"
)

var ErrEmptyOrder = errors.New("order must contain at least one item")

// EventPublisher delivers store notifications. Publishing failures never
// fail the operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

type Service interface {
	CreateOrder(ctx context.Context, orderInput *Order) (*Order, error)
	GetOrderByID(ctx context.Context, id string) (*Order, error)
	ListStoreOrders(ctx context.Context, storeID string, filter ListFilter) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, newStatus OrderStatus) error
	AssignDriver(ctx context.Context, orderID, storeID string) (*Assignment, error)
	RecordItemScan(ctx context.Context, orderID string, rec ScanRecord) error
	UpdateItemStatus(ctx context.Context, storeID, itemID string, status ItemStatus) error
}

type service struct {
	orderRepo Repository
	publisher EventPublisher
	now       func() time.Time
}

func NewService(orderRepo Repository, publisher EventPublisher) Service {
	return &service{
		orderRepo: orderRepo,
		publisher: publisher,
		now:       time.Now,
	}
}

func (s *service) CreateOrder(ctx context.Context, orderInput *Order) (*Order, error) {
	if len(orderInput.Items) == 0 {
		log.Warn().Msg("service: attempt to create order with no items")
		return nil, ErrEmptyOrder
	}

	total := decimal.Zero
	for i := range orderInput.Items {
		item := &orderInput.Items[i]

		if item.Quantity <= 0 {
			return nil, fmt.Errorf("service: quantity for item %q must be greater than zero", item.Name)
		}
		if item.Price.IsNegative() {
			return nil, fmt.Errorf("service: price for item %q cannot be negative", item.Name)
		}

		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	orderInput.Status = StatusPending
	if orderInput.Total.IsZero() {
		orderInput.Total = total
	}
	if orderInput.Timestamp.IsZero() {
		orderInput.Timestamp = s.now().UTC()
	}

	if _, err := s.orderRepo.CreateOrder(ctx, orderInput); err != nil {
		log.Error().Err(err).Msg("service: failed to create order in repository")
		return nil, fmt.Errorf("service: failed to create order: %w", err)
	}

	log.Info().Str("order_id", orderInput.ID).Str("store_id", orderInput.StoreID).Msg("service: order created")
	s.publish(ctx, notify.Event{Type: notify.TypeNewOrder, OrderID: orderInput.ID, StoreID: orderInput.StoreID})

	return orderInput, nil
}

func (s *service) GetOrderByID(ctx context.Context, id string) (*Order, error) {
	o, err := s.orderRepo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Err(err).Str("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}

		log.Error().Err(err).Str("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	return o, nil
}

func (s *service) ListStoreOrders(ctx context.Context, storeID string, filter ListFilter) ([]Order, error) {
	orders, err := s.orderRepo.GetOrdersByStore(ctx, storeID, filter)
	if err != nil {
		log.Error().Err(err).Str("store_id", storeID).Msg("service: failed to fetch store orders in repository")
		return nil, fmt.Errorf("service: failed to fetch store orders: %w", err)
	}

	return orders, nil
}

func (s *service) UpdateOrderStatus(ctx context.Context, orderID string, newStatus OrderStatus) error {
	currentOrder, err := s.orderRepo.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Err(err).Str("order_id", orderID).Stringer("new_status", newStatus).Msg("service: order not found, cannot update status")
			return ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("service: failed to get order for status update")
		return fmt.Errorf("service: failed to get order for status update: %w", err)
	}

	if currentOrder.Status == newStatus {
		log.Info().Str("order_id", orderID).Stringer("status", newStatus).Msg("service: order status is already the same, no update needed")
		return nil
	}

	if err := ValidateTransition(currentOrder.Status, newStatus); err != nil {
		log.Warn().
			Str("order_id", orderID).
			Stringer("current_status", currentOrder.Status).
			Stringer("new_status", newStatus).
			Msg("service: invalid status transition attempt")
		return fmt.Errorf("service: %w", err)
	}

	if err := s.orderRepo.UpdateOrderStatus(ctx, orderID, newStatus); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_id", orderID).Stringer("new_status", newStatus).Msg("service: failed to update order status in repository")
		return fmt.Errorf("service: failed to update order status: %w", err)
	}

	log.Info().Str("order_id", orderID).Stringer("old_status", currentOrder.Status).Stringer("new_status", newStatus).Msg("service: order status updated")
	s.publish(ctx, notify.Event{Type: notify.TypeOrderStatusUpdated, OrderID: orderID, StoreID: currentOrder.StoreID})
	return nil
}

func (s *service) AssignDriver(ctx context.Context, orderID, storeID string) (*Assignment, error) {
	assignment, err := s.orderRepo.AssignDriver(ctx, orderID, storeID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoDriversAvailable):
			log.Warn().Str("order_id", orderID).Str("store_id", storeID).Msg("service: no drivers available")
			return nil, ErrNoDriversAvailable
		case errors.Is(err, ErrOrderNotFound):
			return nil, ErrOrderNotFound
		case errors.Is(err, ErrInvalidStatusTransition):
			return nil, fmt.Errorf("service: %w", err)
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("service: failed to assign driver")
		return nil, fmt.Errorf("service: failed to assign driver: %w", err)
	}

	log.Info().Str("order_id", orderID).Str("driver_id", assignment.DriverID).Msg("service: driver assigned")
	s.publish(ctx, notify.Event{Type: notify.TypeOrderStatusUpdated, OrderID: orderID, StoreID: storeID})
	return assignment, nil
}

func (s *service) RecordItemScan(ctx context.Context, orderID string, rec ScanRecord) error {
	o, err := s.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	idx := -1
	for i, it := range o.Items {
		if it.Barcode == rec.Barcode && (rec.ItemID == "" || it.ID == rec.ItemID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrItemNotFound
	}

	if rec.ScannedAt.IsZero() {
		rec.ScannedAt = s.now()
	}
	if _, err := Scan(o.Items[idx], rec.Barcode, rec.PickedQuantity, rec.ScannedAt); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	rec.ItemID = o.Items[idx].ID

	if err := s.orderRepo.RecordItemScan(ctx, orderID, rec); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return ErrItemNotFound
		}
		log.Error().Err(err).Str("order_id", orderID).Str("barcode", rec.Barcode).Msg("service: failed to record item scan")
		return fmt.Errorf("service: failed to record item scan: %w", err)
	}

	s.publish(ctx, notify.Event{Type: notify.TypeOrderUpdated, OrderID: orderID, StoreID: o.StoreID})
	return nil
}

// UpdateItemStatus records a located or unavailable item. Scans go through
// RecordItemScan so the picked quantity is validated. Items of other stores
// are reported as not found.
func (s *service) UpdateItemStatus(ctx context.Context, storeID, itemID string, status ItemStatus) error {
	if status != ItemLocated && status != ItemUnavailable {
		return fmt.Errorf("service: %w: cannot set %s directly", ErrInvalidItemTransition, status)
	}

	owner, err := s.orderRepo.UpdateItemStatus(ctx, storeID, itemID, status)
	if err != nil {
		switch {
		case errors.Is(err, ErrItemNotFound):
			log.Warn().Str("item_id", itemID).Str("store_id", storeID).Msg("service: item not found in store")
			return ErrItemNotFound
		case errors.Is(err, ErrInvalidItemTransition):
			return fmt.Errorf("service: %w", err)
		}
		log.Error().Err(err).Str("item_id", itemID).Stringer("status", status).Msg("service: failed to update item status")
		return fmt.Errorf("service: failed to update item status: %w", err)
	}

	s.publish(ctx, notify.Event{Type: notify.TypeOrderUpdated, OrderID: owner.OrderID, StoreID: owner.StoreID})
	return nil
}

func (s *service) publish(ctx context.Context, ev notify.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("order_id", ev.OrderID).Str("event_type", string(ev.Type)).Msg("service: failed to publish notification")
	}
}
