package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
)

func (e *Engine) current(id string) (order.Order, error) {
	o, ok := e.Order(id)
	if !ok {
		return order.Order{}, fmt.Errorf("fulfillment: order %s: %w", id, order.ErrOrderNotFound)
	}
	return o, nil
}

// AcceptOrder confirms a pending order. The list changes only after the
// server accepted the update.
func (e *Engine) AcceptOrder(ctx context.Context, id string) error {
	o, err := e.current(id)
	if err != nil {
		return err
	}
	next, err := order.Next(o.Status, order.ActionAccept)
	if err != nil {
		return fmt.Errorf("fulfillment: accept order %s: %w", id, err)
	}

	if err := e.backend.UpdateOrderStatus(ctx, id, next); err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("fulfillment: accept failed")
		return fmt.Errorf("fulfillment: accept order %s: %w", id, err)
	}

	e.dispatch(action{kind: actionPatchStatus, orderID: id, status: next})
	log.Info().Str("order_id", id).Stringer("new_status", next).Msg("fulfillment: order accepted")
	return nil
}

// RejectOrder marks a pending order rejected immediately and tells the
// server in the background. A server failure is logged and the local state
// is kept. A successful server response re-applies the rejection so the
// last response to arrive decides the status.
func (e *Engine) RejectOrder(ctx context.Context, id string) error {
	err := e.update(func(orders []order.Order) (action, error) {
		idx := indexOf(orders, id)
		if idx < 0 {
			return action{}, fmt.Errorf("fulfillment: order %s: %w", id, order.ErrOrderNotFound)
		}
		next, err := order.Next(orders[idx].Status, order.ActionReject)
		if err != nil {
			return action{}, fmt.Errorf("fulfillment: reject order %s: %w", id, err)
		}
		return action{kind: actionPatchStatus, orderID: id, status: next}, nil
	})
	if err != nil {
		return err
	}

	sent := e.background(ctx, func(ctx context.Context) {
		if err := e.backend.UpdateOrderStatus(ctx, id, order.StatusRejected); err != nil {
			log.Error().Err(err).Str("order_id", id).Msg("fulfillment: reject not confirmed by server")
			return
		}
		e.dispatch(action{kind: actionPatchStatus, orderID: id, status: order.StatusRejected})
	})
	if !sent {
		log.Warn().Str("order_id", id).Msg("fulfillment: engine stopping, reject kept locally only")
	}

	log.Info().Str("order_id", id).Msg("fulfillment: order rejected")
	return nil
}

// MarkOrderReady moves an accepted order to ready once every item is
// scanned or unavailable. On success the whole list is re-fetched to pick
// up concurrent changes.
func (e *Engine) MarkOrderReady(ctx context.Context, id string) error {
	o, err := e.current(id)
	if err != nil {
		return err
	}
	next, err := order.Next(o.Status, order.ActionMarkReady)
	if err != nil {
		return fmt.Errorf("fulfillment: mark order %s ready: %w", id, err)
	}
	if !order.AllProcessed(o.Items) {
		done, total := order.Progress(o.Items)
		return fmt.Errorf("%w: order %s has %d of %d items processed", ErrPickingIncomplete, id, done, total)
	}

	if err := e.backend.UpdateOrderStatus(ctx, id, next); err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("fulfillment: mark ready failed")
		return fmt.Errorf("fulfillment: mark order %s ready: %w", id, err)
	}

	e.dispatch(action{kind: actionPatchStatus, orderID: id, status: next})
	log.Info().Str("order_id", id).Stringer("new_status", next).Msg("fulfillment: order ready")

	if err := e.RefreshOrders(ctx, e.cfg.StatusFilter); err != nil {
		log.Warn().Err(err).Str("order_id", id).Msg("fulfillment: refresh after ready failed")
	}
	return nil
}

// AssignDriver requests a driver for a ready order. Only one assignment per
// order may be in flight. order.ErrNoDriversAvailable is returned as is
// (wrapped) so callers can show it apart from other failures.
func (e *Engine) AssignDriver(ctx context.Context, id string) (*order.Assignment, error) {
	o, err := e.current(id)
	if err != nil {
		return nil, err
	}
	next, err := order.Next(o.Status, order.ActionAssignDriver)
	if err != nil {
		return nil, fmt.Errorf("fulfillment: assign driver to %s: %w", id, err)
	}

	if !e.beginAssign(id) {
		return nil, ErrAssignmentInProgress
	}
	defer e.endAssign(id)

	storeID := o.StoreID
	if storeID == "" {
		storeID = e.cfg.StoreID
	}

	assignment, err := e.backend.AssignDriver(ctx, id, storeID)
	if err != nil {
		if errors.Is(err, order.ErrNoDriversAvailable) {
			log.Warn().Str("order_id", id).Str("store_id", storeID).Msg("fulfillment: no drivers available")
		} else {
			log.Error().Err(err).Str("order_id", id).Msg("fulfillment: assign driver failed")
		}
		return nil, fmt.Errorf("fulfillment: assign driver to %s: %w", id, err)
	}

	e.dispatch(action{kind: actionPatchStatus, orderID: id, status: next, assignment: assignment})
	log.Info().Str("order_id", id).Str("driver_id", assignment.DriverID).Msg("fulfillment: driver assigned")

	if err := e.RefreshOrders(ctx, e.cfg.StatusFilter); err != nil {
		log.Warn().Err(err).Str("order_id", id).Msg("fulfillment: refresh after assignment failed")
	}
	return assignment, nil
}

func (e *Engine) beginAssign(id string) bool {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()
	if e.assigning[id] {
		return false
	}
	e.assigning[id] = true
	return true
}

func (e *Engine) endAssign(id string) {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()
	delete(e.assigning, id)
}
