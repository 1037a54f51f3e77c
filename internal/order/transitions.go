package order

import (
	"errors"
	"fmt"
)

var allowedTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusAccepted: true,
		StatusRejected: true,
	},
	StatusAccepted: {
		StatusReady: true,
	},
	StatusReady: {
		StatusAssigned: true,
	},
	StatusAssigned: {
		StatusCompleted: true,
	},
	StatusCompleted: {},
	StatusRejected:  {},
}

var (
	ErrStatusAlreadySet        = errors.New("status is already set to the desired value")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrUnknownAction           = errors.New("unknown order action")
)

// Action is a user-facing operation on an order.
type Action string

const (
	ActionAccept       Action = "accept"
	ActionReject       Action = "reject"
	ActionStartPicking Action = "start_picking"
	ActionMarkReady    Action = "mark_ready"
	ActionAssignDriver Action = "assign_driver"
	// ActionComplete is performed by the delivery side, never from the store.
	ActionComplete Action = "complete"
)

var actionTargets = map[Action]OrderStatus{
	ActionAccept:       StatusAccepted,
	ActionReject:       StatusRejected,
	ActionMarkReady:    StatusReady,
	ActionAssignDriver: StatusAssigned,
	ActionComplete:     StatusCompleted,
}

func CanTransition(from, to OrderStatus) bool {
	return allowedTransitions[from][to]
}

// ValidateTransition returns ErrStatusAlreadySet or ErrInvalidStatusTransition
// when moving from -> to is not allowed.
func ValidateTransition(from, to OrderStatus) error {
	if from == to {
		return ErrStatusAlreadySet
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	return nil
}

// Next returns the status an action leads to from the given status.
// ActionStartPicking leaves the status unchanged.
func Next(from OrderStatus, a Action) (OrderStatus, error) {
	if a == ActionStartPicking {
		if from != StatusAccepted {
			return from, fmt.Errorf("%w: cannot start picking from %s", ErrInvalidStatusTransition, from)
		}
		return from, nil
	}

	to, ok := actionTargets[a]
	if !ok {
		return from, fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	return to, nil
}

// AvailableActions lists what the store can do with o right now.
func AvailableActions(o Order) []Action {
	switch o.Status {
	case StatusPending:
		return []Action{ActionReject, ActionAccept}
	case StatusAccepted:
		if AllProcessed(o.Items) {
			return []Action{ActionStartPicking, ActionMarkReady}
		}
		return []Action{ActionStartPicking}
	case StatusReady:
		return []Action{ActionAssignDriver}
	default:
		return nil
	}
}
