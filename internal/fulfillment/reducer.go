package fulfillment

import "github.com/vasiliy-maslov/store-fulfillment/internal/order"

type actionKind int

const (
	actionUpsert actionKind = iota
	actionSetOrders
	actionPatchStatus
	actionPatchItem
	actionRemove
)

func (k actionKind) String() string {
	switch k {
	case actionUpsert:
		return "upsert"
	case actionSetOrders:
		return "set_orders"
	case actionPatchStatus:
		return "patch_status"
	case actionPatchItem:
		return "patch_item"
	case actionRemove:
		return "remove"
	default:
		return "unknown"
	}
}

type action struct {
	kind       actionKind
	order      order.Order
	orders     []order.Order
	orderID    string
	status     order.OrderStatus
	assignment *order.Assignment
	item       order.Item
}

// reduce returns the next order list. It never modifies state or any order
// in it, so earlier snapshots stay valid.
func reduce(state []order.Order, a action) []order.Order {
	switch a.kind {
	case actionUpsert:
		o := withItems(a.order)
		if idx := indexOf(state, o.ID); idx >= 0 {
			next := append([]order.Order(nil), state...)
			next[idx] = o
			return next
		}
		next := make([]order.Order, 0, len(state)+1)
		next = append(next, o)
		return append(next, state...)

	case actionSetOrders:
		return dedup(a.orders)

	case actionPatchStatus:
		idx := indexOf(state, a.orderID)
		if idx < 0 {
			return state
		}
		next := append([]order.Order(nil), state...)
		o := next[idx]
		o.Status = a.status
		if a.assignment != nil {
			o.DriverID = a.assignment.DriverID
			o.DriverName = a.assignment.DriverName
			o.DriverPhone = a.assignment.DriverPhone
		}
		next[idx] = o
		return next

	case actionPatchItem:
		idx := indexOf(state, a.orderID)
		if idx < 0 {
			return state
		}
		itemIdx := state[idx].ItemIndex(a.item.ID)
		if itemIdx < 0 {
			return state
		}
		next := append([]order.Order(nil), state...)
		o := next[idx].Clone()
		o.Items[itemIdx] = a.item
		next[idx] = o
		return next

	case actionRemove:
		next := make([]order.Order, 0, len(state))
		for _, o := range state {
			if o.ID != a.orderID {
				next = append(next, o)
			}
		}
		return next
	}
	return state
}

// dedup keeps the first occurrence of every order id, preserving order.
func dedup(orders []order.Order) []order.Order {
	seen := make(map[string]bool, len(orders))
	out := make([]order.Order, 0, len(orders))
	for _, o := range orders {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		out = append(out, withItems(o))
	}
	return out
}

func withItems(o order.Order) order.Order {
	if o.Items == nil {
		o.Items = []order.Item{}
	}
	return o
}

func indexOf(orders []order.Order, id string) int {
	for i := range orders {
		if orders[i].ID == id {
			return i
		}
	}
	return -1
}
