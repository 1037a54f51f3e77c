package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

type EventType string

const (
	TypeNewOrder           EventType = "grocery_order"
	TypeOrderStatusUpdated EventType = "order_status_updated"
	TypeOrderUpdated       EventType = "order_updated"
)

// Event is the data part of a store notification.
type Event struct {
	Type    EventType `json:"type"`
	OrderID string    `json:"orderId,omitempty"`
	StoreID string    `json:"storeId,omitempty"`
}

func (e Event) IsNewOrder() bool {
	return e.Type == TypeNewOrder
}

// IsOrderChange reports whether the event invalidates the whole order list.
func (e Event) IsOrderChange() bool {
	return e.Type == TypeOrderStatusUpdated || e.Type == TypeOrderUpdated
}

// UnmarshalJSON accepts ids as strings or numbers, snake_case keys and a
// notification body that nests the event under "data".
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("notify: decode event: %w", err)
	}

	if _, ok := raw["type"]; !ok {
		if data, ok := raw["data"]; ok {
			return e.UnmarshalJSON(data)
		}
	}

	*e = Event{
		Type:    EventType(scalarText(raw["type"])),
		OrderID: scalarText(first(raw, "orderId", "order_id")),
		StoreID: scalarText(first(raw, "storeId", "store_id")),
	}
	return nil
}

func first(raw map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			return v
		}
	}
	return nil
}

func scalarText(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return ""
		}
		return s
	}
	if v[0] == '{' || v[0] == '[' {
		return ""
	}
	return string(v)
}

// Handler receives decoded events. It must not block for long.
type Handler func(ctx context.Context, ev Event)

// Source delivers push events until ctx is cancelled.
type Source interface {
	Listen(ctx context.Context, h Handler) error
}

// Publisher sends events to every listener of a store.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
