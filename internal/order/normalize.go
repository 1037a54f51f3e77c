package order

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultItemName = "Unnamed item"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// Normalize converts an order payload in any of the shapes the server has
// used into the canonical Order. It returns nil when raw is empty, is not a
// JSON object or carries no order id. Malformed fields fall back to defaults.
// Normalize is idempotent: feeding the JSON encoding of its result back in
// yields an equal Order.
func Normalize(raw json.RawMessage) *Order {
	fields, ok := decodeObject(raw)
	if !ok {
		return nil
	}
	return normalizeFields(fields)
}

func normalizeFields(m map[string]any) *Order {
	id := stringField(m, "orderId", "id", "order_id", "_id")
	if id == "" {
		return nil
	}

	o := &Order{
		ID:                  id,
		StoreID:             stringField(m, "storeId", "store_id"),
		CustomerName:        stringField(m, "customerName", "customer_name", "customer"),
		PhoneNumber:         stringField(m, "phoneNumber", "customerPhone", "customer_phone", "phone_number", "phone"),
		DeliveryAddress:     stringField(m, "deliveryAddress", "delivery_address", "address"),
		SpecialInstructions: stringField(m, "specialInstructions", "special_instructions", "instructions", "notes"),
		PaymentType:         stringField(m, "paymentType", "payment_type", "paymentMethod"),
		Total:               decimalField(m, "totalPrice", "total", "totalAmount", "total_amount"),
		Status:              StatusPending,
		Timestamp:           timeField(m, "orderDate", "timestamp", "createdAt", "created_at"),
		DriverID:            stringField(m, "driverId", "driver_id"),
		DriverName:          stringField(m, "driverName", "driver_name"),
		DriverPhone:         stringField(m, "driverPhone", "driver_phone"),
	}

	if status, ok := ParseOrderStatus(stringField(m, "orderStatus", "status", "order_status")); ok {
		o.Status = status
	}

	if driver, ok := m["driver"].(map[string]any); ok {
		if o.DriverID == "" {
			o.DriverID = stringField(driver, "id", "driverId")
		}
		if o.DriverName == "" {
			o.DriverName = stringField(driver, "name", "driverName")
		}
		if o.DriverPhone == "" {
			o.DriverPhone = stringField(driver, "phone", "phoneNumber", "driverPhone")
		}
	}

	o.Items = normalizeItems(id, o.Timestamp, firstPresent(m, "items", "ordered_items", "orderedItems", "orderItems"))

	return o
}

func normalizeItems(orderID string, orderedAt time.Time, v any) []Item {
	var entries []any
	switch x := v.(type) {
	case []any:
		entries = x
	case string:
		dec := json.NewDecoder(strings.NewReader(x))
		dec.UseNumber()
		if err := dec.Decode(&entries); err != nil {
			entries = nil
		}
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, normalizeItem(orderID, len(items), orderedAt, m))
	}
	return items
}

// normalizeItem never returns a scanned item without ScannedAt: a missing
// scan time falls back to orderedAt, then to the Unix epoch.
func normalizeItem(orderID string, idx int, orderedAt time.Time, m map[string]any) Item {
	it := Item{
		ID:       stringField(m, "id", "itemId", "item_id", "_id"),
		Name:     stringField(m, "productName", "name", "product_name", "title"),
		Category: stringField(m, "category", "type", "productCategory", "product_category"),
		Price:    decimalField(m, "price", "unitPrice", "unit_price"),
		Barcode:  stringField(m, "barcode", "upc"),
		Image:    stringField(m, "image", "productImage", "product_image", "imageUrl"),
		Weight:   stringField(m, "weight"),
		MRP:      stringField(m, "mrp"),
		Status:   ItemPending,
	}
	if it.ID == "" {
		it.ID = fmt.Sprintf("%s_item_%d", orderID, idx)
	}
	if it.Name == "" {
		it.Name = defaultItemName
	}

	it.Quantity, _ = intField(m, "quantity", "qty")
	if it.Quantity < 1 {
		it.Quantity = 1
	}

	if rack, ok := m["rack"].(map[string]any); ok {
		it.Rack = Rack{
			Location:    stringField(rack, "location", "rackLocation"),
			Aisle:       stringField(rack, "aisle"),
			Description: stringField(rack, "description"),
			Floor:       stringField(rack, "floor"),
		}
	} else {
		it.Rack = Rack{
			Location:    stringField(m, "rackLocation", "rack_location"),
			Aisle:       stringField(m, "rackAisle", "rack_aisle", "aisle"),
			Description: stringField(m, "rackDescription", "rack_description"),
			Floor:       stringField(m, "rackFloor", "rack_floor", "floor"),
		}
	}

	switch s := ItemStatus(strings.ToLower(stringField(m, "status", "itemStatus", "item_status"))); s {
	case ItemLocated, ItemScanned, ItemUnavailable:
		it.Status = s
	}
	if scanned, _ := boolField(m, "scanned"); scanned {
		it.Status = ItemScanned
	}

	if it.Status != ItemScanned {
		return it
	}

	it.PickedQuantity, _ = intField(m, "pickedQuantity", "picked_quantity")
	if it.PickedQuantity < 1 || it.PickedQuantity > it.Quantity {
		it.PickedQuantity = it.Quantity
	}
	at := timeField(m, "scannedAt", "scanned_at")
	switch {
	case !at.IsZero():
	case !orderedAt.IsZero():
		at = orderedAt
	default:
		at = time.Unix(0, 0).UTC()
	}
	it.ScannedAt = &at
	return it
}

func decodeObject(raw []byte) (map[string]any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// stringField returns the first non-empty scalar under keys, rendered as text.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		var text string
		switch v := m[k].(type) {
		case json.Number:
			text = v.String()
		case string:
			text = strings.TrimSpace(v)
		default:
			continue
		}
		if n, err := strconv.Atoi(text); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

func decimalField(m map[string]any, keys ...string) decimal.Decimal {
	for _, k := range keys {
		var text string
		switch v := m[k].(type) {
		case json.Number:
			text = v.String()
		case string:
			text = strings.TrimSpace(v)
		default:
			continue
		}
		if d, err := decimal.NewFromString(text); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func boolField(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

// timeField accepts ISO 8601 text or epoch milliseconds. Results are in UTC.
func timeField(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			s := strings.TrimSpace(v)
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC()
				}
			}
		case json.Number:
			if ms, err := v.Int64(); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		}
	}
	return time.Time{}
}
