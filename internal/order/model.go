package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAccepted  OrderStatus = "accepted"
	StatusReady     OrderStatus = "ready"
	StatusAssigned  OrderStatus = "assigned"
	StatusCompleted OrderStatus = "completed"
	StatusRejected  OrderStatus = "rejected"
)

func (s OrderStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// ParseOrderStatus matches case-insensitively. "delivered" is the legacy
// name of completed.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch s := OrderStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusAccepted, StatusReady, StatusAssigned, StatusCompleted, StatusRejected:
		return s, true
	case "delivered":
		return StatusCompleted, true
	default:
		return "", false
	}
}

type ItemStatus string

const (
	ItemPending     ItemStatus = "pending"
	ItemLocated     ItemStatus = "located"
	ItemScanned     ItemStatus = "scanned"
	ItemUnavailable ItemStatus = "unavailable"
)

func (s ItemStatus) String() string {
	return string(s)
}

type Rack struct {
	Location    string `json:"location,omitempty"`
	Aisle       string `json:"aisle,omitempty"`
	Description string `json:"description,omitempty"`
	Floor       string `json:"floor,omitempty"`
}

func (r Rack) IsZero() bool {
	return r == Rack{}
}

type Item struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Barcode  string          `json:"barcode,omitempty"`
	Image    string          `json:"image,omitempty"`
	Rack     Rack            `json:"rack"`
	Weight   string          `json:"weight,omitempty"`
	MRP      string          `json:"mrp,omitempty"`
	Status   ItemStatus      `json:"status"`
	// PickedQuantity and ScannedAt are only set while Status is ItemScanned.
	PickedQuantity int        `json:"pickedQuantity,omitempty"`
	ScannedAt      *time.Time `json:"scannedAt,omitempty"`
}

// Processed reports whether the item no longer blocks the ready gate.
func (it Item) Processed() bool {
	return it.Status == ItemScanned || it.Status == ItemUnavailable
}

type Order struct {
	ID                  string          `json:"id"`
	StoreID             string          `json:"storeId,omitempty"`
	CustomerName        string          `json:"customerName"`
	PhoneNumber         string          `json:"phoneNumber"`
	DeliveryAddress     string          `json:"deliveryAddress"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
	PaymentType         string          `json:"paymentType,omitempty"`
	Total               decimal.Decimal `json:"total"`
	Status              OrderStatus     `json:"status"`
	Items               []Item          `json:"items"`
	Timestamp           time.Time       `json:"timestamp"`
	DriverID            string          `json:"driverId,omitempty"`
	DriverName          string          `json:"driverName,omitempty"`
	DriverPhone         string          `json:"driverPhone,omitempty"`
}

// Clone returns a copy that shares no mutable state with o.
func (o Order) Clone() Order {
	c := o
	if o.Items != nil {
		c.Items = make([]Item, len(o.Items))
		copy(c.Items, o.Items)
	}
	return c
}

// FormattedTotal renders the total with two decimal places.
func (o Order) FormattedTotal() string {
	return o.Total.StringFixed(2)
}

func (o Order) ItemIndex(itemID string) int {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// ScanRecord is what gets persisted to the server after a confirmed scan.
type ScanRecord struct {
	ItemID         string    `json:"itemId,omitempty"`
	Barcode        string    `json:"-"`
	Scanned        bool      `json:"scanned"`
	PickedQuantity int       `json:"pickedQuantity"`
	ScannedAt      time.Time `json:"scannedAt"`
}

// Assignment describes the driver attached to an order.
type Assignment struct {
	OrderID     string `json:"orderId"`
	DriverID    string `json:"driverId"`
	DriverName  string `json:"driverName"`
	DriverPhone string `json:"driverPhone"`
}
