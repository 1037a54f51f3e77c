package order_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
)

func TestNormalize_Absent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "null", raw: "null"},
		{name: "array", raw: `[{"id":"1"}]`},
		{name: "garbage", raw: `{"id":`},
		{name: "no_id", raw: `{"customerName":"Ann"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, order.Normalize(json.RawMessage(tt.raw)))
		})
	}
}

func TestNormalize_AlternateFieldNames(t *testing.T) {
	raw := `{
		"orderId": 1042,
		"customer_name": "Ann Lee",
		"customerPhone": "+1 555 0100",
		"delivery_address": "1 Main St",
		"totalPrice": "27.5",
		"orderStatus": "ACCEPTED",
		"orderDate": "2025-03-01T10:00:00+02:00",
		"storeId": "store-7",
		"driver": {"id": 9, "name": "Bo", "phone": "555"},
		"ordered_items": "[{\"productName\":\"Milk\",\"type\":\"dairy\",\"price\":2.75,\"quantity\":\"2\",\"barcode\":\"0123\",\"rackLocation\":\"A1\",\"aisle\":\"3\"},null,{\"name\":\"Eggs\",\"scanned\":true,\"quantity\":12,\"picked_quantity\":20}]"
	}`

	got := order.Normalize(json.RawMessage(raw))
	require.NotNil(t, got)

	want := &order.Order{
		ID:              "1042",
		StoreID:         "store-7",
		CustomerName:    "Ann Lee",
		PhoneNumber:     "+1 555 0100",
		DeliveryAddress: "1 Main St",
		Total:           decimal.RequireFromString("27.50"),
		Status:          order.StatusAccepted,
		Timestamp:       time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		DriverID:        "9",
		DriverName:      "Bo",
		DriverPhone:     "555",
		Items: []order.Item{
			{
				ID:       "1042_item_0",
				Name:     "Milk",
				Category: "dairy",
				Price:    decimal.RequireFromString("2.75"),
				Quantity: 2,
				Barcode:  "0123",
				Rack:     order.Rack{Location: "A1", Aisle: "3"},
				Status:   order.ItemPending,
			},
			{
				ID:             "1042_item_1",
				Name:           "Eggs",
				Price:          decimal.Zero,
				Quantity:       12,
				Status:         order.ItemScanned,
				PickedQuantity: 12,
			},
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "27.50", got.FormattedTotal())
}

func TestNormalize_Defaults(t *testing.T) {
	got := order.Normalize(json.RawMessage(`{"id":"o1","status":"mystery","items":"not json","total":"abc"}`))
	require.NotNil(t, got)

	assert.Equal(t, order.StatusPending, got.Status)
	assert.Empty(t, got.Items)
	assert.True(t, got.Total.IsZero())
	assert.True(t, got.Timestamp.IsZero())

	got = order.Normalize(json.RawMessage(`{"id":"o2","items":[{"quantity":0,"status":"weird"}]}`))
	require.NotNil(t, got)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 1, got.Items[0].Quantity)
	assert.Equal(t, order.ItemPending, got.Items[0].Status)
	assert.Equal(t, "Unnamed item", got.Items[0].Name)
}

func TestNormalize_DeliveredMapsToCompleted(t *testing.T) {
	got := order.Normalize(json.RawMessage(`{"id":"o1","status":"delivered"}`))
	require.NotNil(t, got)
	assert.Equal(t, order.StatusCompleted, got.Status)
}

func TestNormalize_ScannedFieldsCoupling(t *testing.T) {
	raw := `{"id":"o1","items":[
		{"id":"a","status":"scanned","quantity":3},
		{"id":"b","status":"located","quantity":2,"pickedQuantity":2,"scannedAt":"2025-01-01T00:00:00Z"},
		{"id":"c","status":"scanned","quantity":2,"pickedQuantity":1,"scannedAt":1735689600000}
	]}`

	got := order.Normalize(json.RawMessage(raw))
	require.NotNil(t, got)
	require.Len(t, got.Items, 3)

	for _, it := range got.Items {
		if it.Status == order.ItemScanned {
			assert.NotNil(t, it.ScannedAt, "item %s", it.ID)
			assert.GreaterOrEqual(t, it.PickedQuantity, 1, "item %s", it.ID)
			assert.LessOrEqual(t, it.PickedQuantity, it.Quantity, "item %s", it.ID)
		} else {
			assert.Zero(t, it.PickedQuantity, "item %s", it.ID)
			assert.Nil(t, it.ScannedAt, "item %s", it.ID)
		}
	}
	assert.Equal(t, 3, got.Items[0].PickedQuantity)
	assert.Equal(t, 1, got.Items[2].PickedQuantity)
	require.NotNil(t, got.Items[2].ScannedAt)
	assert.True(t, got.Items[2].ScannedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestNormalize_ScannedAtFallback(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{
			name: "own_scan_time",
			raw:  `{"id":"o1","timestamp":"2025-03-01T09:00:00Z","items":[{"id":"a","status":"scanned","scannedAt":"2025-03-01T09:30:00Z"}]}`,
			want: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		},
		{
			name: "order_time",
			raw:  `{"id":"o1","timestamp":"2025-03-01T09:00:00Z","items":[{"id":"a","status":"scanned","quantity":2}]}`,
			want: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "no_times_at_all",
			raw:  `{"id":"o1","items":[{"id":"a","scanned":true}]}`,
			want: time.Unix(0, 0).UTC(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := order.Normalize(json.RawMessage(tt.raw))
			require.NotNil(t, got)
			require.Len(t, got.Items, 1)
			require.NotNil(t, got.Items[0].ScannedAt)
			assert.True(t, tt.want.Equal(*got.Items[0].ScannedAt), "got %s", got.Items[0].ScannedAt)

			encoded, err := json.Marshal(got)
			require.NoError(t, err)
			again := order.Normalize(encoded)
			require.NotNil(t, again)
			require.NotNil(t, again.Items[0].ScannedAt)
			assert.True(t, tt.want.Equal(*again.Items[0].ScannedAt))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	payloads := []string{
		`{"orderId":7,"totalPrice":10,"orderStatus":"Ready","items":[{"name":"A","price":"1.5","quantity":2},{"productName":"B","scanned":true}]}`,
		`{"id":"x","timestamp":1735689600000,"items":"[{\"title\":\" Soap \",\"rack\":{\"location\":\"B2\",\"floor\":\"1\"}}]"}`,
		`{"id":"y","status":"assigned","driverId":"d1","items":[{"id":"i1","status":"scanned","quantity":2,"pickedQuantity":2,"scannedAt":"2025-05-05T05:05:05.5Z"},{"id":"i2","status":"unavailable"}]}`,
		`{"order_id":"z","ordered_items":[null,1,"x",{"item_id":"q","qty":"3.0","unitPrice":"0.99"}]}`,
	}

	for i, raw := range payloads {
		first := order.Normalize(json.RawMessage(raw))
		require.NotNil(t, first, "payload %d", i)

		encoded, err := json.Marshal(first)
		require.NoError(t, err)

		second := order.Normalize(encoded)
		require.NotNil(t, second, "payload %d", i)

		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("payload %d: second normalization differs (-first +second):\n%s", i, diff)
		}
	}
}

func TestNormalize_SyntheticItemIDsStable(t *testing.T) {
	raw := json.RawMessage(`{"id":"o9","items":[{"name":"A"},{"name":"B"}]}`)

	a := order.Normalize(raw)
	b := order.Normalize(raw)
	require.NotNil(t, a)
	require.NotNil(t, b)

	assert.Equal(t, []string{"o9_item_0", "o9_item_1"}, []string{a.Items[0].ID, a.Items[1].ID})
	assert.Equal(t, a.Items[0].ID, b.Items[0].ID)
	assert.Equal(t, a.Items[1].ID, b.Items[1].ID)
}
