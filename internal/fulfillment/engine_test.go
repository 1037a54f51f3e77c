package fulfillment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/store-fulfillment/internal/fulfillment"
	"github.com/vasiliy-maslov/store-fulfillment/internal/notify"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
	"github.com/vasiliy-maslov/store-fulfillment/internal/scan"
)

type statusCall struct {
	id     string
	status order.OrderStatus
}

type itemStatusCall struct {
	itemID string
	status order.ItemStatus
}

// fakeBackend serves canned payloads. Hooks left nil succeed.
type fakeBackend struct {
	mu sync.Mutex

	orders    []json.RawMessage
	listErrs  []error
	listCalls int

	getOrder     func(id string) (json.RawMessage, error)
	updateStatus func(ctx context.Context, id string, status order.OrderStatus) error
	assign       func(ctx context.Context, orderID, storeID string) (*order.Assignment, error)
	scanErr      error
	itemErr      error

	statusCalls []statusCall
	assignCalls int
	scans       []order.ScanRecord
	itemCalls   []itemStatusCall
}

func (b *fakeBackend) setOrders(raws ...json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = raws
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

func (b *fakeBackend) ListOrders(ctx context.Context, storeID string, status order.OrderStatus) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	if len(b.listErrs) > 0 {
		err := b.listErrs[0]
		b.listErrs = b.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]json.RawMessage(nil), b.orders...), nil
}

func (b *fakeBackend) GetOrder(ctx context.Context, id string) (json.RawMessage, error) {
	if b.getOrder == nil {
		return nil, order.ErrOrderNotFound
	}
	return b.getOrder(id)
}

func (b *fakeBackend) UpdateOrderStatus(ctx context.Context, id string, status order.OrderStatus) error {
	b.mu.Lock()
	b.statusCalls = append(b.statusCalls, statusCall{id: id, status: status})
	hook := b.updateStatus
	b.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook(ctx, id, status)
}

func (b *fakeBackend) AssignDriver(ctx context.Context, orderID, storeID string) (*order.Assignment, error) {
	b.mu.Lock()
	b.assignCalls++
	hook := b.assign
	b.mu.Unlock()

	if hook == nil {
		return &order.Assignment{OrderID: orderID, DriverID: "d1"}, nil
	}
	return hook(ctx, orderID, storeID)
}

func (b *fakeBackend) PersistItemScan(ctx context.Context, orderID string, rec order.ScanRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scans = append(b.scans, rec)
	return b.scanErr
}

func (b *fakeBackend) UpdateItemStatus(ctx context.Context, itemID string, status order.ItemStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itemCalls = append(b.itemCalls, itemStatusCall{itemID: itemID, status: status})
	return b.itemErr
}

func (b *fakeBackend) recordedStatuses() []statusCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]statusCall(nil), b.statusCalls...)
}

func rawOrder(t *testing.T, id, status string, items ...map[string]any) json.RawMessage {
	t.Helper()
	if items == nil {
		items = []map[string]any{}
	}
	b, err := json.Marshal(map[string]any{
		"id":           id,
		"storeId":      "s1",
		"customerName": "Customer " + id,
		"status":       status,
		"totalAmount":  "12.50",
		"items":        items,
	})
	require.NoError(t, err)
	return b
}

func rawItem(id, barcode string, qty int) map[string]any {
	return map[string]any{
		"id":       id,
		"name":     "Item " + id,
		"barcode":  barcode,
		"quantity": qty,
		"status":   "pending",
	}
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, b *fakeBackend, opts ...fulfillment.Option) *fulfillment.Engine {
	t.Helper()
	opts = append([]fulfillment.Option{fulfillment.WithClock(func() time.Time { return fixedNow })}, opts...)
	e := fulfillment.NewEngine(b, fulfillment.Config{
		StoreID:        "s1",
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: time.Second,
	}, opts...)
	t.Cleanup(e.Stop)
	return e
}

func loaded(t *testing.T, b *fakeBackend, raws ...json.RawMessage) *fulfillment.Engine {
	t.Helper()
	b.setOrders(raws...)
	e := newEngine(t, b)
	require.NoError(t, e.RefreshOrders(context.Background(), ""))
	return e
}

func statusOf(t *testing.T, e *fulfillment.Engine, id string) order.OrderStatus {
	t.Helper()
	o, ok := e.Order(id)
	require.True(t, ok, "order %s missing", id)
	return o.Status
}

func TestEngine_RefreshOrders(t *testing.T) {
	t.Run("dedup_keeps_first", func(t *testing.T) {
		b := &fakeBackend{}
		first := rawOrder(t, "o1", "pending")
		dup := json.RawMessage(`{"id":"o1","customerName":"Someone else","status":"accepted"}`)
		e := loaded(t, b, first, rawOrder(t, "o2", "accepted"), dup, json.RawMessage(`{"customerName":"no id"}`))

		orders := e.Orders()
		require.Len(t, orders, 2)
		assert.Equal(t, "o1", orders[0].ID)
		assert.Equal(t, "Customer o1", orders[0].CustomerName)
		assert.Equal(t, order.StatusPending, orders[0].Status)
		assert.Equal(t, "o2", orders[1].ID)
	})

	t.Run("replaces_whole_list", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "pending"), rawOrder(t, "o2", "pending"))

		b.setOrders(rawOrder(t, "o3", "pending"))
		require.NoError(t, e.RefreshOrders(context.Background(), ""))

		orders := e.Orders()
		require.Len(t, orders, 1)
		assert.Equal(t, "o3", orders[0].ID)
	})

	t.Run("error_keeps_list", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		b.mu.Lock()
		b.listErrs = []error{errors.New("boom")}
		b.mu.Unlock()

		err := e.RefreshOrders(context.Background(), "")
		require.Error(t, err)
		assert.Len(t, e.Orders(), 1)
	})

	t.Run("items_never_nil", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, json.RawMessage(`{"id":"o1","status":"pending"}`))

		o, ok := e.Order("o1")
		require.True(t, ok)
		assert.NotNil(t, o.Items)
		assert.Empty(t, o.Items)
	})
}

func TestEngine_AcceptOrder(t *testing.T) {
	t.Run("server_accepts", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		require.NoError(t, e.AcceptOrder(context.Background(), "o1"))
		assert.Equal(t, order.StatusAccepted, statusOf(t, e, "o1"))
		assert.Equal(t, []statusCall{{id: "o1", status: order.StatusAccepted}}, b.recordedStatuses())
	})

	t.Run("server_error_leaves_list_unchanged", func(t *testing.T) {
		b := &fakeBackend{
			updateStatus: func(ctx context.Context, id string, status order.OrderStatus) error {
				return errors.New("api: unexpected status 500")
			},
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		err := e.AcceptOrder(context.Background(), "o1")
		require.Error(t, err)
		assert.Equal(t, order.StatusPending, statusOf(t, e, "o1"))
	})

	t.Run("invalid_transition_skips_server", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "ready"))

		err := e.AcceptOrder(context.Background(), "o1")
		assert.ErrorIs(t, err, order.ErrInvalidStatusTransition)
		assert.Empty(t, b.recordedStatuses())
	})

	t.Run("unknown_order", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b)

		err := e.AcceptOrder(context.Background(), "missing")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})
}

func TestEngine_RejectOrder(t *testing.T) {
	t.Run("applied_before_server_answers", func(t *testing.T) {
		release := make(chan struct{})
		b := &fakeBackend{
			updateStatus: func(ctx context.Context, id string, status order.OrderStatus) error {
				<-release
				return nil
			},
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		require.NoError(t, e.RejectOrder(context.Background(), "o1"))
		assert.Equal(t, order.StatusRejected, statusOf(t, e, "o1"))

		close(release)
		e.Stop()
		assert.Equal(t, []statusCall{{id: "o1", status: order.StatusRejected}}, b.recordedStatuses())
	})

	t.Run("server_failure_keeps_local_state", func(t *testing.T) {
		b := &fakeBackend{
			updateStatus: func(ctx context.Context, id string, status order.OrderStatus) error {
				return errors.New("network down")
			},
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		require.NoError(t, e.RejectOrder(context.Background(), "o1"))
		e.Stop()
		assert.Equal(t, order.StatusRejected, statusOf(t, e, "o1"))
	})

	t.Run("caller_cancellation_does_not_abort_call", func(t *testing.T) {
		b := &fakeBackend{
			updateStatus: func(ctx context.Context, id string, status order.OrderStatus) error {
				return ctx.Err()
			},
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, e.RejectOrder(ctx, "o1"))
		cancel()
		e.Stop()

		assert.Len(t, b.recordedStatuses(), 1)
		assert.Equal(t, order.StatusRejected, statusOf(t, e, "o1"))
	})

	t.Run("kept_locally_while_stopping", func(t *testing.T) {
		release := make(chan struct{})
		b := &fakeBackend{
			updateStatus: func(ctx context.Context, id string, status order.OrderStatus) error {
				if id == "o1" {
					<-release
				}
				return nil
			},
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"), rawOrder(t, "o2", "pending"))
		ctx := context.Background()

		require.NoError(t, e.RejectOrder(ctx, "o1"))

		stopped := make(chan struct{})
		go func() {
			e.Stop()
			close(stopped)
		}()
		require.Eventually(t, e.Stopping, time.Second, time.Millisecond)

		require.NoError(t, e.RejectOrder(ctx, "o2"))
		assert.Equal(t, order.StatusRejected, statusOf(t, e, "o2"))
		assert.ErrorIs(t, e.Start(ctx), fulfillment.ErrStopping)

		close(release)
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("Stop did not return")
		}
		assert.Equal(t, []statusCall{{id: "o1", status: order.StatusRejected}}, b.recordedStatuses())
		assert.False(t, e.Stopping())
	})

	t.Run("concurrent_with_stop", func(t *testing.T) {
		const n = 20
		raws := make([]json.RawMessage, 0, n)
		for i := range n {
			raws = append(raws, rawOrder(t, fmt.Sprintf("o%d", i), "pending"))
		}
		b := &fakeBackend{}
		e := loaded(t, b, raws...)

		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, e.RejectOrder(context.Background(), fmt.Sprintf("o%d", i)))
			}()
		}
		e.Stop()
		wg.Wait()
		e.Stop()

		assert.LessOrEqual(t, len(b.recordedStatuses()), n)
		for i := range n {
			assert.Equal(t, order.StatusRejected, statusOf(t, e, fmt.Sprintf("o%d", i)))
		}
	})

	t.Run("only_pending_orders", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "accepted"))

		err := e.RejectOrder(context.Background(), "o1")
		assert.ErrorIs(t, err, order.ErrInvalidStatusTransition)
		e.Stop()
		assert.Empty(t, b.recordedStatuses())
	})
}

func TestEngine_AcceptRejectRace(t *testing.T) {
	acceptStarted := make(chan struct{})
	acceptGate := make(chan struct{})
	rejectGate := make(chan struct{})

	b := &fakeBackend{
		updateStatus: func(ctx context.Context, id string, status order.OrderStatus) error {
			switch status {
			case order.StatusAccepted:
				close(acceptStarted)
				<-acceptGate
			case order.StatusRejected:
				<-rejectGate
			}
			return nil
		},
	}
	e := loaded(t, b, rawOrder(t, "o1", "pending"))

	acceptDone := make(chan error, 1)
	go func() { acceptDone <- e.AcceptOrder(context.Background(), "o1") }()
	<-acceptStarted

	require.NoError(t, e.RejectOrder(context.Background(), "o1"))
	assert.Equal(t, order.StatusRejected, statusOf(t, e, "o1"))

	close(acceptGate)
	require.NoError(t, <-acceptDone)
	assert.Equal(t, order.StatusAccepted, statusOf(t, e, "o1"))

	close(rejectGate)
	e.Stop()
	assert.Equal(t, order.StatusRejected, statusOf(t, e, "o1"))
}

func TestEngine_MarkOrderReady(t *testing.T) {
	items := []map[string]any{rawItem("i1", "111", 1), rawItem("i2", "222", 2)}

	t.Run("blocked_until_every_item_processed", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "accepted", items...))
		ctx := context.Background()

		assert.False(t, e.CanMarkReady("o1"))
		err := e.MarkOrderReady(ctx, "o1")
		assert.ErrorIs(t, err, fulfillment.ErrPickingIncomplete)
		assert.Empty(t, b.recordedStatuses())

		_, err = e.ScanBarcode(ctx, "o1", "i1", "111", 1)
		require.NoError(t, err)
		assert.False(t, e.CanMarkReady("o1"))

		_, err = e.MarkItemUnavailable(ctx, "o1", "i2")
		require.NoError(t, err)
		assert.True(t, e.CanMarkReady("o1"))
		assert.Contains(t, e.AvailableActions("o1"), order.ActionMarkReady)

		listCalls := b.calls()
		require.NoError(t, e.MarkOrderReady(ctx, "o1"))
		assert.Equal(t, []statusCall{{id: "o1", status: order.StatusReady}}, b.recordedStatuses())
		assert.Equal(t, listCalls+1, b.calls(), "list refreshed after ready")
	})

	t.Run("empty_order_never_ready", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "accepted"))

		assert.False(t, e.CanMarkReady("o1"))
		err := e.MarkOrderReady(context.Background(), "o1")
		assert.ErrorIs(t, err, fulfillment.ErrPickingIncomplete)
		assert.Empty(t, b.recordedStatuses())
	})

	t.Run("server_error_keeps_accepted", func(t *testing.T) {
		b := &fakeBackend{
			updateStatus: func(ctx context.Context, id string, status order.OrderStatus) error {
				return errors.New("api: unexpected status 500")
			},
		}
		scanned := rawItem("i1", "111", 1)
		scanned["status"] = "scanned"
		e := loaded(t, b, rawOrder(t, "o1", "accepted", scanned))

		require.Error(t, e.MarkOrderReady(context.Background(), "o1"))
		assert.Equal(t, order.StatusAccepted, statusOf(t, e, "o1"))
	})
}

func TestEngine_ScanBarcode(t *testing.T) {
	t.Run("mismatch_then_match", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "accepted", rawItem("i1", "8901234567890", 3)))
		ctx := context.Background()

		_, err := e.ScanBarcode(ctx, "o1", "i1", "0000000000000", 1)
		assert.ErrorIs(t, err, order.ErrBarcodeMismatch)

		o, _ := e.Order("o1")
		assert.Equal(t, order.ItemPending, o.Items[0].Status)
		assert.Empty(t, b.scans)

		it, err := e.ScanBarcode(ctx, "o1", "i1", "8901234567890", 2)
		require.NoError(t, err)
		assert.Equal(t, order.ItemScanned, it.Status)
		assert.Equal(t, 2, it.PickedQuantity)
		require.NotNil(t, it.ScannedAt)
		assert.True(t, fixedNow.Equal(*it.ScannedAt))

		require.Len(t, b.scans, 1)
		assert.Equal(t, order.ScanRecord{
			ItemID:         "i1",
			Barcode:        "8901234567890",
			Scanned:        true,
			PickedQuantity: 2,
			ScannedAt:      fixedNow,
		}, b.scans[0])
	})

	t.Run("persist_failure_keeps_local_state", func(t *testing.T) {
		b := &fakeBackend{scanErr: errors.New("api: unexpected status 503")}
		e := loaded(t, b, rawOrder(t, "o1", "accepted", rawItem("i1", "111", 1)))

		it, err := e.ScanBarcode(context.Background(), "o1", "i1", "111", 1)
		require.NoError(t, err)
		assert.Equal(t, order.ItemScanned, it.Status)

		o, _ := e.Order("o1")
		assert.Equal(t, order.ItemScanned, o.Items[0].Status)
	})

	testCases := []struct {
		name    string
		itemID  string
		qty     int
		wantErr error
	}{
		{name: "zero_quantity", itemID: "i1", qty: 0, wantErr: order.ErrInvalidQuantity},
		{name: "over_quantity", itemID: "i1", qty: 4, wantErr: order.ErrInvalidQuantity},
		{name: "unknown_item", itemID: "nope", qty: 1, wantErr: order.ErrItemNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBackend{}
			e := loaded(t, b, rawOrder(t, "o1", "accepted", rawItem("i1", "111", 3)))

			_, err := e.ScanBarcode(context.Background(), "o1", tc.itemID, "111", tc.qty)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Empty(t, b.scans)
		})
	}
}

type scriptedScanner struct {
	results []scan.Result
}

func (s *scriptedScanner) Scan(ctx context.Context) (scan.Result, error) {
	if len(s.results) == 0 {
		return scan.Result{}, errors.New("scanner exhausted")
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

type scriptedPicker struct {
	retry    []bool
	quantity int
	prompts  []scan.Outcome
}

func (p *scriptedPicker) Retry(ctx context.Context, outcome scan.Outcome, message string) bool {
	p.prompts = append(p.prompts, outcome)
	if len(p.retry) == 0 {
		return false
	}
	r := p.retry[0]
	p.retry = p.retry[1:]
	return r
}

func (p *scriptedPicker) ChooseQuantity(ctx context.Context, req scan.Request) int {
	return p.quantity
}

func TestEngine_PickItem(t *testing.T) {
	const barcode = "8901234567890"

	tests := []struct {
		name        string
		itemStatus  string
		results     []scan.Result
		retry       []bool
		quantity    int
		wantErr     error
		wantStatus  order.ItemStatus
		wantPicked  int
		wantPrompts []scan.Outcome
	}{
		{
			name: "unsupported_mismatch_then_match",
			results: []scan.Result{
				{Symbology: "qr", Value: barcode},
				{Symbology: "ean13", Value: "0000000000000"},
				{Symbology: "ean13", Value: barcode},
			},
			retry:       []bool{true, true},
			quantity:    2,
			wantStatus:  order.ItemScanned,
			wantPicked:  2,
			wantPrompts: []scan.Outcome{scan.OutcomeUnsupported, scan.OutcomeMismatch},
		},
		{
			name:        "picker_gives_up",
			results:     []scan.Result{{Symbology: "ean13", Value: "0000000000000"}},
			retry:       []bool{false},
			wantErr:     scan.ErrCancelled,
			wantStatus:  order.ItemPending,
			wantPrompts: []scan.Outcome{scan.OutcomeMismatch},
		},
		{
			name:       "already_unavailable",
			itemStatus: "unavailable",
			results:    []scan.Result{{Symbology: "ean13", Value: barcode}},
			wantErr:    order.ErrInvalidItemTransition,
			wantStatus: order.ItemUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := rawItem("i1", barcode, 3)
			if tt.itemStatus != "" {
				item["status"] = tt.itemStatus
			}
			b := &fakeBackend{}
			e := loaded(t, b, rawOrder(t, "o1", "accepted", item))
			sc := &scriptedScanner{results: tt.results}
			p := &scriptedPicker{retry: tt.retry, quantity: tt.quantity}

			it, err := e.PickItem(context.Background(), "o1", "i1", sc, p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, b.scans)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantPicked, it.PickedQuantity)
				require.Len(t, b.scans, 1)
				assert.Equal(t, order.ScanRecord{
					ItemID:         "i1",
					Barcode:        barcode,
					Scanned:        true,
					PickedQuantity: tt.wantPicked,
					ScannedAt:      fixedNow,
				}, b.scans[0])
			}
			assert.Equal(t, tt.wantPrompts, p.prompts)

			o, _ := e.Order("o1")
			assert.Equal(t, tt.wantStatus, o.Items[0].Status)
			assert.Equal(t, tt.wantPicked, o.Items[0].PickedQuantity)
		})
	}

	t.Run("unknown_item", func(t *testing.T) {
		e := loaded(t, &fakeBackend{}, rawOrder(t, "o1", "accepted", rawItem("i1", barcode, 1)))
		_, err := e.PickItem(context.Background(), "o1", "nope", &scriptedScanner{}, &scriptedPicker{})
		assert.ErrorIs(t, err, order.ErrItemNotFound)
	})
}

func TestEngine_ItemStatus(t *testing.T) {
	t.Run("locate_then_unavailable", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "accepted", rawItem("i1", "111", 1)))
		ctx := context.Background()

		it, err := e.LocateItem(ctx, "o1", "i1")
		require.NoError(t, err)
		assert.Equal(t, order.ItemLocated, it.Status)

		it, err = e.MarkItemUnavailable(ctx, "o1", "i1")
		require.NoError(t, err)
		assert.Equal(t, order.ItemUnavailable, it.Status)

		assert.Equal(t, []itemStatusCall{
			{itemID: "i1", status: order.ItemLocated},
			{itemID: "i1", status: order.ItemUnavailable},
		}, b.itemCalls)
	})

	t.Run("server_failure_keeps_local_state", func(t *testing.T) {
		b := &fakeBackend{itemErr: errors.New("offline")}
		e := loaded(t, b, rawOrder(t, "o1", "accepted", rawItem("i1", "111", 1)))

		_, err := e.MarkItemUnavailable(context.Background(), "o1", "i1")
		require.NoError(t, err)
		assert.True(t, e.CanMarkReady("o1"))
	})

	t.Run("scanned_item_cannot_become_unavailable", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "accepted", rawItem("i1", "111", 1)))
		ctx := context.Background()

		_, err := e.ScanBarcode(ctx, "o1", "i1", "111", 1)
		require.NoError(t, err)

		_, err = e.MarkItemUnavailable(ctx, "o1", "i1")
		assert.ErrorIs(t, err, order.ErrInvalidItemTransition)
		assert.Empty(t, b.itemCalls)
	})
}

func TestEngine_AssignDriver(t *testing.T) {
	t.Run("assigns_and_refreshes", func(t *testing.T) {
		b := &fakeBackend{}
		b.assign = func(ctx context.Context, orderID, storeID string) (*order.Assignment, error) {
			assert.Equal(t, "s1", storeID)
			b.setOrders(json.RawMessage(`{"id":"o1","storeId":"s1","status":"assigned","driver":{"id":"d9","name":"Ravi"}}`))
			return &order.Assignment{OrderID: orderID, DriverID: "d9", DriverName: "Ravi"}, nil
		}
		e := loaded(t, b, rawOrder(t, "o1", "ready"))

		a, err := e.AssignDriver(context.Background(), "o1")
		require.NoError(t, err)
		assert.Equal(t, "d9", a.DriverID)

		o, ok := e.Order("o1")
		require.True(t, ok)
		assert.Equal(t, order.StatusAssigned, o.Status)
		assert.Equal(t, "Ravi", o.DriverName)
	})

	t.Run("no_drivers_available", func(t *testing.T) {
		b := &fakeBackend{
			assign: func(ctx context.Context, orderID, storeID string) (*order.Assignment, error) {
				return nil, order.ErrNoDriversAvailable
			},
		}
		e := loaded(t, b, rawOrder(t, "o1", "ready"))

		_, err := e.AssignDriver(context.Background(), "o1")
		assert.ErrorIs(t, err, order.ErrNoDriversAvailable)
		assert.Equal(t, order.StatusReady, statusOf(t, e, "o1"))
	})

	t.Run("one_request_in_flight", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		b := &fakeBackend{
			assign: func(ctx context.Context, orderID, storeID string) (*order.Assignment, error) {
				close(started)
				<-release
				return &order.Assignment{OrderID: orderID, DriverID: "d1"}, nil
			},
		}
		e := loaded(t, b, rawOrder(t, "o1", "ready"))

		done := make(chan error, 1)
		go func() {
			_, err := e.AssignDriver(context.Background(), "o1")
			done <- err
		}()
		<-started

		_, err := e.AssignDriver(context.Background(), "o1")
		assert.ErrorIs(t, err, fulfillment.ErrAssignmentInProgress)

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, 1, b.assignCalls)
	})

	t.Run("requires_ready", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "accepted"))

		_, err := e.AssignDriver(context.Background(), "o1")
		assert.ErrorIs(t, err, order.ErrInvalidStatusTransition)
		assert.Zero(t, b.assignCalls)
	})
}

func TestEngine_HandleEvent(t *testing.T) {
	t.Run("new_order_is_fetched_and_prepended", func(t *testing.T) {
		b := &fakeBackend{}
		b.getOrder = func(id string) (json.RawMessage, error) {
			return rawOrder(t, id, "pending"), nil
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		e.HandleEvent(context.Background(), notify.Event{Type: notify.TypeNewOrder, OrderID: "o2", StoreID: "s1"})

		orders := e.Orders()
		require.Len(t, orders, 2)
		assert.Equal(t, "o2", orders[0].ID)
	})

	t.Run("push_overrides_stale_entry", func(t *testing.T) {
		b := &fakeBackend{}
		b.getOrder = func(id string) (json.RawMessage, error) {
			return rawOrder(t, id, "accepted"), nil
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		e.HandleEvent(context.Background(), notify.Event{Type: notify.TypeNewOrder, OrderID: "o1"})

		require.Len(t, e.Orders(), 1)
		assert.Equal(t, order.StatusAccepted, statusOf(t, e, "o1"))
	})

	t.Run("status_change_refreshes", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		b.setOrders(rawOrder(t, "o1", "accepted"))
		e.HandleEvent(context.Background(), notify.Event{Type: notify.TypeOrderStatusUpdated, OrderID: "o1"})

		assert.Equal(t, order.StatusAccepted, statusOf(t, e, "o1"))
	})

	t.Run("ignored_events", func(t *testing.T) {
		b := &fakeBackend{}
		b.getOrder = func(id string) (json.RawMessage, error) {
			t.Fatalf("unexpected fetch of %s", id)
			return nil, nil
		}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))
		listCalls := b.calls()

		e.HandleEvent(context.Background(), notify.Event{Type: "promo"})
		e.HandleEvent(context.Background(), notify.Event{Type: notify.TypeNewOrder, OrderID: "o9", StoreID: "other"})
		e.HandleEvent(context.Background(), notify.Event{Type: notify.TypeNewOrder})

		assert.Equal(t, listCalls, b.calls())
		assert.Len(t, e.Orders(), 1)
	})

	t.Run("fetch_failure_leaves_list", func(t *testing.T) {
		b := &fakeBackend{}
		e := loaded(t, b, rawOrder(t, "o1", "pending"))

		e.HandleEvent(context.Background(), notify.Event{Type: notify.TypeNewOrder, OrderID: "o2"})
		assert.Len(t, e.Orders(), 1)
	})
}

func TestEngine_Lifecycle(t *testing.T) {
	t.Run("polling_survives_errors", func(t *testing.T) {
		b := &fakeBackend{listErrs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}}
		b.setOrders(rawOrder(t, "o1", "pending"))
		e := newEngine(t, b)

		require.NoError(t, e.Start(context.Background()))
		require.Eventually(t, func() bool { return len(e.Orders()) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("stop_ends_polling", func(t *testing.T) {
		b := &fakeBackend{}
		e := newEngine(t, b)

		require.NoError(t, e.Start(context.Background()))
		require.Eventually(t, func() bool { return b.calls() >= 3 }, time.Second, 5*time.Millisecond)

		e.Stop()
		after := b.calls()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, after, b.calls())
	})

	t.Run("start_twice", func(t *testing.T) {
		b := &fakeBackend{}
		e := newEngine(t, b)

		require.NoError(t, e.Start(context.Background()))
		assert.ErrorIs(t, e.Start(context.Background()), fulfillment.ErrAlreadyRunning)
	})

	t.Run("push_source", func(t *testing.T) {
		src := notify.NewChannelSource(1)
		b := &fakeBackend{}
		b.getOrder = func(id string) (json.RawMessage, error) {
			return rawOrder(t, id, "pending"), nil
		}
		e := fulfillment.NewEngine(b, fulfillment.Config{StoreID: "s1", PollInterval: time.Hour}, fulfillment.WithEventSource(src))
		t.Cleanup(e.Stop)

		require.NoError(t, e.Start(context.Background()))
		require.NoError(t, src.Publish(context.Background(), notify.Event{Type: notify.TypeNewOrder, OrderID: "o5", StoreID: "s1"}))

		require.Eventually(t, func() bool {
			_, ok := e.Order("o5")
			return ok
		}, time.Second, 5*time.Millisecond)
	})
}

func TestEngine_Subscribe(t *testing.T) {
	b := &fakeBackend{}
	e := newEngine(t, b)

	ch, unsubscribe := e.Subscribe()
	first := <-ch
	assert.Empty(t, first.Orders)

	require.NoError(t, e.AddOrder(order.Order{ID: "o1", Status: order.StatusPending}))
	require.NoError(t, e.AddOrder(order.Order{ID: "o2", Status: order.StatusPending}))

	latest := <-ch
	assert.Greater(t, latest.Version, first.Version)
	require.Len(t, latest.Orders, 2)
	assert.Equal(t, "o2", latest.Orders[0].ID)

	latest.Orders[0].Status = order.StatusRejected
	assert.Equal(t, order.StatusPending, statusOf(t, e, "o2"), "snapshots are copies")

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	unsubscribe()
}

func TestEngine_ListAccess(t *testing.T) {
	b := &fakeBackend{}
	e := loaded(t, b,
		rawOrder(t, "o1", "pending"),
		rawOrder(t, "o2", "accepted"),
		rawOrder(t, "o3", "pending"),
	)

	pending := e.OrdersByStatus(order.StatusPending)
	require.Len(t, pending, 2)
	assert.Equal(t, "o1", pending[0].ID)
	assert.Equal(t, "o3", pending[1].ID)

	assert.ErrorIs(t, e.AddOrder(order.Order{}), fulfillment.ErrInvalidOrder)

	e.RemoveOrder("o2")
	_, ok := e.Order("o2")
	assert.False(t, ok)
	assert.Len(t, e.Orders(), 2)

	assert.ElementsMatch(t, []order.Action{order.ActionAccept, order.ActionReject}, e.AvailableActions("o1"))
	assert.Nil(t, e.AvailableActions("missing"))
}
