// Package fulfillment keeps a store's order list in sync with the backend
// and exposes the order and picking operations a store manager performs.
//
// The list is owned by Engine and only changes through its reducer. Three
// channels feed it: the initial load, periodic polling and push events.
// Polling, manual refreshes and push-triggered fetches are serialized so a
// fetch never interleaves with another one's dispatch.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/store-fulfillment/internal/notify"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
)

const (
	DefaultPollInterval   = 5 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

var (
	ErrPickingIncomplete    = errors.New("fulfillment: not every item is scanned or unavailable")
	ErrAssignmentInProgress = errors.New("fulfillment: driver assignment already in progress")
	ErrAlreadyRunning       = errors.New("fulfillment: engine already running")
	ErrStopping             = errors.New("fulfillment: engine is stopping")
	ErrInvalidOrder         = errors.New("fulfillment: order has no id")
)

// Backend is the server of record.
type Backend interface {
	ListOrders(ctx context.Context, storeID string, status order.OrderStatus) ([]json.RawMessage, error)
	GetOrder(ctx context.Context, id string) (json.RawMessage, error)
	UpdateOrderStatus(ctx context.Context, id string, status order.OrderStatus) error
	AssignDriver(ctx context.Context, orderID, storeID string) (*order.Assignment, error)
	PersistItemScan(ctx context.Context, orderID string, rec order.ScanRecord) error
	UpdateItemStatus(ctx context.Context, itemID string, status order.ItemStatus) error
}

type Config struct {
	StoreID string
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// StatusFilter restricts the list fetched by the initial load and polling.
	StatusFilter order.OrderStatus
	// RequestTimeout bounds background calls that outlive the caller.
	RequestTimeout time.Duration
}

// Snapshot is an immutable view of the order list.
type Snapshot struct {
	Version uint64
	Orders  []order.Order
}

type Engine struct {
	backend Backend
	source  notify.Source
	cfg     Config
	now     func() time.Time

	mu      sync.RWMutex
	orders  []order.Order
	version uint64
	subs    map[int]chan Snapshot
	nextSub int

	refreshMu sync.Mutex

	assignMu  sync.Mutex
	assigning map[string]bool

	// runMu orders wg.Add against the wg.Wait in Stop.
	runMu    sync.Mutex
	cancel   context.CancelFunc
	stopping int
	wg       sync.WaitGroup
}

type Option func(*Engine)

// WithEventSource makes Start listen for push events.
func WithEventSource(src notify.Source) Option {
	return func(e *Engine) { e.source = src }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(backend Backend, cfg Config, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	e := &Engine{
		backend:   backend,
		cfg:       cfg,
		now:       time.Now,
		orders:    []order.Order{},
		subs:      make(map[int]chan Snapshot),
		assigning: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start performs the initial load and starts polling and, when configured,
// the push listener. A failed initial load is logged; polling retries it.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	switch {
	case e.cancel != nil:
		e.runMu.Unlock()
		return ErrAlreadyRunning
	case e.stopping > 0:
		e.runMu.Unlock()
		return ErrStopping
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	workers := 1
	if e.source != nil {
		workers++
	}
	e.wg.Add(workers)
	e.runMu.Unlock()

	if err := e.RefreshOrders(runCtx, e.cfg.StatusFilter); err != nil {
		log.Error().Err(err).Str("store_id", e.cfg.StoreID).Msg("fulfillment: initial load failed")
	}

	go e.poll(runCtx)

	if e.source != nil {
		go func() {
			defer e.wg.Done()
			if err := e.source.Listen(runCtx, e.HandleEvent); err != nil {
				log.Error().Err(err).Msg("fulfillment: event source stopped")
			}
		}()
	}

	log.Info().Str("store_id", e.cfg.StoreID).Dur("poll_interval", e.cfg.PollInterval).Msg("fulfillment: engine started")
	return nil
}

// Stop cancels polling and the push listener and waits for them and for
// any background server calls to finish. Background work requested while
// Stop waits is refused.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.stopping++
	e.runMu.Unlock()

	e.wg.Wait()

	e.runMu.Lock()
	e.stopping--
	e.runMu.Unlock()
}

func (e *Engine) poll(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshOrders(ctx, e.cfg.StatusFilter); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("store_id", e.cfg.StoreID).Msg("fulfillment: poll failed")
			}
		}
	}
}

// RefreshOrders fetches the store's orders, normalises and deduplicates
// them and replaces the whole list in one dispatch. Polling uses the same
// path.
func (e *Engine) RefreshOrders(ctx context.Context, status order.OrderStatus) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	raws, err := e.backend.ListOrders(ctx, e.cfg.StoreID, status)
	if err != nil {
		return fmt.Errorf("fulfillment: refresh orders: %w", err)
	}

	orders := make([]order.Order, 0, len(raws))
	for _, raw := range raws {
		o := order.Normalize(raw)
		if o == nil {
			log.Warn().Str("store_id", e.cfg.StoreID).Msg("fulfillment: skipping order payload without id")
			continue
		}
		orders = append(orders, *o)
	}

	e.dispatch(action{kind: actionSetOrders, orders: orders})
	return nil
}

// HandleEvent reacts to a push event: a new order is fetched and merged,
// an order change triggers a full refresh. Other events are ignored.
func (e *Engine) HandleEvent(ctx context.Context, ev notify.Event) {
	if ev.StoreID != "" && e.cfg.StoreID != "" && ev.StoreID != e.cfg.StoreID {
		return
	}

	switch {
	case ev.IsNewOrder():
		if ev.OrderID == "" {
			log.Warn().Str("event_type", string(ev.Type)).Msg("fulfillment: new order event without order id")
			return
		}
		if err := e.fetchAndMerge(ctx, ev.OrderID); err != nil {
			log.Error().Err(err).Str("order_id", ev.OrderID).Msg("fulfillment: failed to merge pushed order")
		}
	case ev.IsOrderChange():
		if err := e.RefreshOrders(ctx, e.cfg.StatusFilter); err != nil {
			log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("fulfillment: refresh after event failed")
		}
	default:
		log.Debug().Str("event_type", string(ev.Type)).Msg("fulfillment: ignoring event")
	}
}

func (e *Engine) fetchAndMerge(ctx context.Context, id string) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	raw, err := e.backend.GetOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("fulfillment: fetch order %s: %w", id, err)
	}
	o := order.Normalize(raw)
	if o == nil {
		return fmt.Errorf("fulfillment: order %s: %w", id, ErrInvalidOrder)
	}

	e.dispatch(action{kind: actionUpsert, order: *o})
	return nil
}

// AddOrder merges o into the list, replacing an entry with the same id or
// prepending it.
func (e *Engine) AddOrder(o order.Order) error {
	if o.ID == "" {
		return ErrInvalidOrder
	}
	e.dispatch(action{kind: actionUpsert, order: o.Clone()})
	return nil
}

func (e *Engine) RemoveOrder(id string) {
	e.dispatch(action{kind: actionRemove, orderID: id})
}

// Orders returns a copy of the current list.
func (e *Engine) Orders() []order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAll(e.orders)
}

func (e *Engine) OrdersByStatus(status order.OrderStatus) []order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []order.Order
	for _, o := range e.orders {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (e *Engine) Order(id string) (order.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if idx := indexOf(e.orders, id); idx >= 0 {
		return e.orders[idx].Clone(), true
	}
	return order.Order{}, false
}

// CanMarkReady reports whether the ready action should be offered.
func (e *Engine) CanMarkReady(id string) bool {
	o, ok := e.Order(id)
	return ok && o.Status == order.StatusAccepted && order.AllProcessed(o.Items)
}

func (e *Engine) AvailableActions(id string) []order.Action {
	o, ok := e.Order(id)
	if !ok {
		return nil
	}
	return order.AvailableActions(o)
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate versions. The returned func unsubscribes.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- e.snapshotLocked()
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Engine) dispatch(a action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(a)
}

// update computes an action from the current list and applies it under
// the same lock, so the check and the write cannot be separated.
func (e *Engine) update(fn func(orders []order.Order) (action, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := fn(e.orders)
	if err != nil {
		return err
	}
	e.applyLocked(a)
	return nil
}

func (e *Engine) applyLocked(a action) {
	e.orders = reduce(e.orders, a)
	e.version++

	log.Debug().Stringer("action", a.kind).Uint64("version", e.version).Int("orders", len(e.orders)).Msg("fulfillment: dispatch")

	if len(e.subs) == 0 {
		return
	}
	snap := e.snapshotLocked()
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{Version: e.version, Orders: cloneAll(e.orders)}
}

func cloneAll(orders []order.Order) []order.Order {
	out := make([]order.Order, len(orders))
	for i, o := range orders {
		out[i] = o.Clone()
	}
	return out
}

// background runs fn detached from the caller's cancellation. Stop waits
// for it. It reports false, without running fn, while Stop is waiting.
func (e *Engine) background(ctx context.Context, fn func(ctx context.Context)) bool {
	e.runMu.Lock()
	if e.stopping > 0 {
		e.runMu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.runMu.Unlock()

	go func() {
		defer e.wg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
		defer cancel()
		fn(bgCtx)
	}()
	return true
}
