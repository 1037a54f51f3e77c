package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrNoDriversAvailable = errors.New("no drivers available")
)

const defaultListLimit = 50

type ListFilter struct {
	Status OrderStatus
	Limit  int
	Offset int
}

type Repository interface {
	CreateOrder(ctx context.Context, order *Order) (string, error)
	GetOrderByID(ctx context.Context, id string) (*Order, error)
	GetOrdersByStore(ctx context.Context, storeID string, filter ListFilter) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, newStatus OrderStatus) error
	AssignDriver(ctx context.Context, orderID, storeID string) (*Assignment, error)
	RecordItemScan(ctx context.Context, orderID string, rec ScanRecord) error
	// UpdateItemStatus answers ErrItemNotFound for items of other stores.
	UpdateItemStatus(ctx context.Context, storeID, itemID string, status ItemStatus) (*ItemOwner, error)
}

// ItemOwner identifies the order and store an item belongs to.
type ItemOwner struct {
	OrderID string
	StoreID string
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const selectOrder = `
	SELECT o.id::text, o.store_id, o.customer_name, o.phone_number, o.delivery_address,
		o.special_instructions, o.payment_type, o.total_amount::text, o.status, o.created_at,
		COALESCE(d.id::text, ''), COALESCE(d.name, ''), COALESCE(d.phone, '')
	FROM orders o
	LEFT JOIN drivers d ON d.id = o.driver_id
`

const selectItems = `
	SELECT id::text, order_id::text, product_name, product_category, price::text, quantity,
		barcode, product_image, weight, mrp, rack_location, rack_aisle, rack_description,
		rack_floor, status, picked_quantity, scanned_at
	FROM order_items
	WHERE order_id = ANY($1)
	ORDER BY position
`

func parseID(id string) (uuid.UUID, bool) {
	parsed, err := uuid.FromString(id)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

// withTx commits when fn returns nil and rolls back otherwise.
func (r *postgresRepository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	return fn(tx)
}

func (r *postgresRepository) CreateOrder(ctx context.Context, orderInput *Order) (string, error) {
	orderID, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("repository: failed to generate order id: %w", err)
	}

	createdAt := orderInput.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err = r.withTx(ctx, func(tx pgx.Tx) error {
		queryOrder := `
			INSERT INTO orders (id, store_id, customer_name, phone_number, delivery_address,
				special_instructions, payment_type, total_amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $10)
		`
		_, err := tx.Exec(ctx, queryOrder,
			orderID,
			orderInput.StoreID,
			orderInput.CustomerName,
			orderInput.PhoneNumber,
			orderInput.DeliveryAddress,
			orderInput.SpecialInstructions,
			orderInput.PaymentType,
			orderInput.Total.String(),
			string(orderInput.Status),
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order: %w", err)
		}

		queryItem := `
			INSERT INTO order_items (id, order_id, position, product_name, product_category, price,
				quantity, barcode, product_image, weight, mrp, rack_location, rack_aisle,
				rack_description, rack_floor, status)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`
		for i := range orderInput.Items {
			item := &orderInput.Items[i]

			itemID, err := uuid.NewV4()
			if err != nil {
				return fmt.Errorf("repository: failed to generate order item id: %w", err)
			}

			_, err = tx.Exec(ctx, queryItem,
				itemID,
				orderID,
				i,
				item.Name,
				item.Category,
				item.Price.String(),
				item.Quantity,
				item.Barcode,
				item.Image,
				item.Weight,
				item.MRP,
				item.Rack.Location,
				item.Rack.Aisle,
				item.Rack.Description,
				item.Rack.Floor,
				string(ItemPending),
			)
			if err != nil {
				return fmt.Errorf("repository: failed to insert order item for order %s: %w", orderID, err)
			}
			item.ID = itemID.String()
			item.Status = ItemPending
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	orderInput.ID = orderID.String()
	orderInput.Timestamp = createdAt
	return orderInput.ID, nil
}

func (r *postgresRepository) GetOrderByID(ctx context.Context, id string) (*Order, error) {
	orderID, ok := parseID(id)
	if !ok {
		return nil, ErrOrderNotFound
	}

	o, err := scanOrder(r.db.QueryRow(ctx, selectOrder+` WHERE o.id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	items, err := r.loadItems(ctx, []uuid.UUID{orderID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	if o.Items == nil {
		o.Items = []Item{}
	}

	return &o, nil
}

func (r *postgresRepository) GetOrdersByStore(ctx context.Context, storeID string, filter ListFilter) ([]Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := selectOrder + `
		WHERE o.store_id = $1 AND ($2 = '' OR o.status = $2)
		ORDER BY o.created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, storeID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for store %s: %w", storeID, err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	var orderIDs []uuid.UUID
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order for store %s: %w", storeID, err)
		}
		orders = append(orders, o)
		orderIDs = append(orderIDs, uuid.FromStringOrNil(o.ID))
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders for store %s: %w", storeID, err)
	}

	if len(orders) == 0 {
		return orders, nil
	}

	items, err := r.loadItems(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
		if orders[i].Items == nil {
			orders[i].Items = []Item{}
		}
	}

	return orders, nil
}

func (r *postgresRepository) loadItems(ctx context.Context, orderIDs []uuid.UUID) (map[string][]Item, error) {
	rows, err := r.db.Query(ctx, selectItems, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items: %w", err)
	}
	defer rows.Close()

	byOrder := make(map[string][]Item, len(orderIDs))
	for rows.Next() {
		var (
			item      Item
			orderID   string
			price     string
			status    string
			picked    *int
			scannedAt *time.Time
		)
		err := rows.Scan(
			&item.ID,
			&orderID,
			&item.Name,
			&item.Category,
			&price,
			&item.Quantity,
			&item.Barcode,
			&item.Image,
			&item.Weight,
			&item.MRP,
			&item.Rack.Location,
			&item.Rack.Aisle,
			&item.Rack.Description,
			&item.Rack.Floor,
			&status,
			&picked,
			&scannedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item: %w", err)
		}

		item.Price, _ = decimal.NewFromString(price)
		item.Status = ItemStatus(status)
		if item.Status == ItemScanned {
			if picked != nil {
				item.PickedQuantity = *picked
			}
			item.ScannedAt = scannedAt
		}
		byOrder[orderID] = append(byOrder[orderID], item)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items: %w", err)
	}

	return byOrder, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		total  string
		status string
	)
	err := row.Scan(
		&o.ID,
		&o.StoreID,
		&o.CustomerName,
		&o.PhoneNumber,
		&o.DeliveryAddress,
		&o.SpecialInstructions,
		&o.PaymentType,
		&total,
		&status,
		&o.Timestamp,
		&o.DriverID,
		&o.DriverName,
		&o.DriverPhone,
	)
	if err != nil {
		return Order{}, err
	}

	o.Total, _ = decimal.NewFromString(total)
	o.Status = OrderStatus(status)
	o.Timestamp = o.Timestamp.UTC()
	return o, nil
}

func (r *postgresRepository) UpdateOrderStatus(ctx context.Context, id string, newStatus OrderStatus) error {
	orderID, ok := parseID(id)
	if !ok {
		return ErrOrderNotFound
	}

	query := `
		UPDATE orders
		SET status = $1, updated_at = $2
		WHERE id = $3
	`
	cmdTag, err := r.db.Exec(ctx, query, string(newStatus), time.Now().UTC(), orderID)
	if err != nil {
		log.Error().Err(err).Str("order_id", id).Stringer("new_status", newStatus).Msg("repository: failed to update order status")
		return fmt.Errorf("repository: failed to update order status %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		log.Warn().Str("order_id", id).Stringer("new_status", newStatus).Msg("repository: order not found for status update")
		return ErrOrderNotFound
	}

	return nil
}

// AssignDriver picks the available driver of the store that has waited
// longest and attaches them to a ready order.
func (r *postgresRepository) AssignDriver(ctx context.Context, id, storeID string) (*Assignment, error) {
	orderID, ok := parseID(id)
	if !ok {
		return nil, ErrOrderNotFound
	}

	assignment := &Assignment{OrderID: id}
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 AND store_id = $2 FOR UPDATE`, orderID, storeID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("repository: failed to lock order %s: %w", id, err)
		}
		if !CanTransition(OrderStatus(status), StatusAssigned) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, status, StatusAssigned)
		}

		queryDriver := `
			SELECT id::text, name, phone
			FROM drivers
			WHERE store_id = $1 AND available
			ORDER BY last_assigned_at NULLS FIRST
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`
		err = tx.QueryRow(ctx, queryDriver, storeID).Scan(&assignment.DriverID, &assignment.DriverName, &assignment.DriverPhone)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoDriversAvailable
			}
			return fmt.Errorf("repository: failed to select driver for store %s: %w", storeID, err)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE drivers SET available = false, last_assigned_at = $1 WHERE id = $2`, now, uuid.FromStringOrNil(assignment.DriverID)); err != nil {
			return fmt.Errorf("repository: failed to reserve driver %s: %w", assignment.DriverID, err)
		}

		queryOrder := `
			UPDATE orders
			SET driver_id = $1, status = $2, updated_at = $3
			WHERE id = $4
		`
		if _, err := tx.Exec(ctx, queryOrder, uuid.FromStringOrNil(assignment.DriverID), string(StatusAssigned), now, orderID); err != nil {
			return fmt.Errorf("repository: failed to assign driver to order %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return assignment, nil
}

func (r *postgresRepository) RecordItemScan(ctx context.Context, id string, rec ScanRecord) error {
	orderID, ok := parseID(id)
	if !ok {
		return ErrOrderNotFound
	}

	query := `
		UPDATE order_items
		SET status = $1, picked_quantity = $2, scanned_at = $3
		WHERE order_id = $4 AND barcode = $5 AND ($6 = '' OR id::text = $6)
			AND status IN ('pending', 'located') AND quantity >= $2
	`
	cmdTag, err := r.db.Exec(ctx, query,
		string(ItemScanned),
		rec.PickedQuantity,
		rec.ScannedAt.UTC(),
		orderID,
		rec.Barcode,
		rec.ItemID,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to record item scan for order %s: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		log.Warn().Str("order_id", id).Str("barcode", rec.Barcode).Msg("repository: no scannable item matched")
		return ErrItemNotFound
	}

	return nil
}

func (r *postgresRepository) UpdateItemStatus(ctx context.Context, storeID, id string, status ItemStatus) (*ItemOwner, error) {
	itemID, ok := parseID(id)
	if !ok {
		return nil, ErrItemNotFound
	}

	owner := &ItemOwner{}
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		queryLock := `
			SELECT i.status, o.id::text, o.store_id
			FROM order_items i
			JOIN orders o ON o.id = i.order_id
			WHERE i.id = $1 AND o.store_id = $2
			FOR UPDATE OF i
		`
		err := tx.QueryRow(ctx, queryLock, itemID, storeID).Scan(&current, &owner.OrderID, &owner.StoreID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrItemNotFound
			}
			return fmt.Errorf("repository: failed to lock order item %s: %w", id, err)
		}
		if err := canTransitionItem(ItemStatus(current), status); err != nil {
			return err
		}

		queryUpdate := `
			UPDATE order_items
			SET status = $1, picked_quantity = NULL, scanned_at = NULL
			WHERE id = $2
		`
		if _, err := tx.Exec(ctx, queryUpdate, string(status), itemID); err != nil {
			return fmt.Errorf("repository: failed to update order item %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return owner, nil
}
