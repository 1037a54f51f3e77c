package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
)

// ListOrders returns the raw order payloads of a store, optionally
// filtered by status. Callers normalise them.
func (c *Client) ListOrders(ctx context.Context, storeID string, status order.OrderStatus) ([]json.RawMessage, error) {
	path := "/orders/by-store/" + url.PathEscape(storeID)
	if status != "" {
		path += "?" + url.Values{"status": {string(status)}}.Encode()
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var body struct {
		Orders []json.RawMessage `json:"orders"`
		Data   []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("api: decode orders: %w", err)
	}
	if body.Orders != nil {
		return body.Orders, nil
	}
	return body.Data, nil
}

// GetOrder returns one raw order payload.
func (c *Client) GetOrder(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, &raw)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, order.ErrOrderNotFound
		}
		return nil, err
	}

	var body struct {
		Order json.RawMessage `json:"order"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Order) > 0 {
		return body.Order, nil
	}
	return unwrap(raw, "id", "orderId", "order_id"), nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, id string, status order.OrderStatus) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(id)+"/status", body, nil)
}

// AssignDriver asks the backend to attach a driver to a ready order. A
// response mentioning "no drivers available" maps to ErrNoDriversAvailable.
func (c *Client) AssignDriver(ctx context.Context, orderID, storeID string) (*order.Assignment, error) {
	body := map[string]string{"orderId": orderID, "storeId": storeID}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/orders/assign-driver-fromstore", body, &raw); err != nil {
		var se *StatusError
		if errors.As(err, &se) && strings.Contains(strings.ToLower(se.Body), "no drivers available") {
			return nil, ErrNoDriversAvailable
		}
		return nil, err
	}

	a := &order.Assignment{OrderID: orderID}
	if len(raw) > 0 {
		if err := json.Unmarshal(unwrap(raw, "driverId", "orderId"), a); err != nil {
			return nil, fmt.Errorf("api: decode assignment: %w", err)
		}
	}
	return a, nil
}

// PersistItemScan stores a confirmed item scan on the server.
func (c *Client) PersistItemScan(ctx context.Context, orderID string, rec order.ScanRecord) error {
	rec.Scanned = true
	path := "/orders/" + url.PathEscape(orderID) + "/items/" + url.PathEscape(rec.Barcode) + "/scan"
	return c.do(ctx, http.MethodPut, path, rec, nil)
}

// UpdateItemStatus persists a located or unavailable item.
func (c *Client) UpdateItemStatus(ctx context.Context, itemID string, status order.ItemStatus) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, http.MethodPut, "/orders/items/"+url.PathEscape(itemID)+"/status", body, nil)
}
