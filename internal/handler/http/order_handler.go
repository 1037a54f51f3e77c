package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
)

type CreateOrderItemRequest struct {
	Name            string          `json:"productName" validate:"required"`
	Category        string          `json:"productCategory"`
	Price           decimal.Decimal `json:"price"`
	Quantity        int             `json:"quantity" validate:"required,min=1"`
	Barcode         string          `json:"barcode" validate:"required"`
	Image           string          `json:"productImage"`
	Weight          string          `json:"weight"`
	MRP             string          `json:"mrp"`
	RackLocation    string          `json:"rackLocation"`
	RackAisle       string          `json:"rackAisle"`
	RackDescription string          `json:"rackDescription"`
	RackFloor       string          `json:"rackFloor"`
}

type CreateOrderRequest struct {
	StoreID             string                   `json:"storeId" validate:"required"`
	CustomerName        string                   `json:"customerName" validate:"required"`
	PhoneNumber         string                   `json:"phoneNumber" validate:"required"`
	DeliveryAddress     string                   `json:"deliveryAddress" validate:"required"`
	SpecialInstructions string                   `json:"specialInstructions"`
	PaymentType         string                   `json:"paymentType"`
	TotalAmount         decimal.Decimal          `json:"totalAmount"`
	Items               []CreateOrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type AssignDriverRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	StoreID string `json:"storeId" validate:"required"`
}

type ItemScanRequest struct {
	ItemID         string     `json:"itemId"`
	Scanned        bool       `json:"scanned"`
	PickedQuantity int        `json:"pickedQuantity" validate:"required,min=1"`
	ScannedAt      *time.Time `json:"scannedAt"`
}

type UpdateItemStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=located unavailable"`
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
}

func NewOrderHandler(service order.Service) *OrderHandler {
	return &OrderHandler{
		service:  service,
		validate: newValidator(),
	}
}

// RegisterRoutes mounts the order routes. They expect auth middleware.
func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders", h.handleCreateOrder)
	router.Get("/orders/by-store/{storeId}", h.handleListStoreOrders)
	router.Get("/orders/{id}", h.handleGetOrder)
	router.Put("/orders/{id}/status", h.handleUpdateOrderStatus)
	router.Post("/orders/assign-driver-fromstore", h.handleAssignDriver)
	router.Put("/orders/{id}/items/{barcode}/scan", h.handleItemScan)
	router.Put("/orders/items/{itemId}/status", h.handleUpdateItemStatus)
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req CreateOrderRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if req.StoreID != p.StoreID {
		respondWithError(w, http.StatusForbidden, "order belongs to another store")
		return
	}

	o := &order.Order{
		StoreID:             req.StoreID,
		CustomerName:        req.CustomerName,
		PhoneNumber:         req.PhoneNumber,
		DeliveryAddress:     req.DeliveryAddress,
		SpecialInstructions: req.SpecialInstructions,
		PaymentType:         req.PaymentType,
		Total:               req.TotalAmount,
		Items:               make([]order.Item, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		o.Items = append(o.Items, order.Item{
			Name:     it.Name,
			Category: it.Category,
			Price:    it.Price,
			Quantity: it.Quantity,
			Barcode:  it.Barcode,
			Image:    it.Image,
			Weight:   it.Weight,
			MRP:      it.MRP,
			Rack: order.Rack{
				Location:    it.RackLocation,
				Aisle:       it.RackAisle,
				Description: it.RackDescription,
				Floor:       it.RackFloor,
			},
		})
	}

	created, err := h.service.CreateOrder(r.Context(), o)
	if err != nil {
		respondWithServiceError(w, err, "failed to create order")
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]any{"success": true, "order": created})
}

func (h *OrderHandler) handleListStoreOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	storeID := chi.URLParam(r, "storeId")
	if storeID != p.StoreID {
		log.Warn().Str("store_id", storeID).Str("manager_id", p.ManagerID).Msg("handler: listing another store's orders")
		respondWithError(w, http.StatusForbidden, "orders belong to another store")
		return
	}

	filter := order.ListFilter{}
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		status, ok := order.ParseOrderStatus(raw)
		if !ok {
			respondWithError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	orders, err := h.service.ListStoreOrders(r.Context(), storeID, filter)
	if err != nil {
		respondWithServiceError(w, err, "failed to list orders")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "orders": orders})
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownedOrder(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "order": o})
}

func (h *OrderHandler) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateOrderStatusRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	status, ok := order.ParseOrderStatus(req.Status)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if _, ok := h.ownedOrder(w, r, id); !ok {
		return
	}

	if err := h.service.UpdateOrderStatus(r.Context(), id, status); err != nil {
		respondWithServiceError(w, err, "failed to update order status")
		return
	}

	respondWithJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Order status updated successfully"})
}

func (h *OrderHandler) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req AssignDriverRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if req.StoreID != p.StoreID {
		respondWithError(w, http.StatusForbidden, "order belongs to another store")
		return
	}

	assignment, err := h.service.AssignDriver(r.Context(), req.OrderID, req.StoreID)
	if err != nil {
		respondWithServiceError(w, err, "failed to assign driver")
		return
	}

	respondWithJSON(w, http.StatusOK, dataResponse{Success: true, Data: assignment})
}

func (h *OrderHandler) handleItemScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	barcode := chi.URLParam(r, "barcode")

	var req ItemScanRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if !req.Scanned {
		respondWithError(w, http.StatusBadRequest, "only confirmed scans can be recorded")
		return
	}

	if _, ok := h.ownedOrder(w, r, id); !ok {
		return
	}

	rec := order.ScanRecord{
		ItemID:         req.ItemID,
		Barcode:        barcode,
		Scanned:        true,
		PickedQuantity: req.PickedQuantity,
	}
	if req.ScannedAt != nil {
		rec.ScannedAt = req.ScannedAt.UTC()
	}

	if err := h.service.RecordItemScan(r.Context(), id, rec); err != nil {
		respondWithServiceError(w, err, "failed to record item scan")
		return
	}

	respondWithJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Item scan recorded"})
}

func (h *OrderHandler) handleUpdateItemStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "itemId")

	var req UpdateItemStatusRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	if err := h.service.UpdateItemStatus(r.Context(), p.StoreID, itemID, order.ItemStatus(req.Status)); err != nil {
		respondWithServiceError(w, err, "failed to update item status")
		return
	}

	respondWithJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Item status updated successfully"})
}

// ownedOrder loads the order and answers 404 when it belongs to another
// store, so ids of other stores are not disclosed.
func (h *OrderHandler) ownedOrder(w http.ResponseWriter, r *http.Request, id string) (*order.Order, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, false
	}

	o, err := h.service.GetOrderByID(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, err, "failed to get order")
		return nil, false
	}
	if o.StoreID != p.StoreID {
		respondWithError(w, http.StatusNotFound, order.ErrOrderNotFound.Error())
		return nil, false
	}
	return o, true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
