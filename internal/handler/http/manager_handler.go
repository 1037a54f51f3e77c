package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/vasiliy-maslov/store-fulfillment/internal/manager"
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type CreateManagerRequest struct {
	Name      string `json:"name" validate:"required"`
	Username  string `json:"username" validate:"required,min=3"`
	Password  string `json:"password" validate:"required,min=8"`
	StoreID   string `json:"storeId" validate:"required"`
	StoreName string `json:"storeName"`
	Role      string `json:"role" validate:"omitempty,oneof=manager admin"`
}

type DeviceInfoRequest struct {
	Platform  string    `json:"platform"`
	Timestamp time.Time `json:"timestamp"`
}

type RegisterTokenRequest struct {
	StoreManagerID string            `json:"storeManagerId"`
	StoreID        string            `json:"storeId"`
	PushToken      string            `json:"pushToken" validate:"required"`
	DeviceInfo     DeviceInfoRequest `json:"deviceInfo"`
}

type ManagerHandler struct {
	service  manager.Service
	validate *validator.Validate
}

func NewManagerHandler(service manager.Service) *ManagerHandler {
	return &ManagerHandler{
		service:  service,
		validate: newValidator(),
	}
}

// RegisterPublicRoutes mounts the routes that issue tokens.
func (h *ManagerHandler) RegisterPublicRoutes(router chi.Router) {
	router.Post("/store-managers/login", h.handleLogin)
	router.Post("/auth/refresh", h.handleRefresh)
}

// RegisterRoutes mounts the routes that need a bearer token.
func (h *ManagerHandler) RegisterRoutes(router chi.Router) {
	router.Post("/store-managers", h.handleCreateManager)
	router.Post("/store-managers/{id}/register-token", h.handleRegisterToken)
}

func (h *ManagerHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	res, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondWithServiceError(w, err, "failed to log in")
		return
	}

	respondWithJSON(w, http.StatusOK, dataResponse{Success: true, Data: res})
}

func (h *ManagerHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondWithServiceError(w, err, "failed to refresh token")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"expiresAt":    tokens.ExpiresAt,
	})
}

// Only admins create managers.
func (h *ManagerHandler) handleCreateManager(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if p.Role != "admin" {
		respondWithError(w, http.StatusForbidden, manager.ErrForbidden.Error())
		return
	}

	var req CreateManagerRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	created, err := h.service.CreateManager(r.Context(), &manager.Manager{
		Name:      req.Name,
		Username:  req.Username,
		StoreID:   req.StoreID,
		StoreName: req.StoreName,
		Role:      req.Role,
	}, req.Password)
	if err != nil {
		respondWithServiceError(w, err, "failed to create store manager")
		return
	}

	respondWithJSON(w, http.StatusCreated, dataResponse{Success: true, Data: created})
}

func (h *ManagerHandler) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	managerID := chi.URLParam(r, "id")
	if req.StoreManagerID != "" && req.StoreManagerID != managerID {
		respondWithError(w, http.StatusBadRequest, "storeManagerId does not match the URL")
		return
	}

	err := h.service.RegisterPushToken(r.Context(), *p, manager.PushToken{
		ManagerID: managerID,
		StoreID:   req.StoreID,
		Token:     req.PushToken,
		Platform:  req.DeviceInfo.Platform,
	})
	if err != nil {
		respondWithServiceError(w, err, "failed to register push token")
		return
	}

	respondWithJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Push token registered"})
}
