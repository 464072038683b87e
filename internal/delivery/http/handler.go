package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vendora/kiosk/internal/models"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	"github.com/vendora/kiosk/internal/service"
	pkgErrors "github.com/vendora/kiosk/pkg/errors"
	"github.com/vendora/kiosk/pkg/logger"
)

type Handler struct {
	sessionSvc  service.SessionService
	checkoutSvc service.CheckoutService
	confirmSvc  service.ConfirmService
	inventory   repo.InventoryRepository
	l           logger.Logger
	validator   *validator.Validate
}

func NewHandler(
	sessionSvc service.SessionService,
	checkoutSvc service.CheckoutService,
	confirmSvc service.ConfirmService,
	inventory repo.InventoryRepository,
	l logger.Logger,
) *Handler {
	return &Handler{
		sessionSvc:  sessionSvc,
		checkoutSvc: checkoutSvc,
		confirmSvc:  confirmSvc,
		inventory:   inventory,
		l:           l,
		validator:   validator.New(),
	}
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "kiosk-backend",
		"version": "1.0.0",
	}
	h.respondJSON(r, w, http.StatusOK, response)
}

// CreateSession handles session creation when a shopper approaches a
// machine.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSessionInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	out, err := h.sessionSvc.CreateSession(r.Context(), req)
	if err != nil {
		h.respondServiceError(r, w, "Failed to create session", err)
		return
	}

	h.respondJSON(r, w, http.StatusCreated, out)
}

// GetSession handles session state reads.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	ss, err := h.sessionSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		h.respondServiceError(r, w, "Failed to get session", err)
		return
	}

	h.respondJSON(r, w, http.StatusOK, ss)
}

// UpdateBasket handles basket replacement while the session is active.
func (h *Handler) UpdateBasket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	var req service.UpdateBasketInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.SessionID = sessionID

	if err := h.validator.Struct(req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	ss, err := h.sessionSvc.UpdateBasket(r.Context(), req)
	if err != nil {
		h.respondServiceError(r, w, "Failed to update basket", err)
		return
	}

	h.respondJSON(r, w, http.StatusOK, ss)
}

// ExtendSession handles the one allowed session extension.
func (h *Handler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	out, err := h.sessionSvc.ExtendSession(r.Context(), sessionID)
	if err != nil {
		h.respondServiceError(r, w, "Failed to extend session", err)
		return
	}

	h.respondJSON(r, w, http.StatusOK, out)
}

// CancelSession handles shopper-initiated abandonment.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	if err := h.sessionSvc.CancelSession(r.Context(), sessionID); err != nil {
		h.respondServiceError(r, w, "Failed to cancel session", err)
		return
	}

	h.respondJSON(r, w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"message":    "Session cancelled",
	})
}

// Checkout handles payment completion. The whole commit is atomic: on
// any error the session is unchanged and no dispatch events exist.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	var req service.CheckoutInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.SessionID = sessionID

	if err := h.validator.Struct(req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	if err := h.checkoutSvc.Checkout(r.Context(), req); err != nil {
		h.respondServiceError(r, w, "Checkout failed", err)
		return
	}

	h.respondJSON(r, w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"message":    "Payment accepted, dispensing",
	})
}

// ConfirmDispense handles outcome reports from the kiosk controller.
func (h *Handler) ConfirmDispense(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Session ID is required", nil)
		return
	}

	var req service.ConfirmDispenseInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.SessionID = sessionID

	if err := h.validator.Struct(req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	out, err := h.confirmSvc.ConfirmDispense(r.Context(), req)
	if err != nil {
		h.respondServiceError(r, w, "Failed to confirm dispense", err)
		return
	}

	h.respondJSON(r, w, http.StatusOK, out)
}

// ManualDispenseTest handles the operator diagnostic dispense. Reached
// only through the operator auth middleware.
func (h *Handler) ManualDispenseTest(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineId")
	if machineID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Machine ID is required", nil)
		return
	}

	var req service.ManualDispenseInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.MachineID = machineID

	if err := h.validator.Struct(req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	out, err := h.checkoutSvc.ManualDispenseTest(r.Context(), req)
	if err != nil {
		h.respondServiceError(r, w, "Failed to trigger test dispense", err)
		return
	}

	h.respondJSON(r, w, http.StatusCreated, out)
}

type upsertInventoryRequest struct {
	ProductID   string `json:"product_id" validate:"required"`
	ProductName string `json:"product_name" validate:"required"`
	Quantity    int    `json:"quantity" validate:"gte=0"`
	IsActive    bool   `json:"is_active"`
}

// UpsertInventory handles slot restocking by an operator.
func (h *Handler) UpsertInventory(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineId")
	if machineID == "" {
		h.respondError(r, w, http.StatusBadRequest, "Machine ID is required", nil)
		return
	}

	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Slot must be a number", err)
		return
	}

	var req upsertInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.respondError(r, w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	rec := &models.InventoryRecord{
		MachineID:   machineID,
		Slot:        slot,
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		Quantity:    req.Quantity,
		IsActive:    req.IsActive,
	}

	if err := h.inventory.Upsert(r.Context(), rec); err != nil {
		h.l.Errorf(r.Context(), "Failed to upsert inventory: %v", err)
		h.respondError(r, w, http.StatusInternalServerError, "Failed to upsert inventory", err)
		return
	}

	h.respondJSON(r, w, http.StatusOK, rec)
}

// Helper functions

// respondServiceError maps taxonomy errors onto HTTP statuses; anything
// outside the taxonomy becomes a logged 500. The body carries a
// retryable hint so kiosk controllers know whether to repeat the call
// unchanged.
func (h *Handler) respondServiceError(r *http.Request, w http.ResponseWriter, message string, err error) {
	status := pkgErrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.l.Errorf(r.Context(), "%s: %v", message, err)
	}

	h.respondJSON(r, w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      status,
		"retryable": pkgErrors.Retryable(err),
	})
}

func (h *Handler) respondJSON(r *http.Request, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.l.Errorf(r.Context(), "Failed to encode JSON response: %v", err)
	}
}

func (h *Handler) respondError(r *http.Request, w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error": message,
		"code":  statusCode,
	}

	if err != nil {
		h.l.Debugf(r.Context(), "Error response: %s: %v", message, err)
	}

	h.respondJSON(r, w, statusCode, response)
}
