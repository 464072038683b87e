package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/vendora/kiosk/internal/models"
)

type CreateSessionInput struct {
	MachineID string `json:"machine_id" validate:"required"`
}

type CreateSessionOutput struct {
	SessionID string    `json:"session_id"`
	QRPayload string    `json:"qr_payload"`
	ExpiresAt time.Time `json:"expires_at"`
}

type BasketItemInput struct {
	ProductID   string `json:"product_id" validate:"required"`
	ProductName string `json:"product_name" validate:"required"`
	Quantity    int    `json:"quantity" validate:"gte=1"`
	UnitPrice   int64  `json:"unit_price" validate:"gte=0"`
	Slot        int    `json:"slot"`
}

type UpdateBasketInput struct {
	SessionID string            `json:"-"`
	Items     []BasketItemInput `json:"items" validate:"dive"`
}

type ExtendSessionOutput struct {
	NewExpiresAt time.Time `json:"new_expires_at"`
}

type CheckoutInput struct {
	SessionID     string `json:"-"`
	TransactionID string `json:"transaction_id" validate:"required"`
	Amount        int64  `json:"amount" validate:"gt=0"`
}

type ConfirmDispenseInput struct {
	SessionID  string `json:"-"`
	ProductID  string `json:"product_id" validate:"required"`
	Slot       int    `json:"slot"`
	Success    bool   `json:"success"`
	EventID    string `json:"event_id" validate:"required"`
	RetryCount int    `json:"retry_count,omitempty"`
}

type ConfirmDispenseOutput struct {
	AlreadyProcessed bool `json:"already_processed"`
}

type ManualDispenseInput struct {
	MachineID string `json:"-"`
	ProductID string `json:"product_id" validate:"required"`
	Slot      int    `json:"slot"`
}

type ManualDispenseOutput struct {
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
}

// auditEntry is the durable refund trail row.
type auditEntry struct {
	Kind         string    `json:"kind"`
	SessionID    string    `json:"session_id"`
	ProductID    string    `json:"product_id"`
	Slot         int       `json:"slot"`
	RefundAmount int64     `json:"refund_amount"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

func newEvent(t models.EventType, sessionID, machineID string, seq int, ts time.Time, payload models.EventPayload) *models.Event {
	return &models.Event{
		ID:             uuid.New().String(),
		Type:           t,
		SessionID:      sessionID,
		MachineID:      machineID,
		SequenceNumber: seq,
		Timestamp:      ts,
		Processed:      false,
		Payload:        payload,
	}
}
