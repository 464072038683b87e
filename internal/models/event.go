package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventSessionCreated  EventType = "session.created"
	EventPaymentReceived EventType = "payment.received"
	EventProductDispatch EventType = "product.dispatch"
	EventDispenseSuccess EventType = "dispense.success"
	EventDispenseFailed  EventType = "dispense.failed"
	EventStockLow        EventType = "stock.low"
	EventRefundRequested EventType = "refund.requested"
	EventSessionExpired  EventType = "session.expired"
)

// EventPayload is the tagged union of per-type payloads. The marker
// method keeps the set closed so consumers can switch exhaustively.
type EventPayload interface {
	isEventPayload()
}

type SessionCreatedPayload struct {
	SessionID string `json:"session_id"`
}

type PaymentReceivedPayload struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// ProductDispatchPayload describes one physical unit to dispense.
// NonRevenue marks synthetic field-diagnostic dispatches.
type ProductDispatchPayload struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Slot        int    `json:"slot"`
	Price       int64  `json:"price"`
	NonRevenue  bool   `json:"non_revenue,omitempty"`
}

type DispenseResultPayload struct {
	ProductID string `json:"product_id"`
	Slot      int    `json:"slot"`
}

type StockLowPayload struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Quantity    int    `json:"quantity"`
	Threshold   int    `json:"threshold,omitempty"`
}

type RefundRequestedPayload struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	Slot         int    `json:"slot"`
	RefundAmount int64  `json:"refund_amount"`
	Reason       string `json:"reason"`
}

type SessionExpiredPayload struct {
	SessionID string `json:"session_id"`
}

func (SessionCreatedPayload) isEventPayload()  {}
func (PaymentReceivedPayload) isEventPayload() {}
func (ProductDispatchPayload) isEventPayload() {}
func (DispenseResultPayload) isEventPayload()  {}
func (StockLowPayload) isEventPayload()        {}
func (RefundRequestedPayload) isEventPayload() {}
func (SessionExpiredPayload) isEventPayload()  {}

// Event is one append-only record in the coordination log.
// SequenceNumber orders events created in the same batch; consumers
// sort by (Timestamp, SequenceNumber) since batch members share a
// timestamp.
type Event struct {
	ID             string       `json:"id"`
	Type           EventType    `json:"type"`
	SessionID      string       `json:"session_id"`
	MachineID      string       `json:"machine_id"`
	SequenceNumber int          `json:"sequence_number"`
	Timestamp      time.Time    `json:"timestamp"`
	Processed      bool         `json:"processed"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
	Payload        EventPayload `json:"payload"`
}

// eventJSON mirrors Event with a raw payload so the union can be
// decoded after the type tag is known.
type eventJSON struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	SessionID      string          `json:"session_id"`
	MachineID      string          `json:"machine_id"`
	SequenceNumber int             `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	Processed      bool            `json:"processed"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
	}

	return json.Marshal(eventJSON{
		ID:             e.ID,
		Type:           e.Type,
		SessionID:      e.SessionID,
		MachineID:      e.MachineID,
		SequenceNumber: e.SequenceNumber,
		Timestamp:      e.Timestamp,
		Processed:      e.Processed,
		ProcessedAt:    e.ProcessedAt,
		Payload:        payload,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.ID = raw.ID
	e.Type = raw.Type
	e.SessionID = raw.SessionID
	e.MachineID = raw.MachineID
	e.SequenceNumber = raw.SequenceNumber
	e.Timestamp = raw.Timestamp
	e.Processed = raw.Processed
	e.ProcessedAt = raw.ProcessedAt

	payload, err := decodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload

	return nil
}

func decodePayload(t EventType, data json.RawMessage) (EventPayload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("event %s has no payload", t)
	}

	switch t {
	case EventSessionCreated:
		var p SessionCreatedPayload
		return p, json.Unmarshal(data, &p)
	case EventPaymentReceived:
		var p PaymentReceivedPayload
		return p, json.Unmarshal(data, &p)
	case EventProductDispatch:
		var p ProductDispatchPayload
		return p, json.Unmarshal(data, &p)
	case EventDispenseSuccess, EventDispenseFailed:
		var p DispenseResultPayload
		return p, json.Unmarshal(data, &p)
	case EventStockLow:
		var p StockLowPayload
		return p, json.Unmarshal(data, &p)
	case EventRefundRequested:
		var p RefundRequestedPayload
		return p, json.Unmarshal(data, &p)
	case EventSessionExpired:
		var p SessionExpiredPayload
		return p, json.Unmarshal(data, &p)
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
}

// Dispatch returns the dispatch payload of a product.dispatch event.
func (e *Event) Dispatch() (ProductDispatchPayload, bool) {
	p, ok := e.Payload.(ProductDispatchPayload)
	return p, ok
}
