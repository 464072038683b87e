package models

import "time"

// InventoryRecord tracks the stock of one physical slot on a machine.
// Quantity never goes below zero: an over-decrement is clamped, because
// the physical dispense already happened and the dispense record wins
// over the count.
type InventoryRecord struct {
	MachineID   string    `json:"machine_id"`
	Slot        int       `json:"slot"`
	ProductID   string    `json:"product_id,omitempty"`
	ProductName string    `json:"product_name,omitempty"`
	Quantity    int       `json:"quantity"`
	IsActive    bool      `json:"is_active"`
	UpdatedAt   time.Time `json:"updated_at"`
}
