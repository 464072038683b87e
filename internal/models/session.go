package models

import "time"

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusCancelled SessionStatus = "cancelled"
)

type BasketItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Slot        int    `json:"slot"`
}

type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
)

type Payment struct {
	ID            string        `json:"id"`
	Amount        int64         `json:"amount"`
	Status        PaymentStatus `json:"status"`
	Method        string        `json:"method"`
	TransactionID string        `json:"transaction_id"`
	Timestamp     time.Time     `json:"timestamp"`
}

type DispenseStatus string

const (
	DispenseStatusPending   DispenseStatus = "pending"
	DispenseStatusDispensed DispenseStatus = "dispensed"
	DispenseStatusFailed    DispenseStatus = "failed"
)

type DispensedItem struct {
	ProductID  string         `json:"product_id"`
	Slot       int            `json:"slot"`
	Status     DispenseStatus `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retry_count,omitempty"`
}

// Session is the per-shopper aggregate. Amounts are integer minor
// units. TotalAmount is derived from the basket and recomputed on every
// basket write, never accepted from a client.
type Session struct {
	ID             string          `json:"id"`
	MachineID      string          `json:"machine_id"`
	Status         SessionStatus   `json:"status"`
	Basket         []BasketItem    `json:"basket"`
	Payments       []Payment       `json:"payments"`
	DispensedItems []DispensedItem `json:"dispensed_items"`
	TotalAmount    int64           `json:"total_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ExtendedCount  int             `json:"extended_count"`
}

func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusCompleted ||
		s.Status == SessionStatusExpired ||
		s.Status == SessionStatusCancelled
}

func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// UnitCount is the number of physical units purchased, i.e. the number
// of dispatch events a checkout fans out to.
func (s *Session) UnitCount() int {
	total := 0
	for _, item := range s.Basket {
		total += item.Quantity
	}
	return total
}

// ComputeTotal derives the basket total. Callers must assign the result
// to TotalAmount whenever the basket changes.
func (s *Session) ComputeTotal() int64 {
	var total int64
	for _, item := range s.Basket {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// Resolved reports whether every purchased unit has reached a terminal
// dispense outcome. Once true it stays true: dispensed items are only
// ever appended.
func (s *Session) Resolved() bool {
	resolved := 0
	for _, d := range s.DispensedItems {
		if d.Status != DispenseStatusPending {
			resolved++
		}
	}
	return resolved == s.UnitCount() && s.UnitCount() > 0
}

// BasketLine finds the basket line for a product, used to price refunds
// for failed dispenses.
func (s *Session) BasketLine(productID string) (BasketItem, bool) {
	for _, item := range s.Basket {
		if item.ProductID == productID {
			return item, true
		}
	}
	return BasketItem{}, false
}
