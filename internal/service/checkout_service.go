package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vendora/kiosk/config"
	"github.com/vendora/kiosk/internal/delivery/kafka/producer"
	"github.com/vendora/kiosk/internal/models"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	"github.com/vendora/kiosk/pkg/logger"
	"github.com/vendora/kiosk/pkg/redis"
)

type CheckoutService interface {
	// Checkout validates a pre-verified payment claim against the
	// session and inventory, then atomically completes the session and
	// fans out one dispatch event per purchased unit. Partial
	// application is impossible: a failed commit leaves the session
	// untouched and no dispatch events behind.
	Checkout(ctx context.Context, in CheckoutInput) error
	// ManualDispenseTest creates a synthetic, non-revenue dispatch
	// event for field diagnostics. Privileged callers only; the
	// delivery layer enforces the operator role.
	ManualDispenseTest(ctx context.Context, in ManualDispenseInput) (*ManualDispenseOutput, error)
}

type checkoutService struct {
	sessions  repo.SessionRepository
	events    repo.EventRepository
	inventory repo.InventoryRepository
	prod      producer.Producer
	cfg       config.DispenseConfig
	l         logger.Logger
}

func NewCheckoutService(
	sessionRepo repo.SessionRepository,
	eventRepo repo.EventRepository,
	inventoryRepo repo.InventoryRepository,
	prod producer.Producer,
	cfg config.DispenseConfig,
	l logger.Logger,
) CheckoutService {
	return &checkoutService{
		sessions:  sessionRepo,
		events:    eventRepo,
		inventory: inventoryRepo,
		prod:      prod,
		cfg:       cfg,
		l:         l,
	}
}

func (s *checkoutService) Checkout(ctx context.Context, in CheckoutInput) error {
	_, events, err := s.sessions.CompleteCheckout(ctx, in.SessionID, func(ss *models.Session) ([]*models.Event, error) {
		// Precondition order matters: each failure kind is distinct.
		if ss.Status == models.SessionStatusCompleted {
			return nil, ErrSessionCompleted
		}
		if !ss.IsActive() {
			return nil, ErrSessionNotActive
		}
		if len(ss.Basket) == 0 {
			return nil, ErrBasketEmpty
		}
		if in.Amount != ss.TotalAmount {
			return nil, ErrAmountMismatch
		}
		for _, line := range ss.Basket {
			rec, err := s.inventory.Get(ctx, ss.MachineID, line.Slot)
			if err != nil {
				if err == redis.Nil {
					return nil, ErrInventoryNotFound
				}
				return nil, err
			}
			if !rec.IsActive || rec.Quantity < line.Quantity {
				return nil, ErrInsufficientStock
			}
		}

		now := time.Now()
		ss.Status = models.SessionStatusCompleted
		ss.CompletedAt = &now
		ss.Payments = append(ss.Payments, models.Payment{
			ID:            uuid.New().String(),
			Amount:        in.Amount,
			Status:        models.PaymentStatusCompleted,
			Method:        "gateway",
			TransactionID: in.TransactionID,
			Timestamp:     now,
		})

		// One batch: the payment record plus one dispatch per physical
		// unit. Batch members share a timestamp, so the per-unit
		// sequence number is what orders them downstream.
		seq := 0
		events := []*models.Event{
			newEvent(models.EventPaymentReceived, ss.ID, ss.MachineID, seq, now, models.PaymentReceivedPayload{
				TransactionID: in.TransactionID,
				Amount:        in.Amount,
			}),
		}
		for _, line := range ss.Basket {
			for i := 0; i < line.Quantity; i++ {
				seq++
				events = append(events, newEvent(models.EventProductDispatch, ss.ID, ss.MachineID, seq, now, models.ProductDispatchPayload{
					ProductID:   line.ProductID,
					ProductName: line.ProductName,
					Slot:        line.Slot,
					Price:       line.UnitPrice,
				}))
			}
		}

		return events, nil
	})
	if err != nil {
		return s.mapCheckoutErr(ctx, err)
	}

	// Kafka mirroring is eventually consistent; the committed log is
	// what the kiosk drains, so a failed publish only delays wake-up.
	for _, ev := range events {
		if err := s.prod.PublishEvent(ctx, ev); err != nil {
			s.l.Errorf(ctx, "checkoutService.Checkout: failed to publish event %s: %v", ev.ID, err)
		}
	}

	s.l.Infof(ctx, "Checkout completed: session_id=%s transaction_id=%s units=%d",
		in.SessionID, in.TransactionID, len(events)-1)

	return nil
}

func (s *checkoutService) ManualDispenseTest(ctx context.Context, in ManualDispenseInput) (*ManualDispenseOutput, error) {
	if in.Slot < s.cfg.SlotMin || in.Slot > s.cfg.SlotMax {
		return nil, ErrInvalidSlot
	}

	rec, err := s.inventory.Get(ctx, in.MachineID, in.Slot)
	if err != nil {
		if err == redis.Nil {
			return nil, ErrInventoryNotFound
		}
		s.l.Errorf(ctx, "checkoutService.ManualDispenseTest: %v", err)
		return nil, err
	}

	now := time.Now()

	// A diagnostic run gets its own completed session so the regular
	// confirmation path works unchanged against it.
	ss := &models.Session{
		ID:        uuid.New().String(),
		MachineID: in.MachineID,
		Status:    models.SessionStatusCompleted,
		Basket: []models.BasketItem{{
			ProductID:   in.ProductID,
			ProductName: rec.ProductName,
			Quantity:    1,
			UnitPrice:   0,
			Slot:        in.Slot,
		}},
		Payments:       []models.Payment{},
		DispensedItems: []models.DispensedItem{},
		TotalAmount:    0,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now,
		CompletedAt:    &now,
	}
	if err := s.sessions.Create(ctx, ss); err != nil {
		s.l.Errorf(ctx, "checkoutService.ManualDispenseTest: %v", err)
		return nil, err
	}

	ev := newEvent(models.EventProductDispatch, ss.ID, in.MachineID, 1, now, models.ProductDispatchPayload{
		ProductID:   in.ProductID,
		ProductName: rec.ProductName,
		Slot:        in.Slot,
		Price:       0,
		NonRevenue:  true,
	})
	if err := s.events.Append(ctx, ev); err != nil {
		s.l.Errorf(ctx, "checkoutService.ManualDispenseTest: %v", err)
		return nil, err
	}
	if err := s.prod.PublishEvent(ctx, ev); err != nil {
		s.l.Errorf(ctx, "checkoutService.ManualDispenseTest: failed to publish event: %v", err)
	}

	s.l.Infof(ctx, "Manual dispense test created: machine_id=%s slot=%d event_id=%s",
		in.MachineID, in.Slot, ev.ID)

	return &ManualDispenseOutput{SessionID: ss.ID, EventID: ev.ID}, nil
}

func (s *checkoutService) mapCheckoutErr(ctx context.Context, err error) error {
	switch err {
	case redis.Nil:
		return ErrSessionNotFound
	case repo.ErrTxConflict:
		return ErrTxConflict
	case ErrSessionCompleted, ErrSessionNotActive, ErrBasketEmpty, ErrAmountMismatch,
		ErrInventoryNotFound, ErrInsufficientStock:
		return err
	default:
		s.l.Errorf(ctx, "checkoutService.Checkout: %v", err)
		return err
	}
}
