package service

import (
	"context"
	"time"

	"github.com/vendora/kiosk/config"
	"github.com/vendora/kiosk/internal/delivery/kafka/producer"
	"github.com/vendora/kiosk/internal/models"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	"github.com/vendora/kiosk/pkg/logger"
	"github.com/vendora/kiosk/pkg/redis"
)

type ConfirmService interface {
	// ConfirmDispense applies one dispense outcome exactly once per
	// event. Duplicate calls are safe and report AlreadyProcessed.
	ConfirmDispense(ctx context.Context, in ConfirmDispenseInput) (*ConfirmDispenseOutput, error)
}

type confirmService struct {
	events      repo.EventRepository
	inventory   repo.InventoryRepository
	prod        producer.Producer
	sessionCfg  config.SessionConfig
	dispenseCfg config.DispenseConfig
	l           logger.Logger
}

func NewConfirmService(
	eventRepo repo.EventRepository,
	inventoryRepo repo.InventoryRepository,
	prod producer.Producer,
	sessionCfg config.SessionConfig,
	dispenseCfg config.DispenseConfig,
	l logger.Logger,
) ConfirmService {
	return &confirmService{
		events:      eventRepo,
		inventory:   inventoryRepo,
		prod:        prod,
		sessionCfg:  sessionCfg,
		dispenseCfg: dispenseCfg,
		l:           l,
	}
}

func (s *confirmService) ConfirmDispense(ctx context.Context, in ConfirmDispenseInput) (*ConfirmDispenseOutput, error) {
	// Slot sanity runs before any state is touched.
	if in.Slot < s.dispenseCfg.SlotMin || in.Slot > s.dispenseCfg.SlotMax {
		return nil, ErrInvalidSlot
	}

	ev, err := s.events.Get(ctx, in.EventID)
	if err != nil {
		if err == redis.Nil {
			return nil, ErrEventNotFound
		}
		s.l.Errorf(ctx, "confirmService.ConfirmDispense: %v", err)
		return nil, err
	}
	if ev.SessionID != in.SessionID {
		return nil, ErrSessionMismatch
	}
	// Only dispatch events carry an outcome. Confirming any other event
	// id would fabricate a dispensed item and double-count stock.
	dispatch, ok := ev.Dispatch()
	if !ok {
		return nil, ErrNotDispatchEvent
	}
	if ev.Processed {
		return &ConfirmDispenseOutput{AlreadyProcessed: true}, nil
	}

	status := models.DispenseStatusFailed
	if in.Success {
		status = models.DispenseStatusDispensed
	}
	item := models.DispensedItem{
		ProductID:  in.ProductID,
		Slot:       in.Slot,
		Status:     status,
		Timestamp:  time.Now(),
		RetryCount: in.RetryCount,
	}

	already, ss, err := s.events.MarkProcessedWithOutcome(ctx, in.EventID, in.SessionID, item)
	if err != nil {
		switch err {
		case redis.Nil:
			return nil, ErrSessionNotFound
		case repo.ErrTxConflict:
			return nil, ErrTxConflict
		default:
			s.l.Errorf(ctx, "confirmService.ConfirmDispense: %v", err)
			return nil, err
		}
	}
	if already {
		// Raced with a duplicate confirmation; effects were applied
		// exactly once by the winner.
		return &ConfirmDispenseOutput{AlreadyProcessed: true}, nil
	}

	// Everything below is eventually consistent with the commit above:
	// audit mirroring, stock accounting and compensation.
	s.emitOutcomeEvent(ctx, in, ev.MachineID)

	if in.Success {
		if !dispatch.NonRevenue {
			s.decrementStock(ctx, ss.MachineID, in)
		}
	} else if !dispatch.NonRevenue {
		if err := s.requestRefund(ctx, ss, in); err != nil {
			return nil, err
		}
	}

	if ss.Resolved() {
		s.l.Infof(ctx, "Session resolved: session_id=%s dispensed=%d", ss.ID, len(ss.DispensedItems))
	}

	return &ConfirmDispenseOutput{AlreadyProcessed: false}, nil
}

func (s *confirmService) emitOutcomeEvent(ctx context.Context, in ConfirmDispenseInput, machineID string) {
	t := models.EventDispenseFailed
	if in.Success {
		t = models.EventDispenseSuccess
	}

	ev := newEvent(t, in.SessionID, machineID, 0, time.Now(), models.DispenseResultPayload{
		ProductID: in.ProductID,
		Slot:      in.Slot,
	})

	if err := s.events.Append(ctx, ev); err != nil {
		s.l.Errorf(ctx, "confirmService.emitOutcomeEvent: %v", err)
		return
	}
	if err := s.prod.PublishEvent(ctx, ev); err != nil {
		s.l.Errorf(ctx, "confirmService.emitOutcomeEvent: %v", err)
	}
}

func (s *confirmService) decrementStock(ctx context.Context, machineID string, in ConfirmDispenseInput) {
	newQty, clamped, err := s.inventory.DecrementOne(ctx, machineID, in.Slot)
	if err != nil {
		if err == redis.Nil {
			// The unit left the machine either way; the missing record
			// is an operations problem, not a pipeline error.
			s.l.Warnf(ctx, "No inventory record to decrement: machine_id=%s slot=%d", machineID, in.Slot)
			return
		}
		s.l.Errorf(ctx, "confirmService.decrementStock: %v", err)
		return
	}
	if clamped {
		return
	}

	if newQty > 0 && newQty <= s.sessionCfg.LowStockThreshold {
		ev := newEvent(models.EventStockLow, in.SessionID, machineID, 0, time.Now(), models.StockLowPayload{
			ProductID: in.ProductID,
			Quantity:  newQty,
			Threshold: s.sessionCfg.LowStockThreshold,
		})
		if err := s.events.Append(ctx, ev); err != nil {
			s.l.Errorf(ctx, "confirmService.decrementStock: %v", err)
			return
		}
		if err := s.prod.PublishEvent(ctx, ev); err != nil {
			s.l.Errorf(ctx, "confirmService.decrementStock: %v", err)
		}
	}
}

func (s *confirmService) requestRefund(ctx context.Context, ss *models.Session, in ConfirmDispenseInput) error {
	line, ok := ss.BasketLine(in.ProductID)
	if !ok {
		// A failed dispense for a product the shopper never bought is
		// corrupted state; surface it instead of refunding garbage.
		s.l.Errorf(ctx, "Data integrity fault: failed dispense for product missing from basket: session_id=%s product_id=%s",
			ss.ID, in.ProductID)
		return ErrDataIntegrity
	}

	now := time.Now()
	ev := newEvent(models.EventRefundRequested, ss.ID, ss.MachineID, 0, now, models.RefundRequestedPayload{
		ProductID:    line.ProductID,
		ProductName:  line.ProductName,
		Slot:         line.Slot,
		RefundAmount: line.UnitPrice,
		Reason:       "dispense_failed",
	})

	if err := s.events.Append(ctx, ev); err != nil {
		s.l.Errorf(ctx, "confirmService.requestRefund: %v", err)
		return err
	}
	if err := s.prod.PublishEvent(ctx, ev); err != nil {
		s.l.Errorf(ctx, "confirmService.requestRefund: %v", err)
	}

	if err := s.events.AppendAudit(ctx, auditEntry{
		Kind:         "refund_requested",
		SessionID:    ss.ID,
		ProductID:    line.ProductID,
		Slot:         line.Slot,
		RefundAmount: line.UnitPrice,
		Reason:       "dispense_failed",
		Timestamp:    now,
	}); err != nil {
		s.l.Errorf(ctx, "confirmService.requestRefund: %v", err)
	}

	s.l.Warnf(ctx, "Refund requested: session_id=%s product_id=%s amount=%d",
		ss.ID, line.ProductID, line.UnitPrice)

	return nil
}
