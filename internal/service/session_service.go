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
	"github.com/vendora/kiosk/pkg/ratelimit"
	"github.com/vendora/kiosk/pkg/redis"
	"github.com/vendora/kiosk/pkg/token"
)

type SessionService interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (*CreateSessionOutput, error)
	GetSession(ctx context.Context, ssID string) (*models.Session, error)
	UpdateBasket(ctx context.Context, in UpdateBasketInput) (*models.Session, error)
	ExtendSession(ctx context.Context, ssID string) (*ExtendSessionOutput, error)
	CancelSession(ctx context.Context, ssID string) error
}

type sessionService struct {
	repo          repo.SessionRepository
	events        repo.EventRepository
	prod          producer.Producer
	signer        *token.Signer
	createLimiter *ratelimit.Limiter
	extendLimiter *ratelimit.Limiter
	sessionCfg    config.SessionConfig
	dispenseCfg   config.DispenseConfig
	l             logger.Logger
}

func NewSessionService(
	sessionRepo repo.SessionRepository,
	eventRepo repo.EventRepository,
	prod producer.Producer,
	signer *token.Signer,
	createLimiter *ratelimit.Limiter,
	extendLimiter *ratelimit.Limiter,
	sessionCfg config.SessionConfig,
	dispenseCfg config.DispenseConfig,
	l logger.Logger,
) SessionService {
	return &sessionService{
		repo:          sessionRepo,
		events:        eventRepo,
		prod:          prod,
		signer:        signer,
		createLimiter: createLimiter,
		extendLimiter: extendLimiter,
		sessionCfg:    sessionCfg,
		dispenseCfg:   dispenseCfg,
		l:             l,
	}
}

func (s *sessionService) CreateSession(ctx context.Context, in CreateSessionInput) (*CreateSessionOutput, error) {
	allowed, err := s.createLimiter.Allow(ctx, "create:"+in.MachineID)
	if err != nil {
		s.l.Errorf(ctx, "sessionService.CreateSession: %v", err)
		return nil, err
	}
	if !allowed {
		s.l.Warnf(ctx, "Session creation throttled: machine_id=%s", in.MachineID)
		return nil, ErrRateLimited
	}

	now := time.Now()
	ss := &models.Session{
		ID:             uuid.New().String(),
		MachineID:      in.MachineID,
		Status:         models.SessionStatusActive,
		Basket:         []models.BasketItem{},
		Payments:       []models.Payment{},
		DispensedItems: []models.DispensedItem{},
		TotalAmount:    0,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.sessionCfg.TTL),
	}

	if err := s.repo.Create(ctx, ss); err != nil {
		s.l.Errorf(ctx, "sessionService.CreateSession: %v", err)
		return nil, err
	}

	ev := newEvent(models.EventSessionCreated, ss.ID, ss.MachineID, 0, now, models.SessionCreatedPayload{SessionID: ss.ID})
	if err := s.events.Append(ctx, ev); err != nil {
		s.l.Errorf(ctx, "sessionService.CreateSession: failed to append event: %v", err)
	} else if err := s.prod.PublishEvent(ctx, ev); err != nil {
		s.l.Errorf(ctx, "sessionService.CreateSession: failed to publish event: %v", err)
	}

	qr, err := s.signer.SessionPayload(ss.ID, ss.MachineID, ss.ExpiresAt)
	if err != nil {
		s.l.Errorf(ctx, "sessionService.CreateSession: %v", err)
		return nil, err
	}

	s.l.Infof(ctx, "Session created: session_id=%s machine_id=%s expires_at=%s",
		ss.ID, ss.MachineID, ss.ExpiresAt.Format(time.RFC3339))

	return &CreateSessionOutput{
		SessionID: ss.ID,
		QRPayload: qr,
		ExpiresAt: ss.ExpiresAt,
	}, nil
}

func (s *sessionService) GetSession(ctx context.Context, ssID string) (*models.Session, error) {
	ss, err := s.repo.Get(ctx, ssID)
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		s.l.Errorf(ctx, "sessionService.GetSession: %v", err)
		return nil, err
	}

	return ss, nil
}

func (s *sessionService) UpdateBasket(ctx context.Context, in UpdateBasketInput) (*models.Session, error) {
	for _, item := range in.Items {
		if item.Slot < s.dispenseCfg.SlotMin || item.Slot > s.dispenseCfg.SlotMax {
			return nil, ErrInvalidSlot
		}
	}

	ss, err := s.repo.Mutate(ctx, in.SessionID, func(ss *models.Session) error {
		if !ss.IsActive() {
			return ErrSessionNotActive
		}

		basket := make([]models.BasketItem, 0, len(in.Items))
		for _, item := range in.Items {
			basket = append(basket, models.BasketItem{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
				Slot:        item.Slot,
			})
		}

		ss.Basket = basket
		ss.TotalAmount = ss.ComputeTotal()
		return nil
	})
	if err != nil {
		return nil, s.mapMutateErr(ctx, "UpdateBasket", err)
	}

	return ss, nil
}

func (s *sessionService) ExtendSession(ctx context.Context, ssID string) (*ExtendSessionOutput, error) {
	allowed, err := s.extendLimiter.Allow(ctx, "extend:"+ssID)
	if err != nil {
		s.l.Errorf(ctx, "sessionService.ExtendSession: %v", err)
		return nil, err
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	ss, err := s.repo.Mutate(ctx, ssID, func(ss *models.Session) error {
		if !ss.IsActive() {
			return ErrSessionNotActive
		}
		if ss.ExtendedCount >= 1 {
			return ErrAlreadyExtended
		}

		ss.ExpiresAt = ss.ExpiresAt.Add(s.sessionCfg.TTL)
		ss.ExtendedCount++
		return nil
	})
	if err != nil {
		return nil, s.mapMutateErr(ctx, "ExtendSession", err)
	}

	s.l.Infof(ctx, "Session extended: session_id=%s new_expires_at=%s",
		ssID, ss.ExpiresAt.Format(time.RFC3339))

	return &ExtendSessionOutput{NewExpiresAt: ss.ExpiresAt}, nil
}

func (s *sessionService) CancelSession(ctx context.Context, ssID string) error {
	_, err := s.repo.Mutate(ctx, ssID, func(ss *models.Session) error {
		if !ss.IsActive() {
			return ErrSessionNotActive
		}

		ss.Status = models.SessionStatusCancelled
		return nil
	})
	if err != nil {
		return s.mapMutateErr(ctx, "CancelSession", err)
	}

	s.l.Infof(ctx, "Session cancelled: session_id=%s", ssID)

	return nil
}

func (s *sessionService) mapMutateErr(ctx context.Context, op string, err error) error {
	switch err {
	case redis.Nil:
		return ErrSessionNotFound
	case repo.ErrTxConflict:
		return ErrTxConflict
	case ErrSessionNotActive, ErrAlreadyExtended:
		return err
	default:
		s.l.Errorf(ctx, "sessionService.%s: %v", op, err)
		return err
	}
}
