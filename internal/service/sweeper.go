package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vendora/kiosk/config"
	"github.com/vendora/kiosk/internal/delivery/kafka/producer"
	"github.com/vendora/kiosk/internal/models"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	"github.com/vendora/kiosk/pkg/logger"
)

const sweepBatchSize = 100

// retention runs at most this many batches per tick so one tick never
// monopolizes the store.
const maxPurgeBatchesPerTick = 10

// Sweeper expires stale active sessions and purges processed events
// past the retention window. Both are best-effort periodic jobs: the
// checkout preconditions are what actually fence late payments.
type Sweeper interface {
	Start(ctx context.Context) error
	Stop() error
}

type sweeper struct {
	sessions repo.SessionRepository
	events   repo.EventRepository
	prod     producer.Producer
	cfg      config.SessionConfig
	l        logger.Logger

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewSweeper(
	sessionRepo repo.SessionRepository,
	eventRepo repo.EventRepository,
	prod producer.Producer,
	cfg config.SessionConfig,
	l logger.Logger,
) Sweeper {
	return &sweeper{
		sessions: sessionRepo,
		events:   eventRepo,
		prod:     prod,
		cfg:      cfg,
		l:        l,
		stopCh:   make(chan struct{}),
	}
}

func (s *sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return errors.New("sweeper is already running")
	}
	s.isRunning = true

	s.l.Infof(ctx, "Starting sweeper: sweep_interval=%s retention_window=%s",
		s.cfg.SweepInterval, s.cfg.RetentionWindow)

	s.wg.Add(1)
	go s.loop(ctx)

	return nil
}

func (s *sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return errors.New("sweeper is not running")
	}

	close(s.stopCh)
	s.wg.Wait()
	s.isRunning = false

	return nil
}

func (s *sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	retentionTicker := time.NewTicker(s.cfg.RetentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.l.Infof(ctx, "Sweeper stopped: %v", ctx.Err())
			return
		case <-s.stopCh:
			s.l.Infof(ctx, "Sweeper stopped")
			return
		case <-sweepTicker.C:
			s.SweepOnce(ctx)
		case <-retentionTicker.C:
			s.PurgeOnce(ctx)
		}
	}
}

// SweepOnce expires every active session whose deadline has passed.
// Sessions that complete between the query and the write keep their
// completed status: the transition is re-validated under the store
// transaction.
func (s *sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()

	ids, err := s.sessions.ActiveExpiredBefore(ctx, now, sweepBatchSize)
	if err != nil {
		s.l.Errorf(ctx, "sweeper.SweepOnce: %v", err)
		return
	}

	expired := 0
	for _, ssID := range ids {
		if err := s.expireSession(ctx, ssID, now); err != nil {
			if err == errSweepSkip {
				continue
			}
			s.l.Errorf(ctx, "sweeper.SweepOnce: session_id=%s: %v", ssID, err)
			continue
		}
		expired++
	}

	if expired > 0 {
		s.l.Infof(ctx, "Expired %d stale sessions", expired)
	}
}

var errSweepSkip = errors.New("session no longer eligible for expiry")

func (s *sweeper) expireSession(ctx context.Context, ssID string, now time.Time) error {
	ss, err := s.sessions.Mutate(ctx, ssID, func(ss *models.Session) error {
		if !ss.IsActive() || ss.ExpiresAt.After(now) {
			return errSweepSkip
		}

		ss.Status = models.SessionStatusExpired
		return nil
	})
	if err != nil {
		return err
	}

	ev := newEvent(models.EventSessionExpired, ss.ID, ss.MachineID, 0, time.Now(), models.SessionExpiredPayload{SessionID: ss.ID})
	if err := s.events.Append(ctx, ev); err != nil {
		s.l.Errorf(ctx, "sweeper.expireSession: %v", err)
	} else if err := s.prod.PublishEvent(ctx, ev); err != nil {
		s.l.Errorf(ctx, "sweeper.expireSession: %v", err)
	}

	return nil
}

// PurgeOnce removes processed events older than the retention window
// in bounded batches. Session history is never purged here.
func (s *sweeper) PurgeOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RetentionWindow)

	total := 0
	for i := 0; i < maxPurgeBatchesPerTick; i++ {
		n, err := s.events.PurgeProcessedBefore(ctx, cutoff, int64(s.cfg.RetentionBatch))
		if err != nil {
			s.l.Errorf(ctx, "sweeper.PurgeOnce: %v", err)
			return
		}
		total += n
		if n < s.cfg.RetentionBatch {
			break
		}
	}

	if total > 0 {
		s.l.Infof(ctx, "Purged %d processed events past retention", total)
	}
}
