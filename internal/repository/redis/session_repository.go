package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vendora/kiosk/internal/models"
	"github.com/vendora/kiosk/pkg/logger"
)

type SessionRepository interface {
	Create(ctx context.Context, ss *models.Session) error
	Get(ctx context.Context, ssID string) (*models.Session, error)
	// Mutate applies fn to the session under an optimistic transaction.
	// fn sees a freshly read session on every attempt; returning an
	// error aborts with no writes. The active-session index is kept in
	// step with the post-mutation status and expiry.
	Mutate(ctx context.Context, ssID string, fn func(ss *models.Session) error) (*models.Session, error)
	// CompleteCheckout atomically applies prepare's session mutation
	// and appends the events it returns. Either everything commits or
	// nothing does.
	CompleteCheckout(ctx context.Context, ssID string, prepare func(ss *models.Session) ([]*models.Event, error)) (*models.Session, []*models.Event, error)
	// ActiveExpiredBefore lists ids of active sessions whose expiry is
	// at or before the deadline.
	ActiveExpiredBefore(ctx context.Context, deadline time.Time, limit int64) ([]string, error)
}

type redisSessionRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisSessionRepository(cli *redis.Client, l logger.Logger) SessionRepository {
	return &redisSessionRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisSessionRepository) Create(ctx context.Context, ss *models.Session) error {
	data, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := r.cli.TxPipeline()
	pipe.Set(ctx, sessionKey(ss.ID), data, 0)
	if ss.IsActive() {
		pipe.ZAdd(ctx, activeSessionsKey(), redis.Z{
			Score:  float64(ss.ExpiresAt.Unix()),
			Member: ss.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisSessionRepository.Create: %v", err)
		return err
	}

	r.l.Debugf(ctx, "Session created: session_id=%s machine_id=%s", ss.ID, ss.MachineID)

	return nil
}

func (r *redisSessionRepository) Get(ctx context.Context, ssID string) (*models.Session, error) {
	data, err := r.cli.Get(ctx, sessionKey(ssID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.l.Errorf(ctx, "redisSessionRepository.Get: %v", err)
		}
		return nil, err
	}

	var ss models.Session
	if err := json.Unmarshal(data, &ss); err != nil {
		r.l.Errorf(ctx, "redisSessionRepository.Get: %v", err)
		return nil, err
	}

	return &ss, nil
}

func (r *redisSessionRepository) Mutate(ctx context.Context, ssID string, fn func(ss *models.Session) error) (*models.Session, error) {
	var out *models.Session

	err := withWatch(ctx, r.cli, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, sessionKey(ssID)).Bytes()
		if err != nil {
			return err
		}

		var ss models.Session
		if err := json.Unmarshal(data, &ss); err != nil {
			return err
		}

		if err := fn(&ss); err != nil {
			return err
		}
		ss.UpdatedAt = time.Now()

		updated, err := json.Marshal(&ss)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(ssID), updated, 0)
			if ss.IsActive() {
				pipe.ZAdd(ctx, activeSessionsKey(), redis.Z{
					Score:  float64(ss.ExpiresAt.Unix()),
					Member: ss.ID,
				})
			} else {
				pipe.ZRem(ctx, activeSessionsKey(), ss.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		out = &ss
		return nil
	}, sessionKey(ssID))

	if err != nil {
		return nil, err
	}

	return out, nil
}

func (r *redisSessionRepository) CompleteCheckout(ctx context.Context, ssID string, prepare func(ss *models.Session) ([]*models.Event, error)) (*models.Session, []*models.Event, error) {
	var (
		out    *models.Session
		events []*models.Event
	)

	err := withWatch(ctx, r.cli, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, sessionKey(ssID)).Bytes()
		if err != nil {
			return err
		}

		var ss models.Session
		if err := json.Unmarshal(data, &ss); err != nil {
			return err
		}

		evs, err := prepare(&ss)
		if err != nil {
			return err
		}
		now := time.Now()
		ss.UpdatedAt = now

		updated, err := json.Marshal(&ss)
		if err != nil {
			return err
		}

		encoded := make(map[string][]byte, len(evs))
		for _, ev := range evs {
			// Non-dispatch events in the batch never see a confirmation;
			// stamp them processed so the retention purge reclaims them.
			if ev.Type != models.EventProductDispatch {
				ev.Processed = true
				ev.ProcessedAt = &now
			}
			b, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
			}
			encoded[ev.ID] = b
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(ssID), updated, 0)
			pipe.ZRem(ctx, activeSessionsKey(), ss.ID)
			for _, ev := range evs {
				pipe.Set(ctx, eventKey(ev.ID), encoded[ev.ID], 0)
				if ev.Type == models.EventProductDispatch {
					pipe.ZAdd(ctx, dispatchQueueKey(ss.ID), redis.Z{
						Score:  float64(ev.SequenceNumber),
						Member: ev.ID,
					})
				} else {
					pipe.ZAdd(ctx, processedEventsKey(), redis.Z{
						Score:  float64(now.Unix()),
						Member: ev.ID,
					})
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		out = &ss
		events = evs
		return nil
	}, sessionKey(ssID))

	if err != nil {
		return nil, nil, err
	}

	return out, events, nil
}

func (r *redisSessionRepository) ActiveExpiredBefore(ctx context.Context, deadline time.Time, limit int64) ([]string, error) {
	ids, err := r.cli.ZRangeByScore(ctx, activeSessionsKey(), &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", deadline.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisSessionRepository.ActiveExpiredBefore: %v", err)
		return nil, err
	}

	return ids, nil
}
