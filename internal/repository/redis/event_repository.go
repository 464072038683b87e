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

type EventRepository interface {
	// Append writes a single event outside any batch. Dispatch events
	// are also indexed on the session's dispatch queue; every other
	// type is a terminal record, stamped processed on write so the
	// retention purge can reclaim it.
	Append(ctx context.Context, ev *models.Event) error
	Get(ctx context.Context, evID string) (*models.Event, error)
	// PendingDispatch returns the unprocessed dispatch events for one
	// (machine, session) pair. A session filter is mandatory: a kiosk
	// must never act on another session's events.
	PendingDispatch(ctx context.Context, machineID, ssID string) ([]*models.Event, error)
	// MarkProcessedWithOutcome flips the event's processed flag and
	// appends the dispense outcome to the session in one atomic
	// commit. Returns alreadyProcessed=true (and writes nothing) when
	// a duplicate confirmation arrives.
	MarkProcessedWithOutcome(ctx context.Context, evID, ssID string, item models.DispensedItem) (alreadyProcessed bool, ss *models.Session, err error)
	// PurgeProcessedBefore deletes up to batch processed events older
	// than the cutoff and reports how many were removed.
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time, batch int64) (int, error)
	// AppendAudit appends a durable audit-log entry (refund trail).
	AppendAudit(ctx context.Context, entry any) error
}

type redisEventRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisEventRepository(cli *redis.Client, l logger.Logger) EventRepository {
	return &redisEventRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisEventRepository) Append(ctx context.Context, ev *models.Event) error {
	// Only dispatch events await a later confirmation; everything else
	// has no follow-up and enters the purge index immediately.
	if ev.Type != models.EventProductDispatch {
		now := time.Now()
		ev.Processed = true
		ev.ProcessedAt = &now
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := r.cli.TxPipeline()
	pipe.Set(ctx, eventKey(ev.ID), data, 0)
	if ev.Type == models.EventProductDispatch {
		pipe.ZAdd(ctx, dispatchQueueKey(ev.SessionID), redis.Z{
			Score:  float64(ev.SequenceNumber),
			Member: ev.ID,
		})
	} else {
		pipe.ZAdd(ctx, processedEventsKey(), redis.Z{
			Score:  float64(ev.ProcessedAt.Unix()),
			Member: ev.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisEventRepository.Append: %v", err)
		return err
	}

	return nil
}

func (r *redisEventRepository) Get(ctx context.Context, evID string) (*models.Event, error) {
	data, err := r.cli.Get(ctx, eventKey(evID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.l.Errorf(ctx, "redisEventRepository.Get: %v", err)
		}
		return nil, err
	}

	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.l.Errorf(ctx, "redisEventRepository.Get: %v", err)
		return nil, err
	}

	return &ev, nil
}

func (r *redisEventRepository) PendingDispatch(ctx context.Context, machineID, ssID string) ([]*models.Event, error) {
	ids, err := r.cli.ZRange(ctx, dispatchQueueKey(ssID), 0, -1).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisEventRepository.PendingDispatch: %v", err)
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	events := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := r.Get(ctx, id)
		if err != nil {
			if err == redis.Nil {
				// Purged or never committed; drop the index entry.
				r.cli.ZRem(ctx, dispatchQueueKey(ssID), id)
				continue
			}
			return nil, err
		}
		if ev.Processed || ev.MachineID != machineID {
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

func (r *redisEventRepository) MarkProcessedWithOutcome(ctx context.Context, evID, ssID string, item models.DispensedItem) (bool, *models.Session, error) {
	var (
		already bool
		out     *models.Session
	)

	err := withWatch(ctx, r.cli, func(tx *redis.Tx) error {
		already = false

		evData, err := tx.Get(ctx, eventKey(evID)).Bytes()
		if err != nil {
			return err
		}

		var ev models.Event
		if err := json.Unmarshal(evData, &ev); err != nil {
			return err
		}

		if ev.Processed {
			already = true
			return nil
		}

		ssData, err := tx.Get(ctx, sessionKey(ssID)).Bytes()
		if err != nil {
			return err
		}

		var ss models.Session
		if err := json.Unmarshal(ssData, &ss); err != nil {
			return err
		}

		now := time.Now()
		ev.Processed = true
		ev.ProcessedAt = &now
		ss.DispensedItems = append(ss.DispensedItems, item)
		ss.UpdatedAt = now

		evUpdated, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		ssUpdated, err := json.Marshal(&ss)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, eventKey(evID), evUpdated, 0)
			pipe.Set(ctx, sessionKey(ssID), ssUpdated, 0)
			pipe.ZRem(ctx, dispatchQueueKey(ssID), evID)
			pipe.ZAdd(ctx, processedEventsKey(), redis.Z{
				Score:  float64(now.Unix()),
				Member: evID,
			})
			return nil
		})
		if err != nil {
			return err
		}

		out = &ss
		return nil
	}, eventKey(evID), sessionKey(ssID))

	if err != nil {
		return false, nil, err
	}

	return already, out, nil
}

func (r *redisEventRepository) PurgeProcessedBefore(ctx context.Context, cutoff time.Time, batch int64) (int, error) {
	ids, err := r.cli.ZRangeByScore(ctx, processedEventsKey(), &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%d", cutoff.Unix()),
		Count: batch,
	}).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisEventRepository.PurgeProcessedBefore: %v", err)
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.cli.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, eventKey(id))
	}
	pipe.ZRem(ctx, processedEventsKey(), idsToMembers(ids)...)

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisEventRepository.PurgeProcessedBefore: %v", err)
		return 0, err
	}

	r.l.Debugf(ctx, "Purged %d processed events older than %s", len(ids), cutoff.Format(time.RFC3339))

	return len(ids), nil
}

func (r *redisEventRepository) AppendAudit(ctx context.Context, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if err := r.cli.RPush(ctx, auditLogKey(), data).Err(); err != nil {
		r.l.Errorf(ctx, "redisEventRepository.AppendAudit: %v", err)
		return err
	}

	return nil
}

func idsToMembers(ids []string) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return members
}
