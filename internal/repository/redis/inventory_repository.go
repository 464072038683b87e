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

type InventoryRepository interface {
	Upsert(ctx context.Context, rec *models.InventoryRecord) error
	Get(ctx context.Context, machineID string, slot int) (*models.InventoryRecord, error)
	// DecrementOne takes one unit out of the slot. A decrement that
	// would cross zero is clamped: the physical dispense already
	// happened, so the count yields to the dispense record.
	DecrementOne(ctx context.Context, machineID string, slot int) (newQuantity int, clamped bool, err error)
}

type redisInventoryRepository struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisInventoryRepository(cli *redis.Client, l logger.Logger) InventoryRepository {
	return &redisInventoryRepository{
		cli: cli,
		l:   l,
	}
}

func (r *redisInventoryRepository) Upsert(ctx context.Context, rec *models.InventoryRecord) error {
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal inventory record: %w", err)
	}

	pipe := r.cli.TxPipeline()
	pipe.Set(ctx, inventoryKey(rec.MachineID, rec.Slot), data, 0)
	pipe.SAdd(ctx, machineSlotsKey(rec.MachineID), rec.Slot)

	if _, err := pipe.Exec(ctx); err != nil {
		r.l.Errorf(ctx, "redisInventoryRepository.Upsert: %v", err)
		return err
	}

	return nil
}

func (r *redisInventoryRepository) Get(ctx context.Context, machineID string, slot int) (*models.InventoryRecord, error) {
	data, err := r.cli.Get(ctx, inventoryKey(machineID, slot)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.l.Errorf(ctx, "redisInventoryRepository.Get: %v", err)
		}
		return nil, err
	}

	var rec models.InventoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		r.l.Errorf(ctx, "redisInventoryRepository.Get: %v", err)
		return nil, err
	}

	return &rec, nil
}

func (r *redisInventoryRepository) DecrementOne(ctx context.Context, machineID string, slot int) (int, bool, error) {
	var (
		newQty  int
		clamped bool
	)

	key := inventoryKey(machineID, slot)

	err := withWatch(ctx, r.cli, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}

		var rec models.InventoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}

		if rec.Quantity <= 0 {
			newQty = 0
			clamped = true
			return nil
		}

		rec.Quantity--
		rec.UpdatedAt = time.Now()
		newQty = rec.Quantity
		clamped = false

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)

	if err != nil {
		return 0, false, err
	}

	if clamped {
		r.l.Warnf(ctx, "Inventory decrement clamped at zero: machine_id=%s slot=%d", machineID, slot)
	}

	return newQty, clamped, nil
}
