package repository

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/kiosk/internal/models"
	"github.com/vendora/kiosk/pkg/logger"
)

func TestInventoryUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	r := NewRedisInventoryRepository(newTestClient(t), logger.InitializeTestZapLogger())

	rec := &models.InventoryRecord{
		MachineID: "vm-42", Slot: 12, ProductID: "cola", ProductName: "Cola",
		Quantity: 5, IsActive: true,
	}
	require.NoError(t, r.Upsert(ctx, rec))

	got, err := r.Get(ctx, "vm-42", 12)
	require.NoError(t, err)
	assert.Equal(t, "cola", got.ProductID)
	assert.Equal(t, 5, got.Quantity)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestInventoryGetMissing(t *testing.T) {
	ctx := context.Background()
	r := NewRedisInventoryRepository(newTestClient(t), logger.InitializeTestZapLogger())

	_, err := r.Get(ctx, "vm-42", 12)
	assert.Equal(t, redis.Nil, err)
}

func TestInventoryDecrementOne(t *testing.T) {
	ctx := context.Background()
	r := NewRedisInventoryRepository(newTestClient(t), logger.InitializeTestZapLogger())

	require.NoError(t, r.Upsert(ctx, &models.InventoryRecord{
		MachineID: "vm-42", Slot: 12, ProductID: "cola", ProductName: "Cola",
		Quantity: 2, IsActive: true,
	}))

	qty, clamped, err := r.DecrementOne(ctx, "vm-42", 12)
	require.NoError(t, err)
	assert.False(t, clamped)
	assert.Equal(t, 1, qty)

	qty, clamped, err = r.DecrementOne(ctx, "vm-42", 12)
	require.NoError(t, err)
	assert.False(t, clamped)
	assert.Equal(t, 0, qty)

	// The count never crosses zero; a decrement at zero is clamped.
	qty, clamped, err = r.DecrementOne(ctx, "vm-42", 12)
	require.NoError(t, err)
	assert.True(t, clamped)
	assert.Equal(t, 0, qty)

	got, err := r.Get(ctx, "vm-42", 12)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quantity)
}
