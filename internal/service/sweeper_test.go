package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/kiosk/internal/delivery/kafka/producer"
	"github.com/vendora/kiosk/internal/models"
	"github.com/vendora/kiosk/pkg/logger"
)

func newTestSweeper(env *testEnv) *sweeper {
	return NewSweeper(env.sessions, env.events, producer.NewNopProducer(), env.sessionCfg, logger.InitializeTestZapLogger()).(*sweeper)
}

func TestSweepOnceExpiresOnlyStaleSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sw := newTestSweeper(env)

	now := time.Now()
	stale := &models.Session{
		ID: "ss-stale", MachineID: "vm-42", Status: models.SessionStatusActive,
		Basket: []models.BasketItem{}, Payments: []models.Payment{}, DispensedItems: []models.DispensedItem{},
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	}
	fresh := &models.Session{
		ID: "ss-fresh", MachineID: "vm-42", Status: models.SessionStatusActive,
		Basket: []models.BasketItem{}, Payments: []models.Payment{}, DispensedItems: []models.DispensedItem{},
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, env.sessions.Create(ctx, stale))
	require.NoError(t, env.sessions.Create(ctx, fresh))

	sw.SweepOnce(ctx)

	got, err := env.sessions.Get(ctx, "ss-stale")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)

	got, err = env.sessions.Get(ctx, "ss-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)

	byType := env.eventsByType(t)
	require.Len(t, byType[models.EventSessionExpired], 1)
	assert.Equal(t, "ss-stale", byType[models.EventSessionExpired][0].SessionID)

	// The expired session left the active index; a second sweep finds
	// nothing to do.
	ids, err := env.sessions.ActiveExpiredBefore(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSweepSkipsSessionCompletedMeanwhile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sw := newTestSweeper(env)

	now := time.Now()
	ss := &models.Session{
		ID: "ss-1", MachineID: "vm-42", Status: models.SessionStatusActive,
		Basket: []models.BasketItem{}, Payments: []models.Payment{}, DispensedItems: []models.DispensedItem{},
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(-time.Minute),
	}
	require.NoError(t, env.sessions.Create(ctx, ss))

	// The session completes between the index query and the expiry
	// write; the transition must re-validate and keep completed.
	_, err := env.sessions.Mutate(ctx, ss.ID, func(ss *models.Session) error {
		ss.Status = models.SessionStatusCompleted
		return nil
	})
	require.NoError(t, err)

	sw.SweepOnce(ctx)

	got, err := env.sessions.Get(ctx, ss.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)

	byType := env.eventsByType(t)
	assert.Empty(t, byType[models.EventSessionExpired])
}

func TestPurgeOnceRemovesOldProcessedEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	ss, pending := checkoutCola(t, env, 1, 5)
	_, err := env.confirmSvc.ConfirmDispense(ctx, ConfirmDispenseInput{
		SessionID: ss.ID, ProductID: "cola", Slot: 12, Success: true, EventID: pending[0].ID,
	})
	require.NoError(t, err)

	// A negative retention window makes everything processed eligible,
	// standing in for the passage of seven days.
	cfg := env.sessionCfg
	cfg.RetentionWindow = -time.Minute
	sw := NewSweeper(env.sessions, env.events, producer.NewNopProducer(), cfg, logger.InitializeTestZapLogger()).(*sweeper)

	sw.PurgeOnce(ctx)

	_, err = env.events.Get(ctx, pending[0].ID)
	assert.Error(t, err)

	// Terminal records written outside the confirmation path, the
	// payment and the dispense outcome, age out too.
	assert.Empty(t, env.eventsByType(t))

	// The session record itself is retained.
	_, err = env.sessions.Get(ctx, ss.ID)
	assert.NoError(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sw := newTestSweeper(env)

	require.NoError(t, sw.Start(ctx))
	assert.Error(t, sw.Start(ctx))
	require.NoError(t, sw.Stop())
	assert.Error(t, sw.Stop())
}
