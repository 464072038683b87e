package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vendora/kiosk/config"
	"github.com/vendora/kiosk/internal/delivery/kafka/producer"
	"github.com/vendora/kiosk/internal/models"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	"github.com/vendora/kiosk/pkg/logger"
	"github.com/vendora/kiosk/pkg/ratelimit"
	"github.com/vendora/kiosk/pkg/token"
)

// testEnv wires the full service stack against an in-process Redis.
type testEnv struct {
	cli       *goredis.Client
	sessions  repo.SessionRepository
	events    repo.EventRepository
	inventory repo.InventoryRepository

	sessionCfg  config.SessionConfig
	dispenseCfg config.DispenseConfig

	sessionSvc  SessionService
	checkoutSvc CheckoutService
	confirmSvc  ConfirmService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	l := logger.InitializeTestZapLogger()

	ssRepo := repo.NewRedisSessionRepository(cli, l)
	evRepo := repo.NewRedisEventRepository(cli, l)
	invRepo := repo.NewRedisInventoryRepository(cli, l)

	sessionCfg := config.SessionConfig{
		TTL:               10 * time.Minute,
		SweepInterval:     time.Minute,
		LowStockThreshold: 2,
		RetentionWindow:   7 * 24 * time.Hour,
		RetentionBatch:    100,
		RetentionInterval: time.Hour,
	}
	dispenseCfg := config.DispenseConfig{
		SlotMin: 1,
		SlotMax: 60,
	}

	prod := producer.NewNopProducer()
	signer := token.NewSigner("test-secret")
	createLimiter := ratelimit.NewLimiter(cli, 5, time.Minute)
	extendLimiter := ratelimit.NewLimiter(cli, 5, time.Minute)

	return &testEnv{
		cli:         cli,
		sessions:    ssRepo,
		events:      evRepo,
		inventory:   invRepo,
		sessionCfg:  sessionCfg,
		dispenseCfg: dispenseCfg,
		sessionSvc:  NewSessionService(ssRepo, evRepo, prod, signer, createLimiter, extendLimiter, sessionCfg, dispenseCfg, l),
		checkoutSvc: NewCheckoutService(ssRepo, evRepo, invRepo, prod, dispenseCfg, l),
		confirmSvc:  NewConfirmService(evRepo, invRepo, prod, sessionCfg, dispenseCfg, l),
	}
}

func (e *testEnv) seedInventory(t *testing.T, slot int, productID, name string, qty int) {
	t.Helper()
	require.NoError(t, e.inventory.Upsert(context.Background(), &models.InventoryRecord{
		MachineID: "vm-42", Slot: slot, ProductID: productID, ProductName: name,
		Quantity: qty, IsActive: true,
	}))
}

func (e *testEnv) seedActiveSession(t *testing.T, basket []models.BasketItem) *models.Session {
	t.Helper()
	now := time.Now()
	ss := &models.Session{
		ID:             "ss-test",
		MachineID:      "vm-42",
		Status:         models.SessionStatusActive,
		Basket:         basket,
		Payments:       []models.Payment{},
		DispensedItems: []models.DispensedItem{},
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(10 * time.Minute),
	}
	ss.TotalAmount = ss.ComputeTotal()
	require.NoError(t, e.sessions.Create(context.Background(), ss))
	return ss
}

// eventsByType scans the whole event log; fine at test scale.
func (e *testEnv) eventsByType(t *testing.T) map[models.EventType][]*models.Event {
	t.Helper()
	ctx := context.Background()

	keys, err := e.cli.Keys(ctx, "kiosk:event:*").Result()
	require.NoError(t, err)

	out := make(map[models.EventType][]*models.Event)
	for _, key := range keys {
		data, err := e.cli.Get(ctx, key).Bytes()
		require.NoError(t, err)

		var ev models.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		out[ev.Type] = append(out[ev.Type], &ev)
	}
	return out
}
