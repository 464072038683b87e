package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/kiosk/config"
	"github.com/vendora/kiosk/internal/delivery/kafka/producer"
	"github.com/vendora/kiosk/internal/models"
	repo "github.com/vendora/kiosk/internal/repository/redis"
	"github.com/vendora/kiosk/internal/service"
	"github.com/vendora/kiosk/pkg/logger"
	"github.com/vendora/kiosk/pkg/ratelimit"
	"github.com/vendora/kiosk/pkg/token"
)

type testServer struct {
	srv       *httptest.Server
	signer    *token.Signer
	inventory repo.InventoryRepository
	events    repo.EventRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	cli := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	l := logger.InitializeTestZapLogger()

	ssRepo := repo.NewRedisSessionRepository(cli, l)
	evRepo := repo.NewRedisEventRepository(cli, l)
	invRepo := repo.NewRedisInventoryRepository(cli, l)

	sessionCfg := config.SessionConfig{TTL: 10 * time.Minute, LowStockThreshold: 2, RetentionWindow: 7 * 24 * time.Hour, RetentionBatch: 100, RetentionInterval: time.Hour}
	dispenseCfg := config.DispenseConfig{SlotMin: 1, SlotMax: 60}

	prod := producer.NewNopProducer()
	signer := token.NewSigner("test-secret")
	createLimiter := ratelimit.NewLimiter(cli, 100, time.Minute)
	extendLimiter := ratelimit.NewLimiter(cli, 100, time.Minute)

	ssSvc := service.NewSessionService(ssRepo, evRepo, prod, signer, createLimiter, extendLimiter, sessionCfg, dispenseCfg, l)
	coSvc := service.NewCheckoutService(ssRepo, evRepo, invRepo, prod, dispenseCfg, l)
	cfSvc := service.NewConfirmService(evRepo, invRepo, prod, sessionCfg, dispenseCfg, l)

	handler := NewHandler(ssSvc, coSvc, cfSvc, invRepo, l)
	router := NewRouter(handler, signer, RouterConfig{RequestLimit: 1000, Window: time.Minute})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, signer: signer, inventory: invRepo, events: evRepo}
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]any{"machine_id": "vm-42"})
	require.Equal(t, http.StatusCreated, status)
	return body["session_id"].(string)
}

func (ts *testServer) seedInventory(t *testing.T, slot int, productID string, qty int) {
	t.Helper()
	require.NoError(t, ts.inventory.Upsert(context.Background(), &models.InventoryRecord{
		MachineID: "vm-42", Slot: slot, ProductID: productID, ProductName: productID,
		Quantity: qty, IsActive: true,
	}))
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestCreateAndGetSession(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]any{"machine_id": "vm-42"})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["session_id"])
	assert.NotEmpty(t, body["qr_payload"])

	ssID := body["session_id"].(string)
	status, body = ts.do(t, http.MethodGet, "/api/v1/sessions/"+ssID, "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "vm-42", body["machine_id"])
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetSessionNotFound(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/v1/sessions/no-such", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	// Repeating the same request cannot help; the body says so.
	assert.Equal(t, false, body["retryable"])
}

func TestExtendSessionSecondAttemptConflicts(t *testing.T) {
	ts := newTestServer(t)
	ssID := ts.createSession(t)

	status, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/extend", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["new_expires_at"])

	status, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/extend", "", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestCheckoutFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.seedInventory(t, 12, "cola", 5)
	ssID := ts.createSession(t)

	status, _ := ts.do(t, http.MethodPut, "/api/v1/sessions/"+ssID+"/basket", "", map[string]any{
		"items": []map[string]any{
			{"product_id": "cola", "product_name": "Cola", "quantity": 2, "unit_price": 350, "slot": 12},
		},
	})
	require.Equal(t, http.StatusOK, status)

	// Off-by-one amount is a client error, not a conflict.
	status, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/checkout", "", map[string]any{
		"transaction_id": "tx-1", "amount": 699,
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/checkout", "", map[string]any{
		"transaction_id": "tx-1", "amount": 700,
	})
	assert.Equal(t, http.StatusOK, status)

	status, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/checkout", "", map[string]any{
		"transaction_id": "tx-2", "amount": 700,
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, body["retryable"])
}

func TestConfirmEndpointIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.seedInventory(t, 12, "cola", 5)
	ssID := ts.createSession(t)

	status, _ := ts.do(t, http.MethodPut, "/api/v1/sessions/"+ssID+"/basket", "", map[string]any{
		"items": []map[string]any{
			{"product_id": "cola", "product_name": "Cola", "quantity": 1, "unit_price": 350, "slot": 12},
		},
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/checkout", "", map[string]any{
		"transaction_id": "tx-1", "amount": 350,
	})
	require.Equal(t, http.StatusOK, status)

	// The kiosk learns event ids from its dispatch queue.
	pending, err := ts.events.PendingDispatch(context.Background(), "vm-42", ssID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	confirm := map[string]any{
		"product_id": "cola", "slot": 12, "success": true, "event_id": pending[0].ID,
	}

	status, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/confirm", "", confirm)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["already_processed"])

	status, body = ts.do(t, http.MethodPost, "/api/v1/sessions/"+ssID+"/confirm", "", confirm)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["already_processed"])
}

func TestOperatorEndpointsRequireOperatorToken(t *testing.T) {
	ts := newTestServer(t)

	payload := map[string]any{
		"product_id": "cola", "product_name": "Cola", "quantity": 10, "is_active": true,
	}

	status, _ := ts.do(t, http.MethodPut, "/api/v1/machines/vm-42/inventory/12", "", payload)
	assert.Equal(t, http.StatusUnauthorized, status)

	// A shopper QR token is valid but carries no operator role.
	qr, err := ts.signer.SessionPayload("ss-1", "vm-42", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	status, _ = ts.do(t, http.MethodPut, "/api/v1/machines/vm-42/inventory/12", qr, payload)
	assert.Equal(t, http.StatusForbidden, status)

	bearer, err := ts.signer.OperatorToken("tech-7", time.Hour)
	require.NoError(t, err)
	status, body := ts.do(t, http.MethodPut, "/api/v1/machines/vm-42/inventory/12", bearer, payload)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(10), body["quantity"])

	status, body = ts.do(t, http.MethodPost, "/api/v1/machines/vm-42/dispense-test", bearer, map[string]any{
		"product_id": "cola", "slot": 12,
	})
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["event_id"])
}
