package dispenser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/kiosk/internal/models"
	"github.com/vendora/kiosk/pkg/logger"
)

type fakeSource struct {
	events []*models.Event
}

func (f *fakeSource) PendingDispatch(ctx context.Context, machineID, sessionID string) ([]*models.Event, error) {
	return f.events, nil
}

// scriptedActuator returns its scripted errors in order, then succeeds.
type scriptedActuator struct {
	script []error
	calls  int
}

func (a *scriptedActuator) Dispense(ctx context.Context, slot int, token string) error {
	defer func() { a.calls++ }()
	if a.calls < len(a.script) {
		return a.script[a.calls]
	}
	return nil
}

type recordingConfirmer struct {
	mu       sync.Mutex
	requests []ConfirmRequest
	failures int
}

func (c *recordingConfirmer) ConfirmDispense(ctx context.Context, sessionID string, req ConfirmRequest) (*ConfirmResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("backend unreachable")
	}
	c.requests = append(c.requests, req)
	return &ConfirmResponse{}, nil
}

func (c *recordingConfirmer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func testConfig() Config {
	return Config{
		MachineID:        "vm-42",
		MaxRetries:       2,
		RetryDelay:       0,
		TransportRetries: 2,
		TransportBackoff: 0,
		ConfirmBackoff:   time.Millisecond,
	}
}

func dispatchEvent(id string, seq int, ts time.Time) *models.Event {
	return &models.Event{
		ID:             id,
		Type:           models.EventProductDispatch,
		SessionID:      "ss-1",
		MachineID:      "vm-42",
		SequenceNumber: seq,
		Timestamp:      ts,
		Payload:        models.ProductDispatchPayload{ProductID: "cola", ProductName: "Cola", Slot: 12, Price: 350},
	}
}

func TestDrainSessionOrdersByTimestampThenSequence(t *testing.T) {
	ctx := context.Background()
	base := time.Now()

	// Delivered shuffled; the drain must restore (timestamp, sequence)
	// order.
	src := &fakeSource{events: []*models.Event{
		dispatchEvent("ev-c", 3, base),
		dispatchEvent("ev-late", 1, base.Add(time.Second)),
		dispatchEvent("ev-a", 1, base),
		dispatchEvent("ev-b", 2, base),
	}}
	conf := &recordingConfirmer{}
	c := NewController(src, &scriptedActuator{}, conf, testConfig(), logger.InitializeTestZapLogger())

	require.NoError(t, c.DrainSession(ctx, "ss-1"))

	require.Len(t, conf.requests, 4)
	order := make([]string, 0, 4)
	for _, req := range conf.requests {
		order = append(order, req.EventID)
	}
	assert.Equal(t, []string{"ev-a", "ev-b", "ev-c", "ev-late"}, order)
	for _, req := range conf.requests {
		assert.True(t, req.Success)
		assert.Zero(t, req.RetryCount)
	}
}

func TestDispenseSucceedsAfterRetry(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{events: []*models.Event{dispatchEvent("ev-1", 1, time.Now())}}
	act := &scriptedActuator{script: []error{ErrDispenseFailed}}
	conf := &recordingConfirmer{}
	c := NewController(src, act, conf, testConfig(), logger.InitializeTestZapLogger())

	require.NoError(t, c.DrainSession(ctx, "ss-1"))

	assert.Equal(t, 2, act.calls)
	require.Len(t, conf.requests, 1)
	assert.True(t, conf.requests[0].Success)
	assert.Equal(t, 1, conf.requests[0].RetryCount)
}

func TestDispenseResolvesFailedAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{events: []*models.Event{dispatchEvent("ev-1", 1, time.Now())}}
	act := &scriptedActuator{script: []error{ErrDispenseFailed, ErrDispenseFailed, ErrDispenseFailed, ErrDispenseFailed}}
	conf := &recordingConfirmer{}
	c := NewController(src, act, conf, testConfig(), logger.InitializeTestZapLogger())

	require.NoError(t, c.DrainSession(ctx, "ss-1"))

	// MaxRetries 2 means 3 attempts total, then a forced failure.
	assert.Equal(t, 3, act.calls)
	require.Len(t, conf.requests, 1)
	assert.False(t, conf.requests[0].Success)
	assert.Equal(t, 2, conf.requests[0].RetryCount)
}

func TestTransportFaultForceResolvesAsFailed(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{events: []*models.Event{dispatchEvent("ev-1", 1, time.Now())}}
	transportErr := errors.New("actuator unreachable")
	act := &scriptedActuator{script: []error{transportErr, transportErr, transportErr, transportErr}}
	conf := &recordingConfirmer{}
	c := NewController(src, act, conf, testConfig(), logger.InitializeTestZapLogger())

	require.NoError(t, c.DrainSession(ctx, "ss-1"))

	// The event still reaches a terminal outcome; it is never dropped.
	assert.Equal(t, 3, act.calls)
	require.Len(t, conf.requests, 1)
	assert.False(t, conf.requests[0].Success)
}

func TestPoisonedEventDoesNotStallTheQueue(t *testing.T) {
	ctx := context.Background()
	base := time.Now()
	src := &fakeSource{events: []*models.Event{
		dispatchEvent("ev-bad", 1, base),
		dispatchEvent("ev-good", 2, base),
	}}
	// ev-bad exhausts its whole budget; ev-good then succeeds.
	act := &scriptedActuator{script: []error{ErrDispenseFailed, ErrDispenseFailed, ErrDispenseFailed}}
	conf := &recordingConfirmer{}
	c := NewController(src, act, conf, testConfig(), logger.InitializeTestZapLogger())

	require.NoError(t, c.DrainSession(ctx, "ss-1"))

	require.Len(t, conf.requests, 2)
	assert.Equal(t, "ev-bad", conf.requests[0].EventID)
	assert.False(t, conf.requests[0].Success)
	assert.Equal(t, "ev-good", conf.requests[1].EventID)
	assert.True(t, conf.requests[1].Success)
}

func TestConfirmRetriesUntilBackendRecovers(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{events: []*models.Event{dispatchEvent("ev-1", 1, time.Now())}}
	conf := &recordingConfirmer{failures: 2}
	c := NewController(src, &scriptedActuator{}, conf, testConfig(), logger.InitializeTestZapLogger())

	require.NoError(t, c.DrainSession(ctx, "ss-1"))

	require.Len(t, conf.requests, 1)
	assert.True(t, conf.requests[0].Success)
}

func TestDrainSessionRequiresSessionID(t *testing.T) {
	c := NewController(&fakeSource{}, &scriptedActuator{}, &recordingConfirmer{}, testConfig(), logger.InitializeTestZapLogger())
	assert.Error(t, c.DrainSession(context.Background(), ""))
}

func TestRunDrainsOnNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{events: []*models.Event{dispatchEvent("ev-1", 1, time.Now())}}
	conf := &recordingConfirmer{}
	c := NewController(src, &scriptedActuator{}, conf, testConfig(), logger.InitializeTestZapLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	c.NotifyDispatch(ctx, "ss-1")

	require.Eventually(t, func() bool {
		return conf.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
