package dispenser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vendora/kiosk/internal/models"
	"github.com/vendora/kiosk/pkg/logger"
)

// EventSource is the durable dispatch log the controller drains.
// Satisfied by the Redis event repository.
type EventSource interface {
	PendingDispatch(ctx context.Context, machineID, sessionID string) ([]*models.Event, error)
}

type Config struct {
	MachineID string
	// MaxRetries bounds retries after an actuator-reported failure,
	// per (event, product) key. 2 retries means at most 3 attempts.
	MaxRetries int
	RetryDelay time.Duration
	// TransportRetries bounds the separate retry tier for errors in
	// reaching the hardware at all. Exhausting it force-resolves the
	// event as failed so one poisoned event cannot stall the queue.
	TransportRetries int
	TransportBackoff time.Duration
	// ConfirmRetries bounds retries of the idempotent confirm call.
	ConfirmRetries int
	ConfirmBackoff time.Duration
	// RequeueDelay spaces out re-drains of a session whose
	// confirmation could not be delivered.
	RequeueDelay time.Duration
}

// Controller is the kiosk-side actor. It drains dispatch events for
// its machine one at a time: there is exactly one physical mechanism,
// so concurrent dispense attempts are unsafe, not just slow.
type Controller struct {
	src  EventSource
	act  Actuator
	conf Confirmer
	cfg  Config
	l    logger.Logger

	// busy is the single-flight guard around the actuator. The drain
	// loop is a single goroutine, so this only trips if a second loop
	// is started by mistake.
	mu   sync.Mutex
	busy bool

	sessionCh chan string

	// retryCounts survives across drains of the same event so a
	// re-delivered event does not get a fresh retry budget.
	retryCounts map[string]int
}

func NewController(src EventSource, act Actuator, conf Confirmer, cfg Config, l logger.Logger) *Controller {
	if cfg.ConfirmRetries == 0 {
		cfg.ConfirmRetries = 5
	}
	if cfg.ConfirmBackoff == 0 {
		cfg.ConfirmBackoff = time.Second
	}
	if cfg.RequeueDelay == 0 {
		cfg.RequeueDelay = 5 * time.Second
	}

	return &Controller{
		src:         src,
		act:         act,
		conf:        conf,
		cfg:         cfg,
		l:           l,
		sessionCh:   make(chan string, 64),
		retryCounts: make(map[string]int),
	}
}

// NotifyDispatch wakes the controller for a session. Duplicate and
// stale wake-ups are fine: draining an already-empty session is a
// no-op.
func (c *Controller) NotifyDispatch(ctx context.Context, sessionID string) {
	select {
	case c.sessionCh <- sessionID:
	default:
		c.l.Warnf(ctx, "Wake-up queue full, dropping notification: session_id=%s", sessionID)
	}
}

// Run processes wake-ups until the context ends. It is the only
// goroutine that touches the actuator.
func (c *Controller) Run(ctx context.Context) error {
	c.l.Infof(ctx, "Dispense controller running: machine_id=%s", c.cfg.MachineID)

	for {
		select {
		case <-ctx.Done():
			c.l.Infof(ctx, "Dispense controller stopped: %v", ctx.Err())
			return ctx.Err()
		case sessionID := <-c.sessionCh:
			if err := c.DrainSession(ctx, sessionID); err != nil {
				c.l.Errorf(ctx, "Drain interrupted, will retry: session_id=%s: %v", sessionID, err)
				c.requeue(ctx, sessionID)
			}
		}
	}
}

// DrainSession resolves every pending dispatch event for one session,
// strictly in (timestamp, sequence) order, one at a time. Every event
// reaches a terminal outcome: success, or failed after the retry
// budget, but never a silent drop.
func (c *Controller) DrainSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required to drain dispatch events")
	}

	events, err := c.src.PendingDispatch(ctx, c.cfg.MachineID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load pending dispatch events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	// The subscription may deliver out of order or twice; ordering is
	// restored here. Sequence breaks ties within a same-timestamp
	// batch.
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].SequenceNumber < events[j].SequenceNumber
	})

	c.l.Infof(ctx, "Draining %d dispatch events: session_id=%s", len(events), sessionID)

	for _, ev := range events {
		if err := c.processEvent(ctx, ev); err != nil {
			return err
		}
	}

	return nil
}

func (c *Controller) processEvent(ctx context.Context, ev *models.Event) error {
	dispatch, ok := ev.Dispatch()
	if !ok {
		c.l.Errorf(ctx, "Dispatch queue delivered a non-dispatch event, skipping: event_id=%s type=%s", ev.ID, ev.Type)
		return nil
	}

	if !c.beginDispense() {
		return errors.New("another dispense attempt is already in flight")
	}
	success, attempts := c.attemptDispense(ctx, ev, dispatch)
	c.endDispense()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if success {
		c.l.Infof(ctx, "Dispensed: event_id=%s product_id=%s slot=%d attempts=%d",
			ev.ID, dispatch.ProductID, dispatch.Slot, attempts)
	} else {
		c.l.Warnf(ctx, "Dispense failed after %d attempts, resolving as failed: event_id=%s product_id=%s slot=%d",
			attempts, ev.ID, dispatch.ProductID, dispatch.Slot)
	}

	// The outcome, failure included, must land before the next event
	// starts. The confirm endpoint is idempotent per event id.
	return c.confirmOutcome(ctx, ev, dispatch, success, attempts-1)
}

// attemptDispense drives one event to a local terminal outcome. Two
// retry tiers: actuator-reported failures get MaxRetries with a fixed
// delay; transport faults get their own smaller budget with
// exponential backoff. Exhausting either tier resolves the event as
// failed.
func (c *Controller) attemptDispense(ctx context.Context, ev *models.Event, dispatch models.ProductDispatchPayload) (bool, int) {
	key := retryKey(ev.ID, dispatch.ProductID)
	transportAttempts := 0
	attempts := 0

	for {
		if ctx.Err() != nil {
			return false, attempts
		}

		attempts++
		err := c.act.Dispense(ctx, dispatch.Slot, ev.ID)
		if err == nil {
			delete(c.retryCounts, key)
			return true, attempts
		}

		if errors.Is(err, ErrDispenseFailed) {
			c.retryCounts[key]++
			if c.retryCounts[key] > c.cfg.MaxRetries {
				delete(c.retryCounts, key)
				return false, attempts
			}
			c.l.Warnf(ctx, "Actuator failure, retrying: event_id=%s retry=%d: %v", ev.ID, c.retryCounts[key], err)
			if !sleepCtx(ctx, c.cfg.RetryDelay) {
				return false, attempts
			}
			continue
		}

		transportAttempts++
		if transportAttempts > c.cfg.TransportRetries {
			c.l.Errorf(ctx, "Transport retries exhausted, force-resolving as failed: event_id=%s: %v", ev.ID, err)
			delete(c.retryCounts, key)
			return false, attempts
		}
		backoff := c.cfg.TransportBackoff * (1 << (transportAttempts - 1))
		c.l.Warnf(ctx, "Transport error, backing off %s: event_id=%s: %v", backoff, ev.ID, err)
		if !sleepCtx(ctx, backoff) {
			return false, attempts
		}
	}
}

func (c *Controller) confirmOutcome(ctx context.Context, ev *models.Event, dispatch models.ProductDispatchPayload, success bool, retries int) error {
	req := ConfirmRequest{
		ProductID:  dispatch.ProductID,
		Slot:       dispatch.Slot,
		Success:    success,
		EventID:    ev.ID,
		RetryCount: retries,
	}

	var lastErr error
	for i := 0; i < c.cfg.ConfirmRetries; i++ {
		resp, err := c.conf.ConfirmDispense(ctx, ev.SessionID, req)
		if err == nil {
			if resp.AlreadyProcessed {
				c.l.Debugf(ctx, "Outcome was already confirmed: event_id=%s", ev.ID)
			}
			return nil
		}
		lastErr = err
		c.l.Warnf(ctx, "Confirm failed, retrying: event_id=%s attempt=%d: %v", ev.ID, i+1, err)
		if !sleepCtx(ctx, c.cfg.ConfirmBackoff*time.Duration(i+1)) {
			return ctx.Err()
		}
	}

	return fmt.Errorf("failed to confirm outcome for event %s: %w", ev.ID, lastErr)
}

func (c *Controller) requeue(ctx context.Context, sessionID string) {
	go func() {
		if !sleepCtx(ctx, c.cfg.RequeueDelay) {
			return
		}
		c.NotifyDispatch(ctx, sessionID)
	}()
}

func (c *Controller) beginDispense() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *Controller) endDispense() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func retryKey(eventID, productID string) string {
	return eventID + ":" + productID
}

// sleepCtx sleeps unless the context ends first; returns false when
// interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
