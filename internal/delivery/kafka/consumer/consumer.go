package consumer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"

	kafka "github.com/vendora/kiosk/internal/delivery/kafka"
	"github.com/vendora/kiosk/internal/models"
	"github.com/vendora/kiosk/pkg/logger"
)

// DispatchNotifier is woken whenever a dispatch event lands for the
// consumer's machine. It only signals; the controller drains the
// durable log itself, so duplicate or out-of-order deliveries are
// harmless.
type DispatchNotifier interface {
	NotifyDispatch(ctx context.Context, sessionID string)
}

// Consumer subscribes the kiosk controller to its machine's dispatch
// topic as a low-latency wake-up channel.
type Consumer struct {
	consGr    sarama.ConsumerGroup
	machineID string
	notifier  DispatchNotifier
	l         logger.Logger
	wg        sync.WaitGroup
}

func NewConsumer(
	consGr sarama.ConsumerGroup,
	machineID string,
	notifier DispatchNotifier,
	l logger.Logger,
) *Consumer {
	return &Consumer{
		consGr:    consGr,
		machineID: machineID,
		notifier:  notifier,
		l:         l,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	topics := []string{kafka.TopicProductDispatch}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consGr.Consume(ctx, topics, c); err != nil {
				c.l.Errorf(ctx, "delivery.kafka.consumer.Start: %v", err)
			}

			if ctx.Err() != nil {
				c.l.Infof(ctx, "delivery.kafka.consumer.Start: %v", ctx.Err())
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consGr.Errors() {
			c.l.Errorf(ctx, "delivery.kafka.consumer: %v", err)
		}
	}()

	c.l.Infof(ctx, "Consumer is consuming topics: %v", topics)
	return nil
}

func (c *Consumer) Close() error {
	if err := c.consGr.Close(); err != nil {
		return err
	}

	c.wg.Wait()
	return nil
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages()
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg := <-claim.Messages():
			if msg == nil {
				return nil
			}

			c.handleMessage(session.Context(), msg)
			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	var ev models.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.l.Errorf(ctx, "delivery.kafka.consumer.handleMessage: %v", err)
		return
	}

	if ev.MachineID != c.machineID {
		return
	}

	c.l.Debugf(ctx, "Dispatch wake-up: session_id=%s event_id=%s", ev.SessionID, ev.ID)
	c.notifier.NotifyDispatch(ctx, ev.SessionID)
}
