package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	kafka "github.com/vendora/kiosk/internal/delivery/kafka"
	"github.com/vendora/kiosk/internal/models"
	"github.com/vendora/kiosk/pkg/logger"
)

// Producer mirrors every log event onto Kafka for downstream
// consumers (kiosk wake-ups, audit, dashboards). The durable log in
// Redis stays the source of truth; Kafka delivery is at-least-once and
// eventually consistent.
type Producer interface {
	PublishEvent(ctx context.Context, ev *models.Event) error
	Close() error
}

type implProducer struct {
	l    logger.Logger
	prod sarama.SyncProducer
}

func NewProducer(prod sarama.SyncProducer, l logger.Logger) Producer {
	return &implProducer{
		l:    l,
		prod: prod,
	}
}

func (p *implProducer) PublishEvent(ctx context.Context, ev *models.Event) error {
	topic, ok := kafka.TopicFor(ev.Type)
	if !ok {
		return fmt.Errorf("no topic mapped for event type %s", ev.Type)
	}

	val, err := json.Marshal(ev)
	if err != nil {
		p.l.Errorf(ctx, "delivery.kafka.producer.PublishEvent: %v", err)
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.MachineID), // Partition by machine for per-kiosk ordering
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("timestamp"),
				Value: []byte(time.Now().Format(time.RFC3339)),
			},
		},
	}

	if _, _, err := p.prod.SendMessage(msg); err != nil {
		p.l.Errorf(ctx, "delivery.kafka.producer.PublishEvent: %v", err)
		return err
	}

	return nil
}

func (p *implProducer) Close() error {
	return p.prod.Close()
}

// nopProducer swallows publishes when Kafka is disabled (local dev).
type nopProducer struct{}

func NewNopProducer() Producer {
	return nopProducer{}
}

func (nopProducer) PublishEvent(context.Context, *models.Event) error { return nil }
func (nopProducer) Close() error                                      { return nil }
