package kafka

import "github.com/vendora/kiosk/internal/models"

const (
	TopicSessionCreated  = "kiosk.session.created"
	TopicPaymentReceived = "kiosk.payment.received"
	TopicProductDispatch = "kiosk.product.dispatch"
	TopicDispenseSuccess = "kiosk.dispense.success"
	TopicDispenseFailed  = "kiosk.dispense.failed"
	TopicStockLow        = "kiosk.stock.low"
	TopicRefundRequested = "kiosk.refund.requested"
	TopicSessionExpired  = "kiosk.session.expired"
)

var topicByEventType = map[models.EventType]string{
	models.EventSessionCreated:  TopicSessionCreated,
	models.EventPaymentReceived: TopicPaymentReceived,
	models.EventProductDispatch: TopicProductDispatch,
	models.EventDispenseSuccess: TopicDispenseSuccess,
	models.EventDispenseFailed:  TopicDispenseFailed,
	models.EventStockLow:        TopicStockLow,
	models.EventRefundRequested: TopicRefundRequested,
	models.EventSessionExpired:  TopicSessionExpired,
}

// TopicFor maps a log event type to its Kafka topic.
func TopicFor(t models.EventType) (string, bool) {
	topic, ok := topicByEventType[t]
	return topic, ok
}
