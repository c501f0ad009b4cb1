package notify

import (
	"context"
	"encoding/json"

	"payment-webhook-service/internal/message"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier publishes status changes keyed by order id, so consumers see
// the changes of one order in order.
type KafkaNotifier struct {
	writer messageWriter
}

func NewKafkaNotifier(writer *kafka.Writer) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

func (k *KafkaNotifier) Notify(ctx context.Context, msg message.OrderStatusChanged) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal order status change")
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.OrderID.String()),
		Value: value,
	})
	return errors.Wrapf(err, "publish status change of order %s", msg.OrderID)
}
