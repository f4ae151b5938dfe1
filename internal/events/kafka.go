// Package events publishes order settlements to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/storefront-payments/internal/domain/payment"
)

var _ payment.Notifier = (*KafkaNotifier)(nil)

// KafkaNotifier writes one message per settlement, keyed by order id so
// every settlement of an order lands on the same partition.
type KafkaNotifier struct {
	w *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}}
}

func (n *KafkaNotifier) OrderSettled(ctx context.Context, s payment.Settlement) error {
	err := n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.OrderID),
		Value: EncodeSettlement(s),
		Time:  s.At,
	})
	if err != nil {
		return errors.Wrapf(err, "write settlement of order %s", s.OrderID)
	}
	return nil
}

// Close flushes pending writes.
func (n *KafkaNotifier) Close() error {
	return n.w.Close()
}

// EncodeSettlement renders the settlement message body.
func EncodeSettlement(s payment.Settlement) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(s.OrderID)
	e.FieldStart("userId")
	e.Str(s.UserID)
	e.FieldStart("status")
	e.Str(string(s.Status))
	e.FieldStart("eventId")
	e.Str(s.EventID)
	e.FieldStart("settledAt")
	e.Str(s.At.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

// Ping dials the first reachable broker.
func Ping(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return errors.Wrap(lastErr, "dial kafka")
}
