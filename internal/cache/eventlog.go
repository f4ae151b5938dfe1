// Package cache fronts the processed event log with Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront-payments/internal/domain/payment"
)

const defaultTTL = 72 * time.Hour

var _ payment.EventLog = (*EventLog)(nil)

// EventLog answers Seen from Redis when it can and always falls back to the
// durable log. Redis errors never fail a call.
type EventLog struct {
	next   payment.EventLog
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewEventLog wraps next. A zero ttl keeps ids for three days, which covers
// the processor's redelivery window.
func NewEventLog(next payment.EventLog, client redis.UniversalClient, prefix string, ttl time.Duration) *EventLog {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &EventLog{next: next, client: client, prefix: prefix, ttl: ttl}
}

func (l *EventLog) key(eventID string) string {
	return fmt.Sprintf("%s:webhook-event:%s", l.prefix, eventID)
}

func (l *EventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(eventID)).Result()
	if err != nil {
		zctx.From(ctx).Warn("Event cache lookup failed", zap.String("event_id", eventID), zap.Error(err))
	} else if n > 0 {
		return true, nil
	}
	return l.next.Seen(ctx, eventID)
}

func (l *EventLog) Record(ctx context.Context, eventID, eventType string) error {
	if err := l.next.Record(ctx, eventID, eventType); err != nil {
		return err
	}
	if err := l.client.Set(ctx, l.key(eventID), eventType, l.ttl).Err(); err != nil {
		zctx.From(ctx).Warn("Event cache write failed", zap.String("event_id", eventID), zap.Error(err))
	}
	return nil
}
