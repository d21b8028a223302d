// Package redis provides a Redis-backed delivery ledger shared by all dispatcher replicas.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andreasco/concierge/internal/notifications"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "concierge:delivered:"

// NewClient creates a client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Ledger implements notifications.DeliveryLedger on Redis keys.
// Keys expire after ttl when it is positive. An expired key no longer blocks a
// resend, so a bounded ttl must outlive every retry, manual ones included.
type Ledger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLedger creates a Redis ledger. ttl <= 0 keeps keys until deleted.
func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	return &Ledger{client: client, ttl: max(ttl, 0)}
}

type record struct {
	QueueID     string    `json:"queue_id"`
	Channel     string    `json:"channel"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// IsDelivered reports whether key was recorded.
func (l *Ledger) IsDelivered(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered records a delivery. The first record for a key wins.
func (l *Ledger) MarkDelivered(ctx context.Context, d notifications.Delivery) error {
	b, err := json.Marshal(record{
		QueueID:     d.QueueID,
		Channel:     string(d.Channel),
		DeliveredAt: d.DeliveredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	if err := l.client.SetNX(ctx, keyPrefix+d.Key, b, l.ttl).Err(); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}
