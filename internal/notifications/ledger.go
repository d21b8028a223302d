package notifications

import (
	"context"
	"sync"
	"time"
)

// Delivery records a successful channel send.
type Delivery struct {
	Key         string
	QueueID     string
	Channel     ChannelName
	DeliveredAt time.Time
}

// DeliveryLedger remembers delivered idempotency keys across attempts and processes.
type DeliveryLedger interface {
	IsDelivered(ctx context.Context, key string) (bool, error)
	MarkDelivered(ctx context.Context, d Delivery) error
}

// MemoryLedger is an in-process DeliveryLedger.
// It only deduplicates within a single process.
type MemoryLedger struct {
	mu         sync.RWMutex
	deliveries map[string]Delivery
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{deliveries: make(map[string]Delivery)}
}

// IsDelivered reports whether key was recorded.
func (l *MemoryLedger) IsDelivered(_ context.Context, key string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.deliveries[key]
	return ok, nil
}

// MarkDelivered records d. The first record for a key wins.
func (l *MemoryLedger) MarkDelivered(_ context.Context, d Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.deliveries[d.Key]; !ok {
		l.deliveries[d.Key] = d
	}
	return nil
}
