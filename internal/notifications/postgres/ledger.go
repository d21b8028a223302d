package postgres

import (
	"context"
	"fmt"

	"github.com/andreasco/concierge/internal/notifications"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger implements notifications.DeliveryLedger on the notifications_deliveries table.
type Ledger struct {
	db *pgxpool.Pool
}

// NewLedger creates a new PostgreSQL delivery ledger.
func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// IsDelivered reports whether key was recorded.
func (l *Ledger) IsDelivered(ctx context.Context, key string) (bool, error) {
	var delivered bool
	query := `SELECT EXISTS(SELECT 1 FROM notifications_deliveries WHERE idempotency_key = $1)`
	if err := l.db.QueryRow(ctx, query, key).Scan(&delivered); err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return delivered, nil
}

// MarkDelivered records a delivery. The first record for a key wins.
func (l *Ledger) MarkDelivered(ctx context.Context, d notifications.Delivery) error {
	query := `
		INSERT INTO notifications_deliveries (idempotency_key, queue_id, channel, delivered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	if _, err := l.db.Exec(ctx, query, d.Key, d.QueueID, string(d.Channel), d.DeliveredAt); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}
