// Package notifications drains the concierge notification queue and delivers
// appointment and contact-message alerts over email and SMS.
package notifications

import (
	"context"
	"time"
)

// Repository defines the queue store used by the dispatch worker.
type Repository interface {
	// Enqueue inserts a pending entry. Upstream producers normally do this through a database trigger.
	Enqueue(ctx context.Context, entry *QueueEntry) error

	// ClaimPending atomically moves up to req.Limit pending entries, oldest first, to processing.
	ClaimPending(ctx context.Context, req ClaimRequest) ([]*QueueEntry, error)

	// RecoverStale returns processing entries claimed before claimedBefore to pending.
	RecoverStale(ctx context.Context, claimedBefore time.Time) (int64, error)

	// RequeueDue returns failed entries whose next attempt is due to pending.
	RequeueDue(ctx context.Context, now time.Time) (int64, error)

	// MarkProcessed and MarkFailed only apply while the entry is still held by claimToken;
	// otherwise they return ErrClaimLost.
	MarkProcessed(ctx context.Context, id, claimToken string, processedAt time.Time) error
	MarkFailed(ctx context.Context, id, claimToken string, failure Failure) error

	// Inspection and operator actions.
	GetEntry(ctx context.Context, id string) (*QueueEntry, error)
	ListFailures(ctx context.Context, queueID string, limit int) ([]FailureRecord, error)
	RetryEntry(ctx context.Context, id string) error
	GetQueueStats(ctx context.Context) (*QueueStats, error)
}
