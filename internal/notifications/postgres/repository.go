// Package postgres provides PostgreSQL implementations of the notification
// queue store, failure log and delivery ledger.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andreasco/concierge/internal/notifications"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `
	id, source_table, record_id, payload, status, attempt_count,
	COALESCE(last_error, ''), next_attempt_at, COALESCE(claim_token, ''), claimed_at,
	created_at, updated_at, processed_at`

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a pending queue entry.
func (r *Repository) Enqueue(ctx context.Context, entry *notifications.QueueEntry) error {
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var createdAt *time.Time
	if !entry.CreatedAt.IsZero() {
		createdAt = &entry.CreatedAt
	}

	query := `
		INSERT INTO notifications_queue (source_table, record_id, payload, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, COALESCE($4, NOW()), COALESCE($4, NOW()))
		RETURNING id, status, attempt_count, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, entry.SourceTable, entry.RecordID, []byte(payload), createdAt).Scan(
		&entry.ID,
		&entry.Status,
		&entry.AttemptCount,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	entry.Payload = payload
	return nil
}

// ClaimPending atomically moves up to req.Limit pending entries to processing.
// Rows locked by a concurrent claim are skipped, so two callers never receive the same entry.
func (r *Repository) ClaimPending(ctx context.Context, req notifications.ClaimRequest) ([]*notifications.QueueEntry, error) {
	query := `
		UPDATE notifications_queue q
		SET status = 'processing', claim_token = $2, claimed_at = $3, updated_at = $3
		FROM (
			SELECT id FROM notifications_queue
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) claimable
		WHERE q.id = claimable.id
		RETURNING ` + qualified("q") + `
	`
	rows, err := r.db.Query(ctx, query, req.Limit, req.Token, req.ClaimedAt)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	entries := make([]*notifications.QueueEntry, 0, req.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	// RETURNING order is unspecified.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// RecoverStale returns processing entries claimed before claimedBefore to pending.
func (r *Repository) RecoverStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	query := `
		UPDATE notifications_queue
		SET status = 'pending', claim_token = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < $1
	`
	result, err := r.db.Exec(ctx, query, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// RequeueDue returns failed entries whose retry time has passed to pending.
func (r *Repository) RequeueDue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE notifications_queue
		SET status = 'pending', next_attempt_at = NULL, updated_at = NOW()
		WHERE status = 'failed' AND next_attempt_at <= $1
	`
	result, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("requeue due entries: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkProcessed records a successful attempt.
func (r *Repository) MarkProcessed(ctx context.Context, id, claimToken string, processedAt time.Time) error {
	query := `
		UPDATE notifications_queue
		SET status = 'processed',
			attempt_count = attempt_count + 1,
			last_error = NULL,
			next_attempt_at = NULL,
			claim_token = NULL,
			processed_at = $3,
			updated_at = $3
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`
	result, err := r.db.Exec(ctx, query, id, claimToken, processedAt)
	if err != nil {
		return fmt.Errorf("mark as processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrClaimLost
	}
	return nil
}

// MarkFailed records a failed attempt and appends a failure record in one transaction.
func (r *Repository) MarkFailed(ctx context.Context, id, claimToken string, failure notifications.Failure) error {
	if failure.Status != notifications.QueueStatusFailed && failure.Status != notifications.QueueStatusDead {
		return fmt.Errorf("mark as failed: invalid status %q", failure.Status)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	updateQuery := `
		UPDATE notifications_queue
		SET status = $3,
			attempt_count = attempt_count + 1,
			last_error = $4,
			next_attempt_at = $5,
			claim_token = NULL,
			updated_at = $6
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`
	result, err := tx.Exec(ctx, updateQuery,
		id,
		claimToken,
		string(failure.Status),
		failure.Message,
		failure.NextAttemptAt,
		failure.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("mark as failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrClaimLost
	}

	insertQuery := `
		INSERT INTO notifications_failures (queue_id, error_message, attempt, recorded_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, insertQuery, id, failure.Message, failure.Attempt, failure.RecordedAt); err != nil {
		return fmt.Errorf("insert failure record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetEntry retrieves a queue entry by ID.
func (r *Repository) GetEntry(ctx context.Context, id string) (*notifications.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM notifications_queue WHERE id = $1`

	entry, err := scanEntry(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

// ListFailures returns failure records for an entry, oldest first.
func (r *Repository) ListFailures(ctx context.Context, queueID string, limit int) ([]notifications.FailureRecord, error) {
	query := `
		SELECT id, queue_id, error_message, attempt, recorded_at
		FROM notifications_failures
		WHERE queue_id = $1
		ORDER BY recorded_at, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	failures := make([]notifications.FailureRecord, 0)
	for rows.Next() {
		var f notifications.FailureRecord
		if err := rows.Scan(&f.ID, &f.QueueID, &f.ErrorMessage, &f.Attempt, &f.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan failure record: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}

	return failures, nil
}

// RetryEntry returns a failed or dead entry to pending.
func (r *Repository) RetryEntry(ctx context.Context, id string) error {
	query := `
		UPDATE notifications_queue
		SET status = 'pending', next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('failed', 'dead')
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("retry entry: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM notifications_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check entry: %w", err)
	}
	if !exists {
		return notifications.ErrEntryNotFound
	}
	return notifications.ErrNotRetryable
}

// GetQueueStats returns queue counts by status.
func (r *Repository) GetQueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM notifications_queue GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	var stats notifications.QueueStats
	for rows.Next() {
		var status notifications.QueueStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case notifications.QueueStatusPending:
			stats.Pending = count
		case notifications.QueueStatusProcessing:
			stats.Processing = count
		case notifications.QueueStatusProcessed:
			stats.Processed = count
		case notifications.QueueStatusFailed:
			stats.Failed = count
		case notifications.QueueStatusDead:
			stats.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}

	return &stats, nil
}

func qualified(alias string) string {
	return fmt.Sprintf(`
	%[1]s.id, %[1]s.source_table, %[1]s.record_id, %[1]s.payload, %[1]s.status, %[1]s.attempt_count,
	COALESCE(%[1]s.last_error, ''), %[1]s.next_attempt_at, COALESCE(%[1]s.claim_token, ''), %[1]s.claimed_at,
	%[1]s.created_at, %[1]s.updated_at, %[1]s.processed_at`, alias)
}

func scanEntry(row pgx.Row) (*notifications.QueueEntry, error) {
	var e notifications.QueueEntry
	var payload []byte
	err := row.Scan(
		&e.ID,
		&e.SourceTable,
		&e.RecordID,
		&payload,
		&e.Status,
		&e.AttemptCount,
		&e.LastError,
		&e.NextAttemptAt,
		&e.ClaimToken,
		&e.ClaimedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
