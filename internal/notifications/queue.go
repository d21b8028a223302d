package notifications

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// QueueStatus represents the status of a queue entry.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusProcessed  QueueStatus = "processed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusDead       QueueStatus = "dead" // retries exhausted or permanent error
)

// MaxErrorLength bounds last_error and failure record messages, in runes.
const MaxErrorLength = 500

// QueueEntry represents a notification request in the queue.
type QueueEntry struct {
	ID            string          `json:"id"`
	SourceTable   string          `json:"source_table"`
	RecordID      string          `json:"record_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        QueueStatus     `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	ClaimToken    string          `json:"-"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// FailureRecord is an append-only record of a failed delivery attempt.
type FailureRecord struct {
	ID           int64     `json:"id"`
	QueueID      string    `json:"queue_id"`
	ErrorMessage string    `json:"error_message"`
	Attempt      int       `json:"attempt"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// QueueStats contains queue counts by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dead       int64 `json:"dead"`
}

// ClaimRequest describes a batch claim.
type ClaimRequest struct {
	Limit     int
	Token     string
	ClaimedAt time.Time
}

// Failure describes how a failed attempt is written back.
// Status is QueueStatusFailed (retry scheduled at NextAttemptAt) or QueueStatusDead.
type Failure struct {
	Status        QueueStatus
	Message       string
	Attempt       int
	NextAttemptAt *time.Time
	RecordedAt    time.Time
}

// TruncateError shortens msg to MaxErrorLength runes.
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}
