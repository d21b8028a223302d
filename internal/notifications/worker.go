package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/andreasco/concierge/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/andreasco/concierge/internal/notifications")

// writeBackTimeout bounds a status or ledger write that runs after the caller's context is gone.
const writeBackTimeout = 10 * time.Second

// writeBackContext keeps ctx's values but not its cancellation, so a delivery
// that already reached a provider is still recorded when the trigger disconnects.
func writeBackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
}

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize         int
	MaxBatchSize      int
	Concurrency       int
	PollInterval      time.Duration // zero disables the background loop
	StaleAfter        time.Duration
	EntryTimeout      time.Duration // bounds delivery of one claimed entry
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         25,
		MaxBatchSize:      100,
		Concurrency:       5,
		PollInterval:      30 * time.Second,
		StaleAfter:        5 * time.Minute,
		EntryTimeout:      30 * time.Second,
		MaxAttempts:       5,
		InitialBackoff:    30 * time.Second,
		MaxBackoff:        1 * time.Hour,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// DrainResult summarizes one drain invocation.
// Failed includes entries that were moved to dead. Unrecorded counts entries
// whose final status could not be written; they stay processing until reclaimed.
type DrainResult struct {
	Processed  int   `json:"processed"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Dead       int   `json:"dead"`
	Unrecorded int   `json:"unrecorded"`
	Reclaimed  int64 `json:"reclaimed"`
	Requeued   int64 `json:"requeued"`
}

type entryOutcome int

const (
	entrySucceeded entryOutcome = iota
	entryFailed
	entryDead
)

type entryReport struct {
	outcome  entryOutcome
	recorded bool
}

func (r *DrainResult) add(rep entryReport) {
	if !rep.recorded {
		r.Unrecorded++
		if rep.outcome != entrySucceeded {
			r.Failed++
		}
		return
	}
	switch rep.outcome {
	case entrySucceeded:
		r.Succeeded++
	case entryFailed:
		r.Failed++
	case entryDead:
		r.Failed++
		r.Dead++
	}
}

// Worker drains the notification queue.
type Worker struct {
	config     WorkerConfig
	repo       Repository
	dispatcher *Dispatcher

	now      func() time.Time
	jitter   func() float64 // uniform in [0, 1)
	newToken func() string

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new notification worker.
func NewWorker(config WorkerConfig, repo Repository, dispatcher *Dispatcher) *Worker {
	defaults := DefaultWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.BatchSize > config.MaxBatchSize {
		config.BatchSize = config.MaxBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.EntryTimeout <= 0 {
		config.EntryTimeout = defaults.EntryTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}

	return &Worker{
		config:     config,
		repo:       repo,
		dispatcher: dispatcher,
		now:        time.Now,
		jitter:     rand.Float64,
		newToken:   func() string { return uuid.NewString() },
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Config returns the effective worker configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// DrainBatch claims up to limit pending entries and attempts delivery for each.
// Per-entry failures are persisted and counted, never returned. The returned
// error wraps ErrInvalidLimit or ErrQueueUnavailable.
//
// ctx governs the queue maintenance and the claim. Once entries are claimed
// they are delivered and written back even if ctx is cancelled, each within
// EntryTimeout.
func (w *Worker) DrainBatch(ctx context.Context, limit int) (DrainResult, error) {
	if limit < 1 || limit > w.config.MaxBatchSize {
		return DrainResult{}, fmt.Errorf("%w: must be between 1 and %d, got %d", ErrInvalidLimit, w.config.MaxBatchSize, limit)
	}

	ctx, span := tracer.Start(ctx, "notifications.DrainBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("drain.limit", limit))

	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	var result DrainResult

	now := w.now()
	reclaimed, err := w.repo.RecoverStale(ctx, now.Add(-w.config.StaleAfter))
	if err != nil {
		return result, w.queueError(span, "recover stale entries", err)
	}
	result.Reclaimed = reclaimed
	if reclaimed > 0 {
		logger.Warn("reclaimed stale processing entries", "count", reclaimed, "stale_after", w.config.StaleAfter)
	}

	requeued, err := w.repo.RequeueDue(ctx, now)
	if err != nil {
		return result, w.queueError(span, "requeue due retries", err)
	}
	result.Requeued = requeued

	token := w.newToken()
	entries, err := w.repo.ClaimPending(ctx, ClaimRequest{Limit: limit, Token: token, ClaimedAt: now})
	if err != nil {
		return result, w.queueError(span, "claim pending entries", err)
	}
	if len(entries) == 0 {
		recordDrain(result, time.Since(start))
		return result, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	logger.Debug("processing notifications", "count", len(entries), "claim_token", token)

	claimedCtx := context.WithoutCancel(ctx)
	reports := make([]entryReport, len(entries))
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			entryCtx, cancel := context.WithTimeout(claimedCtx, w.config.EntryTimeout)
			defer cancel()
			reports[i] = w.processEntry(entryCtx, entry, token)
			return nil
		})
	}
	_ = g.Wait()

	result.Processed = len(entries)
	for _, rep := range reports {
		result.add(rep)
	}
	if result.Unrecorded > 0 {
		logger.Warn("delivery outcomes not recorded; entries wait for stale reclaim",
			"count", result.Unrecorded,
			"stale_after", w.config.StaleAfter,
		)
	}

	span.SetAttributes(
		attribute.Int("drain.processed", result.Processed),
		attribute.Int("drain.succeeded", result.Succeeded),
		attribute.Int("drain.failed", result.Failed),
	)
	recordDrain(result, time.Since(start))

	logger.Info("notification batch drained",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"dead", result.Dead,
		"unrecorded", result.Unrecorded,
		"reclaimed", result.Reclaimed,
		"requeued", result.Requeued,
		"duration", time.Since(start),
	)

	return result, nil
}

func (w *Worker) queueError(span trace.Span, op string, err error) error {
	recordDrainError()
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("%w: %s: %w", ErrQueueUnavailable, op, err)
}

func (w *Worker) processEntry(ctx context.Context, entry *QueueEntry, token string) entryReport {
	ctx, span := tracer.Start(ctx, "notifications.processEntry")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue.id", entry.ID),
		attribute.String("queue.source_table", entry.SourceTable),
	)

	logger := ctxlog.FromContext(ctx).With("queue_id", entry.ID, "source_table", entry.SourceTable)
	attempt := entry.AttemptCount + 1

	result, err := w.dispatcher.Deliver(ctx, entry)
	retryable := false
	if err == nil {
		err = result.Err()
		retryable = result.Retryable()
	}

	writeCtx, cancel := writeBackContext(ctx)
	defer cancel()

	if err == nil {
		if markErr := w.repo.MarkProcessed(writeCtx, entry.ID, token, w.now()); markErr != nil {
			w.logMarkError(logger, "failed to mark as processed", markErr)
			return entryReport{outcome: entrySucceeded}
		}
		return entryReport{outcome: entrySucceeded, recorded: true}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "delivery failed")

	failure := Failure{
		Status:     QueueStatusDead,
		Message:    TruncateError(err.Error()),
		Attempt:    attempt,
		RecordedAt: w.now(),
	}
	if retryable && attempt < w.config.MaxAttempts {
		next := w.calculateNextAttempt(attempt)
		if floor := w.now().Add(result.RetryAfter()); floor.After(next) {
			next = floor
		}
		failure.Status = QueueStatusFailed
		failure.NextAttemptAt = &next
	}

	logger.Warn("notification delivery failed",
		"attempt", attempt,
		"max_attempts", w.config.MaxAttempts,
		"status", failure.Status,
		"error", err,
	)

	outcome := entryFailed
	if failure.Status == QueueStatusDead {
		outcome = entryDead
	}
	if markErr := w.repo.MarkFailed(writeCtx, entry.ID, token, failure); markErr != nil {
		w.logMarkError(logger, "failed to mark as failed", markErr)
		return entryReport{outcome: outcome}
	}
	return entryReport{outcome: outcome, recorded: true}
}

func (w *Worker) logMarkError(logger *slog.Logger, msg string, err error) {
	if errors.Is(err, ErrClaimLost) {
		logger.Warn(msg+": claim was reclaimed by another invocation", "error", err)
		return
	}
	logger.Error(msg, "error", err)
}

// calculateNextAttempt returns when a failed attempt becomes eligible for retry.
// The delay grows as InitialBackoff * BackoffMultiplier^(attempt-1), capped at
// MaxBackoff, then scaled by a uniform factor in [1-JitterFactor, 1+JitterFactor].
func (w *Worker) calculateNextAttempt(attempt int) time.Time {
	backoff := float64(w.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= w.config.BackoffMultiplier
		if backoff > float64(w.config.MaxBackoff) {
			break
		}
	}

	if backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	if j := w.config.JitterFactor; j > 0 {
		backoff *= 1 + j*(2*w.jitter()-1)
	}

	return w.now().Add(time.Duration(backoff))
}

// Start launches the background poll loop. It is a no-op when PollInterval is zero.
func (w *Worker) Start(ctx context.Context) {
	if w.config.PollInterval <= 0 {
		slog.Info("notification poll loop disabled; relying on HTTP trigger and wake-ups")
		return
	}

	slog.Info("starting notification worker",
		"batch_size", w.config.BatchSize,
		"concurrency", w.config.Concurrency,
		"poll_interval", w.config.PollInterval,
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop gracefully stops the poll loop and waits for an in-flight drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("notification worker stopped")
}

// Wake asks the poll loop to drain immediately. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}

		result, err := w.DrainBatch(ctx, w.config.BatchSize)
		if err != nil {
			slog.Error("failed to drain notification queue", "error", err)
			continue
		}
		// A full batch suggests more work is waiting.
		if result.Processed == w.config.BatchSize {
			w.Wake()
		}
	}
}
