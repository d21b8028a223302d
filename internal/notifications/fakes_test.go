package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeRepository is an in-memory Repository with the same claim and CAS semantics as the postgres store.
// Queue reads and writes fail on a done context, as pgx does.
type fakeRepository struct {
	mu       sync.Mutex
	entries  map[string]*QueueEntry
	failures []FailureRecord

	claimErr   error
	recoverErr error
	requeueErr error
	markErr    error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{entries: make(map[string]*QueueEntry)}
}

func (r *fakeRepository) Enqueue(_ context.Context, entry *QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = QueueStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.UpdatedAt = entry.CreatedAt
	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

func (r *fakeRepository) ClaimPending(ctx context.Context, req ClaimRequest) ([]*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.claimErr != nil {
		return nil, r.claimErr
	}

	var pending []*QueueEntry
	for _, e := range r.entries {
		if e.Status == QueueStatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > req.Limit {
		pending = pending[:req.Limit]
	}

	claimed := make([]*QueueEntry, 0, len(pending))
	// Returned newest first so callers must order the batch themselves.
	for i := len(pending) - 1; i >= 0; i-- {
		e := pending[i]
		claimedAt := req.ClaimedAt
		e.Status = QueueStatusProcessing
		e.ClaimToken = req.Token
		e.ClaimedAt = &claimedAt
		e.UpdatedAt = req.ClaimedAt
		cp := *e
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *fakeRepository) RecoverStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.recoverErr != nil {
		return 0, r.recoverErr
	}

	var n int64
	for _, e := range r.entries {
		if e.Status == QueueStatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(claimedBefore) {
			e.Status = QueueStatusPending
			e.ClaimToken = ""
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) RequeueDue(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r.requeueErr != nil {
		return 0, r.requeueErr
	}

	var n int64
	for _, e := range r.entries {
		if e.Status == QueueStatusFailed && e.NextAttemptAt != nil && !e.NextAttemptAt.After(now) {
			e.Status = QueueStatusPending
			e.NextAttemptAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) held(id, claimToken string) (*QueueEntry, error) {
	e, ok := r.entries[id]
	if !ok || e.Status != QueueStatusProcessing || e.ClaimToken != claimToken {
		return nil, ErrClaimLost
	}
	return e, nil
}

func (r *fakeRepository) MarkProcessed(ctx context.Context, id, claimToken string, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.markErr != nil {
		return r.markErr
	}
	e, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	e.Status = QueueStatusProcessed
	e.AttemptCount++
	e.LastError = ""
	e.NextAttemptAt = nil
	e.ClaimToken = ""
	e.ProcessedAt = &processedAt
	e.UpdatedAt = processedAt
	return nil
}

func (r *fakeRepository) MarkFailed(ctx context.Context, id, claimToken string, f Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.markErr != nil {
		return r.markErr
	}
	e, err := r.held(id, claimToken)
	if err != nil {
		return err
	}
	e.Status = f.Status
	e.AttemptCount++
	e.LastError = f.Message
	e.NextAttemptAt = f.NextAttemptAt
	e.ClaimToken = ""
	e.UpdatedAt = f.RecordedAt

	r.failures = append(r.failures, FailureRecord{
		ID:           int64(len(r.failures) + 1),
		QueueID:      id,
		ErrorMessage: f.Message,
		Attempt:      f.Attempt,
		RecordedAt:   f.RecordedAt,
	})
	return nil
}

func (r *fakeRepository) GetEntry(_ context.Context, id string) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeRepository) ListFailures(_ context.Context, queueID string, limit int) ([]FailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []FailureRecord
	for _, f := range r.failures {
		if f.QueueID == queueID {
			out = append(out, f)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepository) RetryEntry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if e.Status != QueueStatusFailed && e.Status != QueueStatusDead {
		return ErrNotRetryable
	}
	e.Status = QueueStatusPending
	e.NextAttemptAt = nil
	return nil
}

func (r *fakeRepository) GetQueueStats(_ context.Context) (*QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s QueueStats
	for _, e := range r.entries {
		switch e.Status {
		case QueueStatusPending:
			s.Pending++
		case QueueStatusProcessing:
			s.Processing++
		case QueueStatusProcessed:
			s.Processed++
		case QueueStatusFailed:
			s.Failed++
		case QueueStatusDead:
			s.Dead++
		}
	}
	return &s, nil
}

func (r *fakeRepository) failuresFor(id string) []FailureRecord {
	out, _ := r.ListFailures(context.Background(), id, 1000)
	return out
}

func (r *fakeRepository) entry(t *testing.T, id string) *QueueEntry {
	t.Helper()
	e, err := r.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

// fakeChannel records every Send call and deduplicates deliveries by idempotency key,
// standing in for a provider that honours idempotency keys.
type fakeChannel struct {
	name     ChannelName
	disabled bool

	// fail, when set, decides the error for a message.
	fail func(msg Message) error
	// delay blocks each send; used to observe concurrency.
	delay time.Duration
	// onSent runs after a message is accepted.
	onSent func(msg Message)

	mu        sync.Mutex
	calls     []Message
	delivered map[string]Message
	inFlight  int
	maxFlight int
}

func newFakeChannel(name ChannelName) *fakeChannel {
	return &fakeChannel{name: name, delivered: make(map[string]Message)}
}

func (c *fakeChannel) Name() ChannelName { return c.name }

func (c *fakeChannel) Enabled() bool { return !c.disabled }

func (c *fakeChannel) Send(ctx context.Context, msg Message, key string) error {
	c.mu.Lock()
	c.calls = append(c.calls, msg)
	c.inFlight++
	c.maxFlight = max(c.maxFlight, c.inFlight)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.fail != nil {
		if err := c.fail(msg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if _, ok := c.delivered[key]; !ok {
		c.delivered[key] = msg
	}
	c.mu.Unlock()

	if c.onSent != nil {
		c.onSent(msg)
	}
	return nil
}

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeChannel) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

// panickingChannel panics on every send.
type panickingChannel struct{ name ChannelName }

func (c panickingChannel) Name() ChannelName { return c.name }
func (c panickingChannel) Enabled() bool     { return true }
func (c panickingChannel) Send(context.Context, Message, string) error {
	panic("provider client exploded")
}

// failingLedger fails every lookup.
type failingLedger struct{}

func (failingLedger) IsDelivered(context.Context, string) (bool, error) {
	return false, errors.New("ledger unavailable")
}

func (failingLedger) MarkDelivered(context.Context, Delivery) error { return nil }

// contextLedger is a MemoryLedger that fails on a done context, like the postgres and redis ledgers.
type contextLedger struct {
	*MemoryLedger
}

func newContextLedger() contextLedger {
	return contextLedger{MemoryLedger: NewMemoryLedger()}
}

func (l contextLedger) IsDelivered(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.MemoryLedger.IsDelivered(ctx, key)
}

func (l contextLedger) MarkDelivered(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.MemoryLedger.MarkDelivered(ctx, d)
}

// throttledError is a retryable provider error carrying a Retry-After.
type throttledError struct {
	after time.Duration
}

func (e *throttledError) Error() string             { return "provider throttled" }
func (e *throttledError) IsRetryable() bool         { return true }
func (e *throttledError) RetryDelay() time.Duration { return e.after }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRecipients() Recipients {
	return Recipients{Email: "concierge@andreasandco.ca", Phone: "+14035550199"}
}

func newTestDispatcher(t *testing.T, clock *fakeClock, ledger DeliveryLedger, channels ...Channel) *Dispatcher {
	t.Helper()
	renderer, err := NewRenderer("Andreas & Co.")
	require.NoError(t, err)
	d := NewDispatcher(renderer, ledger, testRecipients(), channels...)
	d.now = clock.Now
	return d
}

func newTestWorker(t *testing.T, config WorkerConfig, repo Repository, clock *fakeClock, channels ...Channel) *Worker {
	t.Helper()
	return newLedgerWorker(t, config, repo, clock, nil, channels...)
}

func newLedgerWorker(t *testing.T, config WorkerConfig, repo Repository, clock *fakeClock, ledger DeliveryLedger, channels ...Channel) *Worker {
	t.Helper()
	w := NewWorker(config, repo, newTestDispatcher(t, clock, ledger, channels...))
	w.now = clock.Now
	w.jitter = func() float64 { return 0.5 }
	return w
}

func appointmentPayload(t *testing.T, first string, extra map[string]any) json.RawMessage {
	t.Helper()
	p := map[string]any{
		"first_name":         first,
		"last_name":          "Lindqvist",
		"email":              first + "@example.com",
		"phone":              "+14035550111",
		"service":            "signature_cut",
		"membership_status":  "member",
		"preferred_datetime": "2026-03-20T14:30",
	}
	for k, v := range extra {
		p[k] = v
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func seedEntry(t *testing.T, repo *fakeRepository, createdAt time.Time, payload json.RawMessage) *QueueEntry {
	t.Helper()
	e := &QueueEntry{
		SourceTable: SourceAppointments,
		RecordID:    uuid.NewString(),
		Payload:     payload,
		CreatedAt:   createdAt,
	}
	require.NoError(t, repo.Enqueue(context.Background(), e))
	return e
}
