package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andreasco/concierge/internal/pkg/ctxlog"
)

// DeliveryOutcome is the result of one channel attempt.
type DeliveryOutcome string

// Delivery outcomes.
const (
	OutcomeSent      DeliveryOutcome = "sent"
	OutcomeDuplicate DeliveryOutcome = "duplicate" // already delivered under the same idempotency key
	OutcomeSkipped   DeliveryOutcome = "skipped"
	OutcomeFailed    DeliveryOutcome = "failed"
)

// ChannelResult describes one channel attempt for an entry.
type ChannelResult struct {
	Channel ChannelName
	Outcome DeliveryOutcome
	Reason  string
	Err     error
}

// EntryResult collects channel results for one entry.
type EntryResult struct {
	Channels []ChannelResult
}

// Err returns the combined channel errors, or nil if no channel failed.
func (r EntryResult) Err() error {
	var errs []error
	for _, c := range r.Channels {
		if c.Outcome == OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s: %w", c.Channel, c.Err))
		}
	}
	return errors.Join(errs...)
}

// Retryable reports whether every failed channel may be retried.
func (r EntryResult) Retryable() bool {
	for _, c := range r.Channels {
		if c.Outcome == OutcomeFailed && !IsRetryable(c.Err) {
			return false
		}
	}
	return true
}

// RetryAfter returns the longest wait any failed channel's provider asked for.
func (r EntryResult) RetryAfter() time.Duration {
	var d time.Duration
	for _, c := range r.Channels {
		if c.Outcome == OutcomeFailed {
			d = max(d, RetryDelay(c.Err))
		}
	}
	return d
}

// Recipients are the default destinations for concierge notifications.
type Recipients struct {
	Email string
	Phone string
}

func (r Recipients) forChannel(channel ChannelName, p Payload) string {
	switch channel {
	case ChannelEmail:
		if p.RecipientEmail != "" {
			return p.RecipientEmail
		}
		return r.Email
	case ChannelSMS:
		if p.RecipientPhone != "" {
			return p.RecipientPhone
		}
		return r.Phone
	default:
		return ""
	}
}

// Dispatcher delivers a queue entry across all configured channels.
type Dispatcher struct {
	channels   map[ChannelName]Channel
	order      []ChannelName
	renderer   *Renderer
	ledger     DeliveryLedger
	recipients Recipients
	now        func() time.Time
}

// NewDispatcher creates a new notification dispatcher.
// Channels are attempted in the order given.
func NewDispatcher(renderer *Renderer, ledger DeliveryLedger, recipients Recipients, channels ...Channel) *Dispatcher {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	d := &Dispatcher{
		channels:   make(map[ChannelName]Channel),
		renderer:   renderer,
		ledger:     ledger,
		recipients: recipients,
		now:        time.Now,
	}
	for _, c := range channels {
		if _, dup := d.channels[c.Name()]; !dup {
			d.order = append(d.order, c.Name())
		}
		d.channels[c.Name()] = c
	}
	return d
}

// Deliver attempts every channel the entry requires. Channel attempts are
// independent: a failure on one channel does not prevent the others.
// The returned error is set only when the entry cannot be attempted at all
// (undecodable payload) and is never retryable.
func (d *Dispatcher) Deliver(ctx context.Context, entry *QueueEntry) (EntryResult, error) {
	payload, err := DecodePayload(entry.Payload)
	if err != nil {
		return EntryResult{}, NewNonRetryableError(err)
	}

	var result EntryResult
	for _, name := range d.order {
		if !payload.Requires(name) {
			continue
		}
		result.Channels = append(result.Channels, d.deliverChannel(ctx, entry, payload, d.channels[name]))
	}

	// Channels requested by the payload but never registered are skipped like disabled ones.
	for _, name := range payload.Channels {
		if _, ok := d.channels[name]; !ok {
			ctxlog.FromContext(ctx).Info("channel not registered, skipping",
				"queue_id", entry.ID,
				"channel", name,
			)
			result.Channels = append(result.Channels, ChannelResult{Channel: name, Outcome: OutcomeSkipped, Reason: "not registered"})
		}
	}

	return result, nil
}

func (d *Dispatcher) deliverChannel(ctx context.Context, entry *QueueEntry, payload Payload, channel Channel) ChannelResult {
	logger := ctxlog.FromContext(ctx).With("queue_id", entry.ID, "channel", channel.Name())
	res := ChannelResult{Channel: channel.Name()}

	if !channel.Enabled() {
		logger.Info("channel not configured, skipping")
		res.Outcome, res.Reason = OutcomeSkipped, "not configured"
		recordDelivery(channel.Name(), res.Outcome)
		return res
	}

	to := d.recipients.forChannel(channel.Name(), payload)
	if to == "" {
		logger.Info("no recipient for channel, skipping")
		res.Outcome, res.Reason = OutcomeSkipped, "no recipient"
		recordDelivery(channel.Name(), res.Outcome)
		return res
	}

	key := IdempotencyKey(entry.ID, channel.Name())
	delivered, err := d.ledger.IsDelivered(ctx, key)
	if err != nil {
		// Without the ledger a resend could duplicate the message, so treat it as a failed attempt.
		res.Outcome, res.Err = OutcomeFailed, NewRetryableError(fmt.Errorf("check delivery ledger: %w", err))
		recordDelivery(channel.Name(), res.Outcome)
		return res
	}
	if delivered {
		logger.Info("already delivered, suppressing duplicate send")
		res.Outcome = OutcomeDuplicate
		recordDelivery(channel.Name(), res.Outcome)
		return res
	}

	subject, body, err := d.renderer.Render(channel.Name(), entry, payload)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, NewNonRetryableError(fmt.Errorf("render: %w", err))
		recordDelivery(channel.Name(), res.Outcome)
		return res
	}

	start := time.Now()
	err = sendSafely(ctx, channel, Message{To: to, Subject: subject, Body: body}, key)
	recordDeliveryDuration(channel.Name(), time.Since(start))

	if err != nil {
		logger.Warn("send failed", "error", err, "retryable", IsRetryable(err))
		res.Outcome, res.Err = OutcomeFailed, err
		recordDelivery(channel.Name(), res.Outcome)
		return res
	}

	// The message is out; record it even if the caller has gone away.
	recordCtx, cancel := writeBackContext(ctx)
	defer cancel()
	if err := d.ledger.MarkDelivered(recordCtx, Delivery{
		Key:         key,
		QueueID:     entry.ID,
		Channel:     channel.Name(),
		DeliveredAt: d.now(),
	}); err != nil {
		logger.Error("failed to record delivery", "error", err)
	}

	res.Outcome = OutcomeSent
	recordDelivery(channel.Name(), res.Outcome)
	logger.Debug("notification sent", "duration", time.Since(start))
	return res
}

// sendSafely converts a panicking adapter into an ordinary send error.
func sendSafely(ctx context.Context, channel Channel, msg Message, key string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel %s panicked: %v", channel.Name(), p)
		}
	}()
	return channel.Send(ctx, msg, key)
}
