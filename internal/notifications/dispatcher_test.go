package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcomes(r EntryResult) map[ChannelName]DeliveryOutcome {
	m := make(map[ChannelName]DeliveryOutcome, len(r.Channels))
	for _, c := range r.Channels {
		m[c.Channel] = c.Outcome
	}
	return m
}

func TestDispatcher_Deliver_AllChannels(t *testing.T) {
	email := newFakeChannel(ChannelEmail)
	sms := newFakeChannel(ChannelSMS)
	d := newTestDispatcher(t, newFakeClock(), nil, email, sms)

	entry := &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", nil)}
	result, err := d.Deliver(context.Background(), entry)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, map[ChannelName]DeliveryOutcome{ChannelEmail: OutcomeSent, ChannelSMS: OutcomeSent}, outcomes(result))

	require.Len(t, email.calls, 1)
	assert.Equal(t, "concierge@andreasandco.ca", email.calls[0].To)
	assert.NotEmpty(t, email.calls[0].Subject)

	require.Len(t, sms.calls, 1)
	assert.Equal(t, "+14035550199", sms.calls[0].To)
	assert.Empty(t, sms.calls[0].Subject)
}

func TestDispatcher_Deliver_RecipientOverride(t *testing.T) {
	email := newFakeChannel(ChannelEmail)
	d := newTestDispatcher(t, newFakeClock(), nil, email)

	entry := &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", map[string]any{
		"recipient_email": "frontdesk@andreasandco.ca",
	})}
	_, err := d.Deliver(context.Background(), entry)
	require.NoError(t, err)

	require.Len(t, email.calls, 1)
	assert.Equal(t, "frontdesk@andreasandco.ca", email.calls[0].To)
}

func TestDispatcher_Deliver_Skips(t *testing.T) {
	tests := []struct {
		name       string
		recipients Recipients
		disableSMS bool
		payload    map[string]any
		wantSMS    DeliveryOutcome
		wantReason string
	}{
		{
			name:       "disabled channel",
			recipients: testRecipients(),
			disableSMS: true,
			wantSMS:    OutcomeSkipped,
			wantReason: "not configured",
		},
		{
			name:       "no recipient",
			recipients: Recipients{Email: "concierge@andreasandco.ca"},
			wantSMS:    OutcomeSkipped,
			wantReason: "no recipient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := newFakeChannel(ChannelEmail)
			sms := newFakeChannel(ChannelSMS)
			sms.disabled = tt.disableSMS

			d := newTestDispatcher(t, newFakeClock(), nil, email, sms)
			d.recipients = tt.recipients

			result, err := d.Deliver(context.Background(), &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", tt.payload)})
			require.NoError(t, err)
			require.NoError(t, result.Err(), "skips never fail the entry")

			for _, c := range result.Channels {
				if c.Channel == ChannelSMS {
					assert.Equal(t, tt.wantSMS, c.Outcome)
					assert.Equal(t, tt.wantReason, c.Reason)
				}
			}
			assert.Zero(t, sms.callCount())
		})
	}
}

func TestDispatcher_Deliver_UnregisteredChannelIsSkipped(t *testing.T) {
	email := newFakeChannel(ChannelEmail)
	d := newTestDispatcher(t, newFakeClock(), nil, email)

	entry := &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", map[string]any{
		"channels": []string{"email", "whatsapp"},
	})}
	result, err := d.Deliver(context.Background(), entry)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, map[ChannelName]DeliveryOutcome{ChannelEmail: OutcomeSent, "whatsapp": OutcomeSkipped}, outcomes(result))
}

func TestDispatcher_Deliver_FailureOnOneChannelDoesNotStopOthers(t *testing.T) {
	email := newFakeChannel(ChannelEmail)
	email.fail = func(Message) error { return NewNonRetryableError(errors.New("401 unauthorized")) }
	sms := newFakeChannel(ChannelSMS)
	d := newTestDispatcher(t, newFakeClock(), nil, email, sms)

	result, err := d.Deliver(context.Background(), &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", nil)})
	require.NoError(t, err)

	assert.Equal(t, map[ChannelName]DeliveryOutcome{ChannelEmail: OutcomeFailed, ChannelSMS: OutcomeSent}, outcomes(result))
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "email: 401 unauthorized")
	assert.False(t, result.Retryable())
	assert.Equal(t, 1, sms.deliveredCount())
}

func TestDispatcher_Deliver_LedgerSuppressesDuplicates(t *testing.T) {
	ledger := NewMemoryLedger()
	email := newFakeChannel(ChannelEmail)
	d := newTestDispatcher(t, newFakeClock(), ledger, email)

	entry := &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", nil)}

	first, err := d.Deliver(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, first.Channels[0].Outcome)

	second, err := d.Deliver(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Channels[0].Outcome)
	require.NoError(t, second.Err())

	assert.Equal(t, 1, email.callCount())

	delivered, err := ledger.IsDelivered(context.Background(), IdempotencyKey("q-1", ChannelEmail))
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestDispatcher_Deliver_LedgerErrorIsRetryableFailure(t *testing.T) {
	email := newFakeChannel(ChannelEmail)
	d := newTestDispatcher(t, newFakeClock(), failingLedger{}, email)

	result, err := d.Deliver(context.Background(), &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", nil)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Channels[0].Outcome)
	assert.True(t, result.Retryable())
	assert.Zero(t, email.callCount())
}

func TestDispatcher_Deliver_RecoversPanics(t *testing.T) {
	d := newTestDispatcher(t, newFakeClock(), nil, panickingChannel{name: ChannelEmail})

	result, err := d.Deliver(context.Background(), &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", nil)})
	require.NoError(t, err)
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "panicked: provider client exploded")
}

func TestDispatcher_Deliver_UndecodablePayload(t *testing.T) {
	email := newFakeChannel(ChannelEmail)
	d := newTestDispatcher(t, newFakeClock(), nil, email)

	_, err := d.Deliver(context.Background(), &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: []byte(`[1,2`)})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, email.callCount())
}

func TestNewDispatcher_DuplicateChannelReplacesEarlier(t *testing.T) {
	first := newFakeChannel(ChannelEmail)
	second := newFakeChannel(ChannelEmail)
	d := newTestDispatcher(t, newFakeClock(), nil, first, second)

	assert.Equal(t, []ChannelName{ChannelEmail}, d.order)

	_, err := d.Deliver(context.Background(), &QueueEntry{ID: "q-1", SourceTable: SourceAppointments, Payload: appointmentPayload(t, "Ada", nil)})
	require.NoError(t, err)
	assert.Zero(t, first.callCount())
	assert.Equal(t, 1, second.callCount())
}
