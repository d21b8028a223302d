package notifications

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// ChannelName identifies a delivery channel.
type ChannelName string

// Channel names.
const (
	ChannelEmail ChannelName = "email"
	ChannelSMS   ChannelName = "sms"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Channel delivers rendered messages through an external provider.
type Channel interface {
	Name() ChannelName
	// Enabled reports whether the provider is configured. Disabled channels are skipped, not failed.
	Enabled() bool
	// Send delivers msg. Providers that support it receive idempotencyKey so a replayed request is not sent twice.
	Send(ctx context.Context, msg Message, idempotencyKey string) error
}

// IdempotencyKey returns the stable delivery key for a queue entry on a channel.
// It does not change between attempts.
func IdempotencyKey(queueID string, channel ChannelName) string {
	sum := sha256.Sum256([]byte(queueID + ":" + string(channel)))
	return hex.EncodeToString(sum[:])
}
