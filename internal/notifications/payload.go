package notifications

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Source tables that enqueue notifications.
const (
	SourceAppointments    = "appointments"
	SourceContactMessages = "contact_messages"
)

// Payload contains data for rendering a notification.
// Field names follow the columns of the originating rows.
type Payload struct {
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email"`
	Phone             string `json:"phone,omitempty"`
	Service           string `json:"service,omitempty"`
	MembershipStatus  string `json:"membership_status,omitempty"`
	PreferredDateTime string `json:"preferred_datetime,omitempty"`
	Notes             string `json:"notes,omitempty"`
	Subject           string `json:"subject,omitempty"`
	Message           string `json:"message,omitempty"`

	// Channels restricts delivery to the named channels. Empty means all registered channels.
	Channels []ChannelName `json:"channels,omitempty"`

	// Recipient overrides; the concierge inbox and phone are used otherwise.
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`
}

// DecodePayload decodes a raw queue payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// FullName returns the customer's display name.
func (p Payload) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Requires reports whether the payload asks for delivery via channel.
func (p Payload) Requires(channel ChannelName) bool {
	if len(p.Channels) == 0 {
		return true
	}
	for _, c := range p.Channels {
		if c == channel {
			return true
		}
	}
	return false
}
