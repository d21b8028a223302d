// Package nats wakes the notification worker when the booking site publishes an enqueue event.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	natspkg "github.com/nats-io/nats.go"
)

// DefaultSubject is the subject the booking site publishes to after inserting a queue row.
const DefaultSubject = "notifications.enqueued"

// Waker is satisfied by notifications.Worker.
type Waker interface {
	Wake()
}

// Subscriber forwards enqueue events to a Waker.
type Subscriber struct {
	nc  *natspkg.Conn
	sub *natspkg.Subscription
}

// Subscribe connects to url and calls waker.Wake for every message on subject.
// Message contents are ignored; the queue table is the source of truth.
func Subscribe(url, subject string, waker Waker) (*Subscriber, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	nc, err := natspkg.Connect(url,
		natspkg.Name("concierge-dispatcher"),
		natspkg.MaxReconnects(-1),
		natspkg.ReconnectWait(2*time.Second),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		natspkg.ReconnectHandler(func(c *natspkg.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	sub, err := nc.Subscribe(subject, func(*natspkg.Msg) {
		waker.Wake()
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	slog.Info("subscribed to enqueue events", "subject", subject)
	return &Subscriber{nc: nc, sub: sub}, nil
}

// IsConnected reports whether the connection is up.
func (s *Subscriber) IsConnected() bool {
	return s.nc != nil && s.nc.Status() == natspkg.CONNECTED
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() {
	if err := s.sub.Unsubscribe(); err != nil {
		slog.Warn("nats unsubscribe failed", "error", err)
	}
	s.nc.Close()
}
