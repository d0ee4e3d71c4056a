// Package notifications delivers operation outcome events over email and
// webhooks. Delivery is best-effort: a failed sender is logged and the
// remaining senders still run.
package notifications

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/virtbak/virtbak/internal/backup"
)

// Sender delivers one event over a single transport.
type Sender interface {
	Name() string
	Send(ctx context.Context, event backup.NotificationEvent) error
}

// Dispatcher fans one event out to every configured sender.
type Dispatcher struct {
	senders []Sender
	logger  zerolog.Logger
}

// NewDispatcher creates a Dispatcher over the given senders.
func NewDispatcher(logger zerolog.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		logger:  logger.With().Str("component", "notifications").Logger(),
	}
}

// Notify delivers the event to all senders. Failures are logged, not returned;
// the caller has already finished the operation the event describes.
func (d *Dispatcher) Notify(ctx context.Context, event backup.NotificationEvent) {
	for _, s := range d.senders {
		if err := s.Send(ctx, event); err != nil {
			d.logger.Error().Err(err).
				Str("sender", s.Name()).
				Str("operation", event.Operation).
				Str("vmid", event.VMID).
				Msg("error delivering notification")
			continue
		}
		d.logger.Debug().
			Str("sender", s.Name()).
			Str("operation", event.Operation).
			Str("vmid", event.VMID).
			Msg("notification delivered")
	}
}
