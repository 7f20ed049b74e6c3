// Package notify publishes absence changes to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"heartbeatd/internal/logging"
	"heartbeatd/internal/reconcile"
	"heartbeatd/internal/store"
)

// TopicSuffix is appended to the configured prefix to form the event topic.
const TopicSuffix = "absences"

// Kind names what happened to an absence.
type Kind string

const (
	KindCreated Kind = "absence/created"
	KindDeleted Kind = "absence/deleted"
)

// Event is a single absence change.
type Event struct {
	Kind    Kind
	Absence store.Absence
}

// Publisher publishes events to a broker.
type Publisher interface {
	// Publish sends an event. Failures are reported, never fatal.
	Publish(event Event) error

	// Close disconnects from the broker.
	Close() error
}

// Payload is the JSON message body.
type Payload struct {
	Event     string `json:"event"`
	AbsenceID int64  `json:"absence_id"`
	DeviceID  int64  `json:"device_id"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Duration  int64  `json:"duration"`
}

// FormatPayload creates the JSON payload for an event.
func FormatPayload(event Event) ([]byte, error) {
	a := event.Absence
	return json.Marshal(Payload{
		Event:     string(event.Kind),
		AbsenceID: a.ID,
		DeviceID:  a.DeviceID,
		Start:     a.Start().UTC().Format(time.RFC3339),
		End:       a.EndTimestamp.UTC().Format(time.RFC3339),
		Duration:  a.Duration,
	})
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(Event) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// Notifier turns committed reconciliations into published events.
type Notifier struct {
	pub    Publisher
	logger *logging.Logger
}

var _ reconcile.Observer = (*Notifier)(nil)

// NewNotifier returns a Notifier publishing through pub.
func NewNotifier(pub Publisher, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Notifier{pub: pub, logger: logger.WithComponent("notify")}
}

// ObserveOutcome publishes deletions before creations, mirroring the order
// they were applied in.
func (n *Notifier) ObserveOutcome(ctx context.Context, o reconcile.Outcome) {
	for _, a := range o.Deleted {
		n.publish(ctx, Event{Kind: KindDeleted, Absence: a})
	}
	for _, a := range o.Created {
		n.publish(ctx, Event{Kind: KindCreated, Absence: a})
	}
}

func (n *Notifier) publish(ctx context.Context, e Event) {
	if err := n.pub.Publish(e); err != nil {
		n.logger.WithContext(ctx).Warn("publish absence event",
			"kind", e.Kind,
			"absence_id", e.Absence.ID,
			"error", err,
		)
	}
}
