// Package notify delivers plain reminder notifications to the desktop,
// the log and Kafka.
package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"go.uber.org/multierr"

	"cuewatch/internal/reminder"
)

// Notification is one plain, non-alarm delivery of a fired reminder.
type Notification struct {
	ReminderID int64                  `json:"reminderId"`
	Title      string                 `json:"title"`
	Body       string                 `json:"body,omitempty"`
	Source     reminder.TriggerSource `json:"source"`
	Reason     string                 `json:"reason,omitempty"`
	FiredAt    time.Time              `json:"firedAt"`
}

// New builds the notification for r from the payload of its fire.
func New(r *reminder.Reminder, p *reminder.Payload, at time.Time) Notification {
	n := Notification{ReminderID: r.ID, Title: r.Title, Body: r.Notes, FiredAt: at}
	if p != nil {
		n.Source = p.Source
		n.Reason = p.Reason
	}
	if n.Body == "" {
		n.Body = n.Reason
	}
	return n
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to the standard logger.
type Log struct{}

func (Log) Notify(ctx context.Context, n Notification) error {
	log.Printf("[INFO] Reminder %d %q fired (%s): %s", n.ReminderID, n.Title, n.Source, n.Body)
	return nil
}

// ErrNoBackend is returned by an empty Multi.
var ErrNoBackend = errors.New("no notification backend configured")

// Multi fans a notification out to every backend. It fails only when no
// backend delivered; partial failures are logged.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	if len(m) == 0 {
		return ErrNoBackend
	}
	var errs error
	delivered := 0
	for _, b := range m {
		if err := b.Notify(ctx, n); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errs
	}
	for _, err := range multierr.Errors(errs) {
		log.Printf("[WARN] Notification backend failed for reminder %d: %v", n.ReminderID, err)
	}
	return nil
}
