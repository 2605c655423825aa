// Package storage defines the Persistent Store contract consumed by the
// trigger engine. Every call is atomic for the single row it touches.
package storage

import (
	"context"
	"errors"

	"cuewatch/internal/reminder"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotInitialized = errors.New("store not initialized")
	// ErrConflict is returned by AppendEventAfter when another writer
	// appended to the same reminder's log first.
	ErrConflict = errors.New("event log changed concurrently")
)

type Reminders interface {
	CreateReminder(ctx context.Context, r *reminder.Reminder) error
	GetReminder(ctx context.Context, id int64) (*reminder.Reminder, error)
	ListReminders(ctx context.Context) ([]*reminder.Reminder, error)
	ListEnabledReminders(ctx context.Context) ([]*reminder.Reminder, error)
	UpdateReminder(ctx context.Context, r *reminder.Reminder) error
	SetReminderEnabled(ctx context.Context, id int64, enabled bool) error
	DeleteReminder(ctx context.Context, id int64) error
}

type Events interface {
	AppendEvent(ctx context.Context, reminderID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error)
	// AppendEventAfter appends only if the newest event of the reminder
	// has id expectLastID (0 meaning the log is empty).
	AppendEventAfter(ctx context.Context, reminderID, expectLastID int64, typ reminder.EventType, payload *reminder.Payload) (*reminder.Event, error)
	ListEvents(ctx context.Context, reminderID int64) ([]reminder.Event, error)
	// LastEvent returns the newest event of any of the given types, or of
	// any type when none are given. It returns nil, nil for an empty match.
	LastEvent(ctx context.Context, reminderID int64, types ...reminder.EventType) (*reminder.Event, error)
	ListRecentEvents(ctx context.Context, limit int) ([]reminder.Event, error)
	PurgeEventsOlderThan(ctx context.Context, days int) (int64, error)
}

type Geofences interface {
	UpsertGeofence(ctx context.Context, g *reminder.GeofenceStatus) error
	SetGeofenceStatus(ctx context.Context, reminderID int64, active bool, lastEvent reminder.Crossing) error
	// GetGeofenceStatus returns nil, nil when nothing is registered.
	GetGeofenceStatus(ctx context.Context, reminderID int64) (*reminder.GeofenceStatus, error)
	ListActiveGeofences(ctx context.Context) ([]reminder.GeofenceStatus, error)
	RemoveGeofenceStatus(ctx context.Context, reminderID int64) error
}

type Alarms interface {
	SaveAlarmState(ctx context.Context, s *reminder.AlarmState) error
	// LoadAlarmState returns nil, nil when no alarm is persisted.
	LoadAlarmState(ctx context.Context) (*reminder.AlarmState, error)
	ClearAlarmState(ctx context.Context) error
}

type Storage interface {
	Init(ctx context.Context) error
	Reminders
	Events
	Geofences
	Alarms
	Close() error
}
