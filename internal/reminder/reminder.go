// Package reminder holds the data model shared by the trigger engine,
// its store and its transports.
package reminder

import (
	"fmt"
	"strings"
	"time"
)

type Reminder struct {
	ID              int64            `json:"id"`
	Title           string           `json:"title"`
	Notes           string           `json:"notes,omitempty"`
	Rule            Rule             `json:"rule"`
	LocationTrigger *LocationTrigger `json:"locationTrigger,omitempty"`
	Alarm           *AlarmSettings   `json:"alarm,omitempty"`
	Enabled         bool             `json:"enabled"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// AlarmEnabled reports whether a fire escalates to a ringing alarm.
func (r *Reminder) AlarmEnabled() bool {
	return r.Alarm != nil && r.Alarm.Enabled
}

// IsRepeating is false for RepeatNone and for an unset repeat.
func (r *Reminder) IsRepeating() bool {
	switch r.Rule.Options.Repeat {
	case RepeatDaily, RepeatWeekly, RepeatMonthly:
		return true
	}
	return false
}

// HasGeofence reports whether the reminder needs an active geofence registration.
func (r *Reminder) HasGeofence() bool {
	return r.Enabled && r.LocationTrigger != nil && r.LocationTrigger.Enabled
}

// Validate is run by the store before any create or update.
func (r *Reminder) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRule)
	}
	if err := r.Rule.Validate(); err != nil {
		return err
	}
	if r.LocationTrigger != nil {
		if err := r.LocationTrigger.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type AlarmSettings struct {
	Enabled bool   `json:"enabled"`
	Sound   string `json:"sound,omitempty"`
	Vibrate bool   `json:"vibrate,omitempty"`
}

// Crossing is the side of a geofence boundary a sample was found on.
type Crossing string

const (
	CrossingNone  Crossing = ""
	CrossingEnter Crossing = "enter"
	CrossingExit  Crossing = "exit"
)

type TriggerMode string

const (
	ModeEnter TriggerMode = "enter"
	ModeExit  TriggerMode = "exit"
	ModeBoth  TriggerMode = "both"
)

// LocationTrigger is a geofence watched by the crossing detector. It is
// independent of the polled LocationCondition of a Rule.
type LocationTrigger struct {
	ID        string      `json:"id,omitempty"`
	Mode      TriggerMode `json:"mode"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Radius    float64     `json:"radius"` // meters
	Label     string      `json:"label,omitempty"`
	Enabled   bool        `json:"enabled"`
}

func (t *LocationTrigger) Validate() error {
	switch t.Mode {
	case ModeEnter, ModeExit, ModeBoth:
	default:
		return fmt.Errorf("%w: unknown geofence mode %q", ErrInvalidRule, t.Mode)
	}
	if err := validateCoordinates(t.Latitude, t.Longitude); err != nil {
		return err
	}
	if t.Radius <= 0 {
		return fmt.Errorf("%w: geofence radius must be positive, got %g", ErrInvalidRule, t.Radius)
	}
	return nil
}

// Matches reports whether a crossing of type c should trigger.
func (t *LocationTrigger) Matches(c Crossing) bool {
	switch t.Mode {
	case ModeBoth:
		return c == CrossingEnter || c == CrossingExit
	case ModeEnter:
		return c == CrossingEnter
	case ModeExit:
		return c == CrossingExit
	}
	return false
}

// GeofenceStatus is the durable baseline of one registered geofence.
type GeofenceStatus struct {
	ReminderID int64           `json:"reminderId"`
	Active     bool            `json:"active"`
	LastEvent  Crossing        `json:"lastEvent,omitempty"`
	Region     LocationTrigger `json:"region"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Inside reports the side recorded by the baseline.
func (g *GeofenceStatus) Inside() bool {
	return g.LastEvent == CrossingEnter
}

// AlarmState is the single persisted alarm, if any.
type AlarmState struct {
	ReminderID  int64     `json:"reminderId"`
	SessionID   string    `json:"sessionId"`
	IsRinging   bool      `json:"isRinging"`
	SnoozeCount int       `json:"snoozeCount"`
	TriggeredAt time.Time `json:"triggeredAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Location is one position fix.
type Location struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Accuracy float64   `json:"accuracy,omitempty"` // meters
	At       time.Time `json:"at"`
}

// Battery is one battery reading; Level is a percentage.
type Battery struct {
	Level    int       `json:"level"`
	Charging bool      `json:"charging,omitempty"`
	At       time.Time `json:"at"`
}
