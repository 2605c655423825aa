package reminder

import "time"

type EventType string

const (
	EventTriggered EventType = "triggered"
	EventSnoozed   EventType = "snoozed"
	EventCompleted EventType = "completed"
	EventDismissed EventType = "dismissed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTriggered, EventSnoozed, EventCompleted, EventDismissed:
		return true
	}
	return false
}

// TriggerSource names the driver that caused an evaluation.
type TriggerSource string

const (
	SourceTime     TriggerSource = "time"
	SourceLocation TriggerSource = "location"
	SourceBattery  TriggerSource = "battery"
	SourceGeofence TriggerSource = "geofence"
	SourceManual   TriggerSource = "manual"
	SourceSnooze   TriggerSource = "snooze"
	SourceRestart  TriggerSource = "restart"
)

// Event is one immutable row of the append-only reminder log.
type Event struct {
	ID         int64     `json:"id"`
	ReminderID int64     `json:"reminderId"`
	Type       EventType `json:"type"`
	Payload    *Payload  `json:"payload,omitempty"`
	Title      string    `json:"title"` // reminder title at write time
	CreatedAt  time.Time `json:"createdAt"`
}

// Payload is the structured detail attached to an event.
type Payload struct {
	Source        TriggerSource `json:"source,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	SnoozedUntil  *time.Time    `json:"snoozedUntil,omitempty"`
	SnoozeMinutes int           `json:"snoozeMinutes,omitempty"`
	Rule          *Rule         `json:"rule,omitempty"`
	Crossing      Crossing      `json:"crossing,omitempty"`
	Location      *Location     `json:"location,omitempty"`
	Battery       *Battery      `json:"battery,omitempty"`
	AlarmSession  string        `json:"alarmSession,omitempty"`
}
