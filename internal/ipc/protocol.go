package ipc

import (
	"encoding/json"
	"fmt"

	"cuewatch/internal/reminder"
)

// Command represents a command sent over the socket
type Command struct {
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

// Response represents a response sent back over the socket
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	CmdPing             = "ping"
	CmdStatus           = "status"
	CmdEvaluate         = "evaluate"
	CmdReminderAdd      = "reminder_add"
	CmdReminderUpdate   = "reminder_update"
	CmdReminderList     = "reminder_list"
	CmdReminderGet      = "reminder_get"
	CmdReminderDelete   = "reminder_delete"
	CmdReminderEnable   = "reminder_enable"
	CmdReminderComplete = "reminder_complete"
	CmdLocation         = "location"
	CmdBattery          = "battery"
	CmdAlarmStatus      = "alarm_status"
	CmdAlarmTrigger     = "alarm_trigger"
	CmdAlarmSnooze      = "alarm_snooze"
	CmdAlarmDismiss     = "alarm_dismiss"
	CmdEvents           = "events"
	CmdGeofences        = "geofences"
)

// --- Command Argument Structs ---

// ReminderArgs carries a full reminder for reminder_add and reminder_update.
type ReminderArgs struct {
	Reminder reminder.Reminder `json:"reminder"`
}

// IDArgs is used by reminder_get, reminder_delete, reminder_complete and
// alarm_trigger.
type IDArgs struct {
	ID int64 `json:"id"`
}

type EnableArgs struct {
	ID      int64 `json:"id"`
	Enabled bool  `json:"enabled"`
}

type LocationArgs struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

type BatteryArgs struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging,omitempty"`
}

type SnoozeArgs struct {
	Minutes *int `json:"minutes,omitempty"`
}

// EventsArgs lists one reminder's log, or the newest Limit events of all
// reminders when ID is 0.
type EventsArgs struct {
	ID    int64 `json:"id,omitempty"`
	Limit int   `json:"limit,omitempty"`
}

// DecodeArgs converts the generic args of a decoded Command into output.
func DecodeArgs(input interface{}, output interface{}) error {
	if input == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal args map: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, output); err != nil {
		return fmt.Errorf("failed to unmarshal args into struct: %w", err)
	}
	return nil
}
