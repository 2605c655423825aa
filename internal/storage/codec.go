package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"cuewatch/internal/reminder"
)

// ReminderBlobs are the JSON columns of a reminder row.
type ReminderBlobs struct {
	Rule    string
	Trigger sql.NullString
	Alarm   sql.NullString
}

func EncodeReminder(r *reminder.Reminder) (ReminderBlobs, error) {
	var b ReminderBlobs
	rule, err := json.Marshal(r.Rule)
	if err != nil {
		return b, fmt.Errorf("failed to encode rule: %w", err)
	}
	b.Rule = string(rule)
	if b.Trigger, err = encodeNullable(r.LocationTrigger, r.LocationTrigger == nil); err != nil {
		return b, fmt.Errorf("failed to encode location trigger: %w", err)
	}
	if b.Alarm, err = encodeNullable(r.Alarm, r.Alarm == nil); err != nil {
		return b, fmt.Errorf("failed to encode alarm settings: %w", err)
	}
	return b, nil
}

// DecodeReminder fills the JSON-backed fields of r.
func DecodeReminder(r *reminder.Reminder, b ReminderBlobs) error {
	if err := json.Unmarshal([]byte(b.Rule), &r.Rule); err != nil {
		return fmt.Errorf("failed to decode rule of reminder %d: %w", r.ID, err)
	}
	r.LocationTrigger = nil
	if b.Trigger.Valid && b.Trigger.String != "" {
		var t reminder.LocationTrigger
		if err := json.Unmarshal([]byte(b.Trigger.String), &t); err != nil {
			return fmt.Errorf("failed to decode location trigger of reminder %d: %w", r.ID, err)
		}
		r.LocationTrigger = &t
	}
	r.Alarm = nil
	if b.Alarm.Valid && b.Alarm.String != "" {
		var a reminder.AlarmSettings
		if err := json.Unmarshal([]byte(b.Alarm.String), &a); err != nil {
			return fmt.Errorf("failed to decode alarm settings of reminder %d: %w", r.ID, err)
		}
		r.Alarm = &a
	}
	return nil
}

func EncodePayload(p *reminder.Payload) (sql.NullString, error) {
	return encodeNullable(p, p == nil)
}

func DecodePayload(s sql.NullString) (*reminder.Payload, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var p reminder.Payload
	if err := json.Unmarshal([]byte(s.String), &p); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return &p, nil
}

func EncodeRegion(t reminder.LocationTrigger) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode geofence region: %w", err)
	}
	return string(b), nil
}

func DecodeRegion(s string) (reminder.LocationTrigger, error) {
	var t reminder.LocationTrigger
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return t, fmt.Errorf("failed to decode geofence region: %w", err)
	}
	return t, nil
}

func encodeNullable(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
