package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cuewatch/internal/reminder"
)

func addReminderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("title", "t", "", "Reminder title")
	f.StringP("notes", "n", "", "Notes shown with the notification")
	f.Bool("disabled", false, "Store the reminder disabled")

	f.String("start", "", "Time window start (RFC 3339 or \"YYYY-MM-DD HH:MM\")")
	f.String("end", "", "Time window end")
	f.Bool("clear-time", false, "Remove the time condition")

	f.String("near", "", "Polled location condition center as \"lat,lon\"")
	f.Float64("radius", 100, "Radius in meters of --near")
	f.Bool("clear-location", false, "Remove the location condition")

	f.Int("battery-min", -1, "Fire when the battery is at least this percentage")
	f.Int("battery-max", -1, "Fire when the battery is at most this percentage")
	f.Bool("clear-battery", false, "Remove the battery condition")

	f.StringP("repeat", "r", "", "Repeat: none, daily, weekly or monthly")
	f.String("quiet", "", "Quiet hours as \"HH:MM-HH:MM\"; an empty value clears them")
	f.String("expiry", "", "Stop firing after this instant")
	f.Int("cooldown", 0, "Minutes between two fires")

	f.Bool("alarm", false, "Escalate fires to a ringing alarm")
	f.String("sound", "", "Alarm sound name")
	f.Bool("vibrate", false, "Request vibration with the alarm")

	f.String("fence", "", "Geofence center as \"lat,lon\"; fires on crossings only")
	f.Float64("fence-radius", 150, "Geofence radius in meters")
	f.String("fence-mode", string(reminder.ModeEnter), "Geofence mode: enter, exit or both")
	f.String("fence-label", "", "Geofence label")
	f.Bool("no-fence", false, "Remove the geofence")
}

func parseLatLon(s string) (float64, float64, error) {
	a, b, err := splitPair(s, ",")
	if err != nil {
		return 0, 0, err
	}
	lat, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q", a)
	}
	lon, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q", b)
	}
	return lat, lon, nil
}

// applyReminderFlags changes only the fields whose flag was given, so the
// same set serves add and update.
func applyReminderFlags(cmd *cobra.Command, r *reminder.Reminder) error {
	f := cmd.Flags()
	changed := f.Changed

	if changed("title") {
		r.Title, _ = f.GetString("title")
	}
	if changed("notes") {
		r.Notes, _ = f.GetString("notes")
	}
	if changed("disabled") {
		disabled, _ := f.GetBool("disabled")
		r.Enabled = !disabled
	}

	conds := map[reminder.ConditionKind]reminder.Condition{}
	for _, c := range r.Rule.Conditions {
		conds[c.Kind()] = c
	}

	if changed("start") || changed("end") {
		tc, _ := r.Rule.Time()
		for _, name := range []string{"start", "end"} {
			if !changed(name) {
				continue
			}
			raw, _ := f.GetString(name)
			t, err := parseWhen(raw)
			if err != nil {
				return err
			}
			if name == "start" {
				tc.Start = &t
			} else {
				tc.End = &t
			}
		}
		conds[reminder.KindTime] = tc
	}
	if drop, _ := f.GetBool("clear-time"); drop {
		delete(conds, reminder.KindTime)
	}

	if changed("near") || changed("radius") {
		lc, had := r.Rule.Location()
		if !had && !changed("near") {
			return fmt.Errorf("--near is required to add a location condition")
		}
		if changed("near") {
			raw, _ := f.GetString("near")
			lat, lon, err := parseLatLon(raw)
			if err != nil {
				return fmt.Errorf("--near: %w", err)
			}
			lc.Lat, lc.Lon = lat, lon
		}
		radius, _ := f.GetFloat64("radius")
		if changed("radius") || lc.Radius == 0 {
			lc.Radius = radius
		}
		conds[reminder.KindLocation] = lc
	}
	if drop, _ := f.GetBool("clear-location"); drop {
		delete(conds, reminder.KindLocation)
	}

	if changed("battery-min") || changed("battery-max") {
		bc, _ := r.Rule.Battery()
		if changed("battery-min") {
			v, _ := f.GetInt("battery-min")
			bc.Min = &v
		}
		if changed("battery-max") {
			v, _ := f.GetInt("battery-max")
			bc.Max = &v
		}
		conds[reminder.KindBattery] = bc
	}
	if drop, _ := f.GetBool("clear-battery"); drop {
		delete(conds, reminder.KindBattery)
	}

	r.Rule.Conditions = r.Rule.Conditions[:0]
	for _, kind := range []reminder.ConditionKind{reminder.KindTime, reminder.KindLocation, reminder.KindBattery} {
		if c, ok := conds[kind]; ok {
			r.Rule.Conditions = append(r.Rule.Conditions, c)
		}
	}

	opts := &r.Rule.Options
	if changed("repeat") {
		v, _ := f.GetString("repeat")
		opts.Repeat = reminder.Repeat(v)
	}
	if changed("quiet") {
		v, _ := f.GetString("quiet")
		if v == "" {
			opts.QuietHours = nil
		} else {
			start, end, err := splitPair(v, "-")
			if err != nil {
				return fmt.Errorf("--quiet: %w", err)
			}
			opts.QuietHours = &reminder.QuietHours{Start: start, End: end}
		}
	}
	if changed("expiry") {
		v, _ := f.GetString("expiry")
		t, err := parseWhen(v)
		if err != nil {
			return fmt.Errorf("--expiry: %w", err)
		}
		opts.Expiry = &t
	}
	if changed("cooldown") {
		opts.CooldownMins, _ = f.GetInt("cooldown")
	}

	if changed("alarm") || changed("sound") || changed("vibrate") {
		if r.Alarm == nil {
			r.Alarm = &reminder.AlarmSettings{Enabled: true}
		}
		if changed("alarm") {
			r.Alarm.Enabled, _ = f.GetBool("alarm")
		}
		if changed("sound") {
			r.Alarm.Sound, _ = f.GetString("sound")
		}
		if changed("vibrate") {
			r.Alarm.Vibrate, _ = f.GetBool("vibrate")
		}
	}

	if changed("fence") || changed("fence-radius") || changed("fence-mode") || changed("fence-label") {
		if r.LocationTrigger == nil {
			if !changed("fence") {
				return fmt.Errorf("--fence is required to create a geofence")
			}
			r.LocationTrigger = &reminder.LocationTrigger{Enabled: true}
		}
		lt := r.LocationTrigger
		if changed("fence") {
			raw, _ := f.GetString("fence")
			lat, lon, err := parseLatLon(raw)
			if err != nil {
				return fmt.Errorf("--fence: %w", err)
			}
			lt.Latitude, lt.Longitude = lat, lon
		}
		radius, _ := f.GetFloat64("fence-radius")
		if changed("fence-radius") || lt.Radius == 0 {
			lt.Radius = radius
		}
		mode, _ := f.GetString("fence-mode")
		if changed("fence-mode") || lt.Mode == "" {
			lt.Mode = reminder.TriggerMode(mode)
		}
		if changed("fence-label") {
			lt.Label, _ = f.GetString("fence-label")
		}
	}
	if remove, _ := f.GetBool("no-fence"); remove {
		r.LocationTrigger = nil
	}
	return nil
}
