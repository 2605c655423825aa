package app

import (
	"context"
	"fmt"
	"time"

	"cuewatch/internal/engine"
	"cuewatch/internal/ipc"
	"cuewatch/internal/reminder"
)

// StatusData is returned by ping and status.
type StatusData struct {
	Ready   bool            `json:"ready"`
	Uptime  string          `json:"uptime,omitempty"`
	Summary *engine.Summary `json:"summary,omitempty"`
}

func fail(format string, args ...interface{}) ipc.Response {
	return ipc.Response{Success: false, Message: fmt.Sprintf(format, args...)}
}

func ok(msg string, data interface{}) ipc.Response {
	return ipc.Response{Success: true, Message: msg, Data: data}
}

func invalidArgs(cmd ipc.Command, err error) ipc.Response {
	return fail("Invalid args for %s: %v", cmd.Name, err)
}

func (a *App) status() StatusData {
	st := StatusData{Ready: a.ready.Load()}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	return st
}

// processCommand routes the command to the correct handler
func (a *App) processCommand(ctx context.Context, cmd ipc.Command) ipc.Response {
	switch cmd.Name {
	case ipc.CmdPing:
		return ok("pong", a.status())

	case ipc.CmdStatus:
		sum, err := a.engine.Summary(ctx)
		if err != nil {
			return fail("Failed to build status: %v", err)
		}
		st := a.status()
		st.Summary = &sum
		return ok("", st)

	case ipc.CmdEvaluate:
		rep, err := a.engine.EvaluateNow(ctx)
		if err != nil {
			return ipc.Response{Success: true, Message: fmt.Sprintf("Evaluated with errors: %v", err), Data: rep}
		}
		return ok(fmt.Sprintf("Evaluated %d reminders, %d fired", rep.Evaluated, rep.Fired), rep)

	case ipc.CmdReminderAdd:
		var args ipc.ReminderArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		r := args.Reminder
		if r.Title == "" {
			return fail("Reminder title cannot be empty")
		}
		if err := a.engine.CreateReminder(ctx, &r); err != nil {
			return fail("Failed to add reminder: %v", err)
		}
		return ok(fmt.Sprintf("Reminder %d '%s' added", r.ID, r.Title), r)

	case ipc.CmdReminderUpdate:
		var args ipc.ReminderArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		r := args.Reminder
		if r.ID == 0 {
			return fail("Reminder id is required for %s", cmd.Name)
		}
		if err := a.engine.UpdateReminder(ctx, &r); err != nil {
			return fail("Failed to update reminder %d: %v", r.ID, err)
		}
		return ok(fmt.Sprintf("Reminder %d updated", r.ID), r)

	case ipc.CmdReminderList:
		list, err := a.engine.ListReminders(ctx)
		if err != nil {
			return fail("Failed to list reminders: %v", err)
		}
		return ok("", list)

	case ipc.CmdReminderGet:
		var args ipc.IDArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		st, err := a.engine.ReminderStatus(ctx, args.ID)
		if err != nil {
			return fail("Failed to get reminder %d: %v", args.ID, err)
		}
		return ok("", st)

	case ipc.CmdReminderDelete:
		var args ipc.IDArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		if err := a.engine.DeleteReminder(ctx, args.ID); err != nil {
			return fail("Failed to delete reminder %d: %v", args.ID, err)
		}
		return ok(fmt.Sprintf("Reminder %d deleted", args.ID), nil)

	case ipc.CmdReminderEnable:
		var args ipc.EnableArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		if err := a.engine.SetEnabled(ctx, args.ID, args.Enabled); err != nil {
			return fail("Failed to change reminder %d: %v", args.ID, err)
		}
		word := "disabled"
		if args.Enabled {
			word = "enabled"
		}
		return ok(fmt.Sprintf("Reminder %d %s", args.ID, word), nil)

	case ipc.CmdReminderComplete:
		var args ipc.IDArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		ev, err := a.engine.CompleteReminder(ctx, args.ID)
		if err != nil {
			return fail("Failed to complete reminder %d: %v", args.ID, err)
		}
		if ev == nil {
			return fail("Reminder %d has nothing to complete", args.ID)
		}
		return ok(fmt.Sprintf("Reminder %d completed", args.ID), ev)

	case ipc.CmdLocation:
		var args ipc.LocationArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		if args.Lat < -90 || args.Lat > 90 || args.Lon < -180 || args.Lon > 180 {
			return fail("Coordinates out of range: %f,%f", args.Lat, args.Lon)
		}
		rep, err := a.engine.HandleLocation(ctx, reminder.Location{Lat: args.Lat, Lon: args.Lon, Accuracy: args.Accuracy})
		if err != nil {
			return ipc.Response{Success: true, Message: fmt.Sprintf("Location processed with errors: %v", err), Data: rep}
		}
		return ok(fmt.Sprintf("Location processed, %d fired", rep.Fired), rep)

	case ipc.CmdBattery:
		var args ipc.BatteryArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		if args.Level < 0 || args.Level > 100 {
			return fail("Battery level must be between 0 and 100")
		}
		rep, err := a.engine.HandleBattery(ctx, reminder.Battery{Level: args.Level, Charging: args.Charging})
		if err != nil {
			return ipc.Response{Success: true, Message: fmt.Sprintf("Battery processed with errors: %v", err), Data: rep}
		}
		return ok(fmt.Sprintf("Battery processed, %d fired", rep.Fired), rep)

	case ipc.CmdAlarmStatus:
		st := a.engine.Alarm()
		if st == nil {
			return ok("No alarm", nil)
		}
		return ok("", st)

	case ipc.CmdAlarmTrigger:
		var args ipc.IDArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		res, err := a.engine.TriggerAlarm(ctx, args.ID)
		if err != nil {
			return fail("Failed to trigger alarm for reminder %d: %v", args.ID, err)
		}
		if !res.Fired {
			return ipc.Response{Success: false, Message: fmt.Sprintf("Reminder %d not fired: %s", args.ID, res.Reason), Data: res}
		}
		return ok(fmt.Sprintf("Alarm ringing for reminder %d", args.ID), res)

	case ipc.CmdAlarmSnooze:
		var args ipc.SnoozeArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		if args.Minutes != nil && *args.Minutes <= 0 {
			return fail("Snooze minutes must be positive")
		}
		snoozed, err := a.engine.SnoozeAlarm(ctx, args.Minutes)
		if err != nil {
			return fail("Failed to snooze alarm: %v", err)
		}
		if !snoozed {
			return fail("No ringing alarm to snooze, or snooze limit reached")
		}
		return ok("Alarm snoozed", a.engine.Alarm())

	case ipc.CmdAlarmDismiss:
		dismissed, err := a.engine.DismissAlarm(ctx)
		if err != nil {
			return fail("Failed to dismiss alarm: %v", err)
		}
		if !dismissed {
			return fail("No alarm to dismiss")
		}
		return ok("Alarm dismissed", nil)

	case ipc.CmdEvents:
		var args ipc.EventsArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd, err)
		}
		evs, err := a.engine.Events(ctx, args.ID, args.Limit)
		if err != nil {
			return fail("Failed to list events: %v", err)
		}
		return ok("", evs)

	case ipc.CmdGeofences:
		fences, err := a.engine.Geofences(ctx)
		if err != nil {
			return fail("Failed to list geofences: %v", err)
		}
		return ok("", fences)

	default:
		return fail("Unknown command: %s", cmd.Name)
	}
}
