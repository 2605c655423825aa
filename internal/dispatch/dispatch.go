// Package dispatch drives reminders through the trigger machine on every
// tick and routes each fire to the alarm or to plain notifications.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"cuewatch/internal/alarm"
	"cuewatch/internal/geofence"
	"cuewatch/internal/notify"
	"cuewatch/internal/reminder"
	"cuewatch/internal/rules"
	"cuewatch/internal/sensor"
	"cuewatch/internal/storage"
	"cuewatch/internal/trigger"
)

// Input is what the driver of a tick already knows. Missing readings are
// filled in from the sensor cache when a rule needs them.
type Input struct {
	Source   reminder.TriggerSource
	Location *reminder.Location
	Battery  *reminder.Battery
}

// Result is the outcome for one reminder.
type Result struct {
	ReminderID int64  `json:"reminderId"`
	Title      string `json:"title"`
	Fired      bool   `json:"fired"`
	Reason     string `json:"reason"`
	Alarm      bool   `json:"alarm,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Report struct {
	Source    reminder.TriggerSource `json:"source"`
	At        time.Time              `json:"at"`
	Evaluated int                    `json:"evaluated"`
	Fired     int                    `json:"fired"`
	Results   []Result               `json:"results"`
}

// FireOptions modify a single fire. Force skips eligibility checks other
// than an unresolved cycle; Alarm escalates even without alarm settings.
type FireOptions struct {
	Force bool
	Alarm bool
}

type Stats struct {
	Ticks int64 `json:"ticks"`
	Fires int64 `json:"fires"`
}

type Dispatcher struct {
	store    storage.Reminders
	machine  *trigger.Machine
	alarms   *alarm.Manager
	notifier notify.Notifier
	sensors  *sensor.Latest
	now      func() time.Time
	zone     *time.Location

	ticks atomic.Int64
	fires atomic.Int64
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option  { return func(d *Dispatcher) { d.now = now } }
func WithZone(zone *time.Location) Option { return func(d *Dispatcher) { d.zone = zone } }

func New(store storage.Reminders, machine *trigger.Machine, alarms *alarm.Manager, notifier notify.Notifier, sensors *sensor.Latest, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		machine:  machine,
		alarms:   alarms,
		notifier: notifier,
		sensors:  sensors,
		now:      time.Now,
		zone:     time.Local,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Ticks: d.ticks.Load(), Fires: d.fires.Load()}
}

// readings resolves sensor values once per tick, only when asked for.
type readings struct {
	d        *Dispatcher
	location *reminder.Location
	battery  *reminder.Battery
	locDone  bool
	batDone  bool
}

func (rd *readings) context(ctx context.Context, rule reminder.Rule, now time.Time) rules.Context {
	if rule.Has(reminder.KindLocation) && !rd.locDone {
		rd.locDone = true
		if rd.location == nil && rd.d.sensors != nil {
			if loc, err := rd.d.sensors.Location(ctx); err == nil {
				rd.location = loc
			} else {
				log.Printf("[DEBUG] No location for this tick: %v", err)
			}
		}
	}
	if rule.Has(reminder.KindBattery) && !rd.batDone {
		rd.batDone = true
		if rd.battery == nil && rd.d.sensors != nil {
			if bat, err := rd.d.sensors.Battery(ctx); err == nil {
				rd.battery = bat
			} else {
				log.Printf("[DEBUG] No battery reading for this tick: %v", err)
			}
		}
	}
	return rules.Context{Now: now, Location: rd.location, Battery: rd.battery, Zone: rd.d.zone}
}

// Tick evaluates every enabled reminder. Reminders with a geofence are left
// to FireCrossing. A failing or panicking reminder does not stop the rest;
// their errors are combined in the returned error.
func (d *Dispatcher) Tick(ctx context.Context, in Input) (Report, error) {
	d.ticks.Inc()
	now := d.now()
	report := Report{Source: in.Source, At: now}

	list, err := d.store.ListEnabledReminders(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list reminders: %w", err)
	}

	rd := &readings{d: d, location: in.Location, battery: in.Battery, locDone: in.Location != nil, batDone: in.Battery != nil}
	var errs error
	for _, r := range list {
		if r.HasGeofence() {
			continue
		}
		req := trigger.Request{Reminder: r, Context: rd.context(ctx, r.Rule, now), Source: in.Source}
		res, err := d.fire(ctx, req, false)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		report.Evaluated++
		if res.Fired {
			report.Fired++
		}
		report.Results = append(report.Results, res)
	}
	if report.Fired > 0 {
		log.Printf("[INFO] Tick (%s): %d of %d reminders fired", in.Source, report.Fired, report.Evaluated)
	} else {
		log.Printf("[TRACE] Tick (%s): %d reminders evaluated", in.Source, report.Evaluated)
	}
	return report, errs
}

// FireCrossing fires the reminder of a matching geofence crossing, subject
// to the rest of its rule.
func (d *Dispatcher) FireCrossing(ctx context.Context, c geofence.Crossing) (Result, error) {
	if !c.Matches {
		return Result{ReminderID: c.ReminderID, Reason: "crossing ignored by mode"}, nil
	}
	r, err := d.store.GetReminder(ctx, c.ReminderID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{ReminderID: c.ReminderID, Reason: "deleted"}, nil
	}
	if err != nil {
		return Result{ReminderID: c.ReminderID}, err
	}
	loc := c.Location
	rd := &readings{d: d, location: &loc, locDone: true}
	req := trigger.Request{
		Reminder: r,
		Context:  rd.context(ctx, r.Rule, d.now()),
		Source:   reminder.SourceGeofence,
		Crossing: c.Type,
	}
	return d.fire(ctx, req, false)
}

// FireOne evaluates a single reminder now.
func (d *Dispatcher) FireOne(ctx context.Context, id int64, source reminder.TriggerSource, opts FireOptions) (Result, error) {
	r, err := d.store.GetReminder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{ReminderID: id, Reason: "deleted"}, nil
	}
	if err != nil {
		return Result{ReminderID: id}, err
	}
	rd := &readings{d: d}
	req := trigger.Request{Reminder: r, Context: rd.context(ctx, r.Rule, d.now()), Source: source, Force: opts.Force}
	return d.fire(ctx, req, opts.Alarm)
}

// Retrigger rings a snoozed alarm again once its snooze ran out, through
// the full eligibility check. When the reminder is no longer eligible the
// alarm is dropped, unless another tick already rang it again or the
// snooze is still running.
func (d *Dispatcher) Retrigger(ctx context.Context, id int64) {
	res, err := d.FireOne(ctx, id, reminder.SourceSnooze, FireOptions{Alarm: true})
	if err != nil {
		log.Printf("[ERROR] Re-trigger of reminder %d failed: %v", id, err)
		return
	}
	if res.Fired || keepsAlarm(res.Reason) {
		return
	}
	log.Printf("[INFO] Reminder %d no longer eligible (%s), dropping its snoozed alarm", id, res.Reason)
	if err := d.alarms.Drop(ctx, id); err != nil {
		log.Printf("[WARN] Failed to drop alarm of reminder %d: %v", id, err)
	}
}

func keepsAlarm(reason string) bool {
	switch reason {
	case strings.ToLower(string(trigger.StateUnresolved)), strings.ToLower(string(trigger.StateSnoozed)):
		return true
	}
	return false
}

func (d *Dispatcher) fire(ctx context.Context, req trigger.Request, forceAlarm bool) (res Result, err error) {
	r := req.Reminder
	res = Result{ReminderID: r.ID, Title: r.Title}

	var handoff alarm.Handoff
	send := func(ctx context.Context, fresh *reminder.Reminder, p *reminder.Payload) error {
		if d.alarms != nil && (forceAlarm || fresh.AlarmEnabled()) {
			h, err := d.alarms.Trigger(ctx, fresh, p.Source)
			if err != nil {
				return err
			}
			handoff = h
			p.AlarmSession = h.SessionID
			res.Alarm = true
			return nil
		}
		return d.notifier.Notify(ctx, notify.New(fresh, p, d.now()))
	}

	var out trigger.Outcome
	if rec := panics.Try(func() { out, err = d.machine.Fire(ctx, req, send) }); rec != nil {
		err = fmt.Errorf("reminder %d panicked: %v", r.ID, rec.Value)
		log.Printf("[ERROR] %v\n%s", err, rec.Stack)
	}
	if handoff.Elder != nil {
		d.alarms.ResolveElder(ctx, *handoff.Elder)
	}
	if err != nil {
		res.Error = err.Error()
		log.Printf("[ERROR] Reminder %d: %v", r.ID, err)
		return res, err
	}
	res.Fired = out.Fired
	res.Reason = out.Decision.Reason
	if out.Fired {
		d.fires.Inc()
		log.Printf("[INFO] Reminder %d %q fired via %s", r.ID, r.Title, req.Source)
	} else {
		log.Printf("[TRACE] Reminder %d not fired: %s", r.ID, res.Reason)
	}
	return res, nil
}
