// Package engine is the single entry point the platform drivers talk to.
// It owns the trigger machine, the geofence detector, the alarm manager
// and the dispatcher, and wires their callbacks once at construction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.uber.org/multierr"

	"cuewatch/internal/alarm"
	"cuewatch/internal/dispatch"
	"cuewatch/internal/geofence"
	"cuewatch/internal/lockmap"
	"cuewatch/internal/notify"
	"cuewatch/internal/reminder"
	"cuewatch/internal/sensor"
	"cuewatch/internal/storage"
	"cuewatch/internal/trigger"
)

type Config struct {
	Zone          *time.Location
	Alarm         alarm.Config
	SensorTimeout time.Duration
	SensorMaxAge  time.Duration
	RetentionDays int
}

// Deps are the platform collaborators.
type Deps struct {
	Store        storage.Storage
	Notifier     notify.Notifier
	Alerter      alarm.Alerter
	WakeLock     alarm.WakeLock
	Scheduler    alarm.Scheduler
	BatteryProbe sensor.BatteryProbe
	Now          func() time.Time
}

type Engine struct {
	store    storage.Storage
	locks    *lockmap.Map[int64]
	sensors  *sensor.Latest
	machine  *trigger.Machine
	detector *geofence.Detector
	alarms   *alarm.Manager
	disp     *dispatch.Dispatcher

	retentionDays int
	now           func() time.Time
}

func New(deps Deps, cfg Config) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	zone := cfg.Zone
	if zone == nil {
		zone = time.Local
	}

	e := &Engine{
		store:         deps.Store,
		locks:         &lockmap.Map[int64]{},
		retentionDays: cfg.RetentionDays,
		now:           now,
	}

	sensorOpts := []sensor.Option{sensor.WithClock(now), sensor.WithMaxAge(cfg.SensorMaxAge)}
	if cfg.SensorTimeout > 0 {
		sensorOpts = append(sensorOpts, sensor.WithTimeout(cfg.SensorTimeout))
	}
	if deps.BatteryProbe != nil {
		sensorOpts = append(sensorOpts, sensor.WithBatteryProbe(deps.BatteryProbe))
	}
	e.sensors = sensor.New(sensorOpts...)

	alarmCfg := cfg.Alarm
	if alarmCfg == (alarm.Config{}) {
		alarmCfg = alarm.DefaultConfig()
	}
	e.machine = trigger.New(deps.Store,
		trigger.WithClock(now),
		trigger.WithZone(zone),
		trigger.WithLocks(e.locks),
		trigger.WithDefaultSnooze(alarmCfg.DefaultSnooze),
	)
	e.detector = geofence.NewDetector(deps.Store, e.sensors.Location)
	e.alarms = alarm.NewManager(deps.Store, deps.WakeLock, deps.Alerter, deps.Scheduler,
		alarm.WithClock(now), alarm.WithConfig(alarmCfg))
	e.disp = dispatch.New(deps.Store, e.machine, e.alarms, deps.Notifier, e.sensors,
		dispatch.WithClock(now), dispatch.WithZone(zone))

	e.alarms.SetResolver(e.machine)
	e.alarms.OnRetrigger(e.disp.Retrigger)
	e.machine.OnDisabled(func(ctx context.Context, id int64) {
		if err := e.detector.Unregister(ctx, id); err != nil {
			log.Printf("[WARN] Failed to unregister geofence of disabled reminder %d: %v", id, err)
		}
	})
	e.detector.OnCrossing(func(ctx context.Context, c geofence.Crossing) {
		if _, err := e.disp.FireCrossing(ctx, c); err != nil {
			log.Printf("[ERROR] Geofence fire of reminder %d failed: %v", c.ReminderID, err)
		}
	})
	return e
}

// Start recovers the alarm, reconciles geofences and applies retention.
func (e *Engine) Start(ctx context.Context) error {
	var errs error
	if err := e.alarms.Restore(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to restore alarm: %w", err))
	}
	list, err := e.store.ListReminders(ctx)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("failed to list reminders: %w", err))
	}
	if err := e.detector.Reconcile(ctx, list); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to reconcile geofences: %w", err))
	}
	if _, err := e.Purge(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	log.Printf("[INFO] Engine started with %d reminders", len(list))
	return errs
}

// Purge drops events older than the retention window.
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	if e.retentionDays <= 0 {
		return 0, nil
	}
	n, err := e.store.PurgeEventsOlderThan(ctx, e.retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	if n > 0 {
		log.Printf("[INFO] Purged %d events older than %d days", n, e.retentionDays)
	}
	return n, nil
}

// EvaluateNow runs one wall-clock tick.
func (e *Engine) EvaluateNow(ctx context.Context) (dispatch.Report, error) {
	return e.disp.Tick(ctx, dispatch.Input{Source: reminder.SourceTime})
}

// HandleLocation feeds a fix to the geofence detector, whose crossings fire
// on their own, then evaluates the polled location rules.
func (e *Engine) HandleLocation(ctx context.Context, loc reminder.Location) (dispatch.Report, error) {
	if loc.At.IsZero() {
		loc.At = e.now()
	}
	e.sensors.SetLocation(loc)
	_, gerr := e.detector.Process(ctx, loc)
	report, err := e.disp.Tick(ctx, dispatch.Input{Source: reminder.SourceLocation, Location: &loc})
	return report, multierr.Append(gerr, err)
}

func (e *Engine) HandleBattery(ctx context.Context, b reminder.Battery) (dispatch.Report, error) {
	if b.At.IsZero() {
		b.At = e.now()
	}
	e.sensors.SetBattery(b)
	return e.disp.Tick(ctx, dispatch.Input{Source: reminder.SourceBattery, Battery: &b})
}

func (e *Engine) RegisterGeofence(ctx context.Context, reminderID int64, region reminder.LocationTrigger) error {
	return e.detector.Register(ctx, reminderID, region)
}

func (e *Engine) UnregisterGeofence(ctx context.Context, reminderID int64) error {
	return e.detector.Unregister(ctx, reminderID)
}

func (e *Engine) Geofences(ctx context.Context) ([]reminder.GeofenceStatus, error) {
	return e.detector.List(ctx)
}

// TriggerAlarm fires reminderID now as an alarm, regardless of its rule.
func (e *Engine) TriggerAlarm(ctx context.Context, reminderID int64) (dispatch.Result, error) {
	return e.disp.FireOne(ctx, reminderID, reminder.SourceManual, dispatch.FireOptions{Force: true, Alarm: true})
}

func (e *Engine) SnoozeAlarm(ctx context.Context, minutes *int) (bool, error) {
	return e.alarms.Snooze(ctx, minutes)
}

func (e *Engine) DismissAlarm(ctx context.Context) (bool, error) {
	return e.alarms.Dismiss(ctx)
}

func (e *Engine) Alarm() *reminder.AlarmState {
	return e.alarms.Current()
}

func (e *Engine) OnAlarmEscalation(fn func(alarm.Escalation)) {
	e.alarms.OnEscalation(fn)
}

// CompleteReminder marks the current cycle done. A ringing or snoozed
// alarm for the reminder is silenced. It returns nil, nil when the
// reminder has no open cycle.
func (e *Engine) CompleteReminder(ctx context.Context, id int64) (*reminder.Event, error) {
	ev, err := e.machine.Complete(ctx, id)
	if err != nil || ev == nil {
		return ev, err
	}
	if err := e.alarms.Drop(ctx, id); err != nil {
		log.Printf("[WARN] Failed to drop alarm of completed reminder %d: %v", id, err)
	}
	return ev, nil
}

func (e *Engine) CreateReminder(ctx context.Context, r *reminder.Reminder) error {
	if err := e.store.CreateReminder(ctx, r); err != nil {
		return err
	}
	return e.syncGeofence(ctx, r)
}

func (e *Engine) UpdateReminder(ctx context.Context, r *reminder.Reminder) error {
	unlock := e.locks.Lock(r.ID)
	err := e.store.UpdateReminder(ctx, r)
	unlock()
	if err != nil {
		return err
	}
	if !r.Enabled {
		e.dropAlarm(ctx, r.ID)
	}
	return e.syncGeofence(ctx, r)
}

func (e *Engine) DeleteReminder(ctx context.Context, id int64) error {
	unlock := e.locks.Lock(id)
	err := e.store.DeleteReminder(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	e.dropAlarm(ctx, id)
	return e.detector.Unregister(ctx, id)
}

func (e *Engine) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	unlock := e.locks.Lock(id)
	err := e.store.SetReminderEnabled(ctx, id, enabled)
	unlock()
	if err != nil {
		return err
	}
	if !enabled {
		e.dropAlarm(ctx, id)
	}
	r, err := e.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	return e.syncGeofence(ctx, r)
}

func (e *Engine) GetReminder(ctx context.Context, id int64) (*reminder.Reminder, error) {
	return e.store.GetReminder(ctx, id)
}

func (e *Engine) ListReminders(ctx context.Context) ([]*reminder.Reminder, error) {
	return e.store.ListReminders(ctx)
}

// ReminderStatus pairs a reminder with the state derived from its log.
type ReminderStatus struct {
	Reminder *reminder.Reminder `json:"reminder"`
	Status   trigger.Status     `json:"status"`
}

func (e *Engine) ReminderStatus(ctx context.Context, id int64) (*ReminderStatus, error) {
	r, err := e.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := e.machine.Status(ctx, r)
	if err != nil {
		return nil, err
	}
	return &ReminderStatus{Reminder: r, Status: st}, nil
}

// Events returns the log of one reminder, or the newest events of all
// reminders when id is 0.
func (e *Engine) Events(ctx context.Context, id int64, limit int) ([]reminder.Event, error) {
	if id != 0 {
		return e.store.ListEvents(ctx, id)
	}
	return e.store.ListRecentEvents(ctx, limit)
}

type Summary struct {
	Reminders int                  `json:"reminders"`
	Enabled   int                  `json:"enabled"`
	Geofences int                  `json:"geofences"`
	Alarm     *reminder.AlarmState `json:"alarm,omitempty"`
	Stats     dispatch.Stats       `json:"stats"`
}

func (e *Engine) Summary(ctx context.Context) (Summary, error) {
	s := Summary{Alarm: e.alarms.Current(), Stats: e.disp.Stats()}
	list, err := e.store.ListReminders(ctx)
	if err != nil {
		return s, err
	}
	s.Reminders = len(list)
	for _, r := range list {
		if r.Enabled {
			s.Enabled++
		}
	}
	fences, err := e.detector.List(ctx)
	if err != nil {
		return s, err
	}
	s.Geofences = len(fences)
	return s, nil
}

func (e *Engine) syncGeofence(ctx context.Context, r *reminder.Reminder) error {
	if r.HasGeofence() {
		return e.detector.Register(ctx, r.ID, *r.LocationTrigger)
	}
	err := e.detector.Unregister(ctx, r.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (e *Engine) dropAlarm(ctx context.Context, id int64) {
	if err := e.alarms.Drop(ctx, id); err != nil {
		log.Printf("[WARN] Failed to drop alarm of reminder %d: %v", id, err)
	}
}
