package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"cuewatch/internal/alarm"
)

const (
	notifyObj    = "org.freedesktop.Notifications"
	notifyPath   = "/org/freedesktop/Notifications"
	notifyMethod = "org.freedesktop.Notifications.Notify"
	closeMethod  = "org.freedesktop.Notifications.CloseNotification"

	urgencyCritical byte = 2
	defaultSound         = "alarm-clock-elapsed"
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Desktop sends notifications over the session bus. It also plays alarms
// as resident critical notifications, so it serves as the alarm Alerter.
type Desktop struct {
	obj     caller
	appName string
	timeout time.Duration

	mu     sync.Mutex
	alerts map[int64]uint32
}

// NewDesktop connects to the session bus.
func NewDesktop(appName string, timeout time.Duration) (*Desktop, error) {
	bus, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DBus session bus: %w", err)
	}
	return newDesktop(bus.Object(notifyObj, notifyPath), appName, timeout), nil
}

func newDesktop(obj caller, appName string, timeout time.Duration) *Desktop {
	return &Desktop{obj: obj, appName: appName, timeout: timeout, alerts: make(map[int64]uint32)}
}

func (d *Desktop) send(ctx context.Context, replaces uint32, head, body string, actions []string, hints map[string]dbus.Variant, timeout time.Duration) (uint32, error) {
	if actions == nil {
		actions = []string{}
	}
	call := d.obj.CallWithContext(ctx, notifyMethod, 0,
		d.appName,
		replaces,
		"",
		head,
		body,
		actions,
		hints,
		int32(timeout/time.Millisecond),
	)
	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("cannot send notification %q: %w", head, err)
	}
	return id, nil
}

func (d *Desktop) Notify(ctx context.Context, n Notification) error {
	_, err := d.send(ctx, 0, n.Title, n.Body, nil, map[string]dbus.Variant{}, d.timeout)
	return err
}

// StartAlert shows the alarm until it is stopped. A second alert for the
// same reminder replaces the first.
func (d *Desktop) StartAlert(ctx context.Context, e alarm.Escalation) error {
	sound := e.Sound
	if sound == "" {
		sound = defaultSound
	}
	hints := map[string]dbus.Variant{
		"urgency":    dbus.MakeVariant(urgencyCritical),
		"sound-name": dbus.MakeVariant(sound),
		"resident":   dbus.MakeVariant(true),
	}
	body := e.Notes
	if e.SnoozeCount > 0 {
		body = fmt.Sprintf("%s\n(snoozed %d times)", body, e.SnoozeCount)
	}

	d.mu.Lock()
	replaces := d.alerts[e.ReminderID]
	d.mu.Unlock()

	id, err := d.send(ctx, replaces, e.Title, body, []string{"snooze", "Snooze", "dismiss", "Dismiss"}, hints, 0)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.alerts[e.ReminderID] = id
	d.mu.Unlock()
	return nil
}

func (d *Desktop) StopAlert(ctx context.Context, reminderID int64) error {
	d.mu.Lock()
	id, ok := d.alerts[reminderID]
	delete(d.alerts, reminderID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if call := d.obj.CallWithContext(ctx, closeMethod, 0, id); call.Err != nil {
		log.Printf("[DEBUG] Closing notification %d failed: %v", id, call.Err)
		return call.Err
	}
	return nil
}

// LogAlerter stands in for Desktop when no session bus is available.
type LogAlerter struct{}

func (LogAlerter) StartAlert(ctx context.Context, e alarm.Escalation) error {
	log.Printf("[INFO] ALARM reminder %d %q (session %s, snoozed %d)", e.ReminderID, e.Title, e.SessionID, e.SnoozeCount)
	return nil
}

func (LogAlerter) StopAlert(ctx context.Context, reminderID int64) error {
	log.Printf("[DEBUG] Alarm for reminder %d silenced", reminderID)
	return nil
}
