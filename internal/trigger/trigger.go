// Package trigger derives each reminder's resolution state from its event
// log and owns every write that moves a reminder between states.
//
// No state is cached: every decision re-reads the newest events, and every
// write is a compare-and-append against the event id that decision saw.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cuewatch/internal/lockmap"
	"cuewatch/internal/recur"
	"cuewatch/internal/reminder"
	"cuewatch/internal/rules"
	"cuewatch/internal/storage"
)

type State string

const (
	StateIdle       State = "IDLE"
	StateUnresolved State = "UNRESOLVED"
	StateSnoozed    State = "SNOOZED"
	StateCooldown   State = "COOLDOWN"
)

// Status is the state of one reminder as of a single read of its log.
type Status struct {
	State         State           `json:"state"`
	LastEvent     *reminder.Event `json:"lastEvent,omitempty"`
	SnoozedUntil  *time.Time      `json:"snoozedUntil,omitempty"`
	CooldownUntil *time.Time      `json:"cooldownUntil,omitempty"`
}

func (s Status) lastID() int64 {
	if s.LastEvent == nil {
		return 0
	}
	return s.LastEvent.ID
}

// Derive computes the state from the newest event and the newest
// triggered event. A snooze ends at exactly SnoozedUntil.
func Derive(last, lastTriggered *reminder.Event, cooldown time.Duration, now time.Time) Status {
	st := Status{State: StateIdle, LastEvent: last}
	if last == nil {
		return st
	}
	switch last.Type {
	case reminder.EventTriggered:
		st.State = StateUnresolved
		return st
	case reminder.EventSnoozed:
		if last.Payload != nil && last.Payload.SnoozedUntil != nil && now.Before(*last.Payload.SnoozedUntil) {
			until := *last.Payload.SnoozedUntil
			st.State = StateSnoozed
			st.SnoozedUntil = &until
			return st
		}
	}
	if cooldown > 0 && lastTriggered != nil {
		until := lastTriggered.CreatedAt.Add(cooldown)
		if now.Before(until) {
			st.State = StateCooldown
			st.CooldownUntil = &until
		}
	}
	return st
}

// Store is the part of the Persistent Store the machine writes to.
type Store interface {
	storage.Reminders
	storage.Events
}

// SendFunc performs the user-visible side of a fire. It may fill in
// payload fields such as the alarm session. An error aborts the fire and
// nothing is appended.
type SendFunc func(ctx context.Context, r *reminder.Reminder, payload *reminder.Payload) error

type Machine struct {
	store         Store
	locks         *lockmap.Map[int64]
	now           func() time.Time
	zone          *time.Location
	defaultSnooze time.Duration
	onDisabled    []func(ctx context.Context, reminderID int64)
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithZone sets the wall clock used for quiet hours.
func WithZone(zone *time.Location) Option { return func(m *Machine) { m.zone = zone } }

// WithLocks shares a per-reminder lock set with other components.
func WithLocks(l *lockmap.Map[int64]) Option { return func(m *Machine) { m.locks = l } }

func WithDefaultSnooze(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.defaultSnooze = d
		}
	}
}

func New(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:         store,
		locks:         &lockmap.Map[int64]{},
		now:           time.Now,
		zone:          time.Local,
		defaultSnooze: 10 * time.Minute,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnDisabled registers fn to run after the machine disables a reminder.
// Registration happens once at startup.
func (m *Machine) OnDisabled(fn func(ctx context.Context, reminderID int64)) {
	m.onDisabled = append(m.onDisabled, fn)
}

// Status reads the current state of a reminder.
func (m *Machine) Status(ctx context.Context, r *reminder.Reminder) (Status, error) {
	return m.status(ctx, r.ID, r.Rule.Options.Cooldown())
}

func (m *Machine) status(ctx context.Context, id int64, cooldown time.Duration) (Status, error) {
	last, err := m.store.LastEvent(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read log of reminder %d: %w", id, err)
	}
	var lastTriggered *reminder.Event
	if cooldown > 0 && last != nil {
		if last.Type == reminder.EventTriggered {
			lastTriggered = last
		} else if lastTriggered, err = m.store.LastEvent(ctx, id, reminder.EventTriggered); err != nil {
			return Status{}, fmt.Errorf("failed to read log of reminder %d: %w", id, err)
		}
	}
	return Derive(last, lastTriggered, cooldown, m.now()), nil
}

// Decision is the outcome of an eligibility check.
type Decision struct {
	Status   Status       `json:"status"`
	Eligible bool         `json:"eligible"`
	Reason   string       `json:"reason"`
	Result   rules.Result `json:"result"`
}

// Request describes one fire attempt. Force skips the rule, expiry,
// quiet-hours and cooldown checks but never fires an unresolved reminder.
type Request struct {
	Reminder *reminder.Reminder
	Context  rules.Context
	Source   reminder.TriggerSource
	Crossing reminder.Crossing
	Force    bool
}

// Decide runs the full eligibility check: state IDLE, not expired, not in
// quiet hours and the rule satisfied.
func (m *Machine) Decide(ctx context.Context, req Request) (Decision, error) {
	r := req.Reminder
	st, err := m.Status(ctx, r)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Status: st}
	if !r.Enabled {
		d.Reason = "disabled"
		return d, nil
	}
	if req.Force {
		if st.State == StateUnresolved {
			d.Reason = "unresolved"
			return d, nil
		}
		d.Eligible = true
		d.Reason = "forced"
		return d, nil
	}
	if st.State != StateIdle {
		d.Reason = strings.ToLower(string(st.State))
		return d, nil
	}
	rc := req.Context
	if rc.Now.IsZero() {
		rc.Now = m.now()
	}
	if rules.Expired(r.Rule.Options, rc.Now) {
		d.Reason = "expired"
		return d, nil
	}
	zone := rc.Zone
	if zone == nil {
		zone = m.zone
	}
	if rules.InQuietHours(r.Rule.Options.QuietHours, rc.Now, zone) {
		d.Reason = "quiet hours"
		return d, nil
	}
	d.Result = rules.Evaluate(r.Rule, rc)
	if !d.Result.Satisfied {
		d.Reason = "rule not satisfied"
		return d, nil
	}
	d.Eligible = true
	d.Reason = "satisfied"
	return d, nil
}

// Outcome reports what Fire did. Event is set only when Fired.
type Outcome struct {
	Decision Decision        `json:"decision"`
	Fired    bool            `json:"fired"`
	Event    *reminder.Event `json:"event,omitempty"`
}

// Fire re-reads the reminder and its state under the reminder's lock,
// calls send when eligible, and appends the triggered event. Overlapping
// calls for one reminder produce at most one event.
func (m *Machine) Fire(ctx context.Context, req Request, send SendFunc) (Outcome, error) {
	id := req.Reminder.ID
	unlock := m.locks.Lock(id)
	defer unlock()

	fresh, err := m.store.GetReminder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Decision: Decision{Reason: "deleted"}}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	req.Reminder = fresh

	d, err := m.Decide(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Decision: d}
	if !d.Eligible {
		return out, nil
	}

	payload := &reminder.Payload{
		Source:   req.Source,
		Reason:   strings.Join(d.Result.Reasons, "; "),
		Rule:     &fresh.Rule,
		Crossing: req.Crossing,
		Location: req.Context.Location,
		Battery:  req.Context.Battery,
	}
	if req.Force {
		payload.Reason = "forced"
	}
	if send != nil {
		if err := send(ctx, fresh, payload); err != nil {
			return out, fmt.Errorf("failed to dispatch reminder %d: %w", id, err)
		}
	}

	ev, err := m.store.AppendEventAfter(ctx, id, d.Status.lastID(), reminder.EventTriggered, payload)
	if errors.Is(err, storage.ErrConflict) {
		log.Printf("[WARN] Reminder %d fired concurrently elsewhere, keeping the other event", id)
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Fired = true
	out.Event = ev
	return out, nil
}

// Snooze is legal only while the reminder is unresolved. A non-positive
// minutes uses the default interval. confirm, when set, is asked under the
// reminder's lock right before the event is appended and can still refuse.
// It returns nil, nil when illegal or refused.
func (m *Machine) Snooze(ctx context.Context, id int64, minutes int, confirm func() bool) (*reminder.Event, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	r, err := m.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := m.Status(ctx, r)
	if err != nil {
		return nil, err
	}
	if st.State != StateUnresolved {
		log.Printf("[DEBUG] Ignoring snooze of reminder %d in state %s", id, st.State)
		return nil, nil
	}

	if confirm != nil && !confirm() {
		log.Printf("[DEBUG] Snooze of reminder %d refused by its alarm", id)
		return nil, nil
	}

	d := time.Duration(minutes) * time.Minute
	if minutes <= 0 {
		d = m.defaultSnooze
	}
	until := m.now().Add(d)
	payload := &reminder.Payload{
		Source:        reminder.SourceManual,
		SnoozedUntil:  &until,
		SnoozeMinutes: int(d / time.Minute),
	}
	ev, err := m.store.AppendEventAfter(ctx, id, st.lastID(), reminder.EventSnoozed, payload)
	if errors.Is(err, storage.ErrConflict) {
		return nil, nil
	}
	return ev, err
}

// Dismiss ends the current cycle. When session is non-empty the newest
// triggered event must carry that alarm session, so a stale request from a
// replaced alarm cannot resolve a newer cycle.
func (m *Machine) Dismiss(ctx context.Context, id int64, session string) (*reminder.Event, error) {
	return m.resolve(ctx, id, reminder.EventDismissed, session)
}

// Complete ends the current cycle as done.
func (m *Machine) Complete(ctx context.Context, id int64) (*reminder.Event, error) {
	return m.resolve(ctx, id, reminder.EventCompleted, "")
}

func (m *Machine) resolve(ctx context.Context, id int64, typ reminder.EventType, session string) (*reminder.Event, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	r, err := m.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := m.Status(ctx, r)
	if err != nil {
		return nil, err
	}
	if st.State != StateUnresolved && st.State != StateSnoozed {
		log.Printf("[DEBUG] Ignoring %s of reminder %d in state %s", typ, id, st.State)
		return nil, nil
	}
	if session != "" {
		trig, err := m.store.LastEvent(ctx, id, reminder.EventTriggered)
		if err != nil {
			return nil, err
		}
		if trig == nil || trig.Payload == nil || trig.Payload.AlarmSession != session {
			log.Printf("[DEBUG] Ignoring %s of reminder %d for replaced alarm session %s", typ, id, session)
			return nil, nil
		}
	}

	ev, err := m.store.AppendEventAfter(ctx, id, st.lastID(), typ, &reminder.Payload{Source: reminder.SourceManual, AlarmSession: session})
	if errors.Is(err, storage.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.finishCycle(ctx, r); err != nil {
		return ev, err
	}
	return ev, nil
}

// finishCycle disables a one-shot reminder, or moves a repeating one to
// its next time window.
func (m *Machine) finishCycle(ctx context.Context, r *reminder.Reminder) error {
	if !r.IsRepeating() {
		return m.disable(ctx, r.ID)
	}
	next, advanced, err := recur.Advance(r.Rule, m.now())
	if errors.Is(err, recur.ErrExhausted) {
		log.Printf("[INFO] Reminder %d has no occurrence before its expiry, disabling", r.ID)
		return m.disable(ctx, r.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to advance reminder %d: %w", r.ID, err)
	}
	if !advanced {
		return nil
	}
	r.Rule = next
	if err := m.store.UpdateReminder(ctx, r); err != nil {
		return fmt.Errorf("failed to store next window of reminder %d: %w", r.ID, err)
	}
	if tc, ok := next.Time(); ok {
		log.Printf("[INFO] Reminder %d advanced to %s", r.ID, tc.Start.Format(time.RFC3339))
	}
	return nil
}

func (m *Machine) disable(ctx context.Context, id int64) error {
	if err := m.store.SetReminderEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("failed to disable reminder %d: %w", id, err)
	}
	for _, fn := range m.onDisabled {
		fn(ctx, id)
	}
	return nil
}
