// Package alarm manages the single escalated alarm: its ringing and
// snoozed states, the keep-awake resource, and recovery after restart.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"cuewatch/internal/reminder"
	"cuewatch/internal/storage"
)

type Config struct {
	MaxSnoozeCount int
	DefaultSnooze  time.Duration
	// StaleAfter is the age past which a ringing alarm found at startup
	// is dismissed instead of resumed.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{MaxSnoozeCount: 3, DefaultSnooze: 10 * time.Minute, StaleAfter: 5 * time.Minute}
}

// WakeLock keeps the device awake while an alarm rings.
type WakeLock interface {
	Acquire(ctx context.Context, reason string) error
	Release() error
}

// Alerter plays the sound and vibration pattern of an alarm.
type Alerter interface {
	StartAlert(ctx context.Context, e Escalation) error
	StopAlert(ctx context.Context, reminderID int64) error
}

// Scheduler runs fn at a later instant. Scheduling a key again replaces it.
type Scheduler interface {
	Schedule(key string, at time.Time, fn func())
	Cancel(key string)
}

// Resolver records alarm outcomes in the reminder's event log.
type Resolver interface {
	Snooze(ctx context.Context, reminderID int64, minutes int, confirm func() bool) (*reminder.Event, error)
	Dismiss(ctx context.Context, reminderID int64, session string) (*reminder.Event, error)
}

// Store is the part of the Persistent Store the manager reads and writes.
type Store interface {
	storage.Alarms
	GetReminder(ctx context.Context, id int64) (*reminder.Reminder, error)
	LastEvent(ctx context.Context, reminderID int64, types ...reminder.EventType) (*reminder.Event, error)
}

// Escalation is handed to the foreground surface when an alarm starts
// ringing.
type Escalation struct {
	ReminderID  int64                  `json:"reminderId"`
	SessionID   string                 `json:"sessionId"`
	Title       string                 `json:"title"`
	Notes       string                 `json:"notes,omitempty"`
	Sound       string                 `json:"sound,omitempty"`
	Vibrate     bool                   `json:"vibrate,omitempty"`
	Source      reminder.TriggerSource `json:"source"`
	SnoozeCount int                    `json:"snoozeCount"`
	TriggeredAt time.Time              `json:"triggeredAt"`
	Resumed     bool                   `json:"resumed"`
}

// Handoff reports what Trigger did. Elder is the alarm that was replaced;
// the caller passes it to ResolveElder once it holds no reminder lock.
type Handoff struct {
	SessionID      string
	Resumed        bool
	AlreadyRinging bool
	Elder          *reminder.AlarmState
}

type Manager struct {
	mu       sync.Mutex
	current  *reminder.AlarmState
	wakeHeld bool

	store    Store
	wake     WakeLock
	alerter  Alerter
	sched    Scheduler
	resolver Resolver
	cfg      Config
	now      func() time.Time

	handlers  []func(Escalation)
	retrigger func(ctx context.Context, reminderID int64)
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithConfig(cfg Config) Option        { return func(m *Manager) { m.cfg = cfg } }

func NewManager(store Store, wake WakeLock, alerter Alerter, sched Scheduler, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		wake:    wake,
		alerter: alerter,
		sched:   sched,
		cfg:     DefaultConfig(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.MaxSnoozeCount < 0 {
		m.cfg.MaxSnoozeCount = 0
	}
	if m.cfg.DefaultSnooze <= 0 {
		m.cfg.DefaultSnooze = DefaultConfig().DefaultSnooze
	}
	if m.cfg.StaleAfter <= 0 {
		m.cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return m
}

// SetResolver and OnRetrigger are the startup registrations that connect
// the manager to the trigger machine and the dispatcher.
func (m *Manager) SetResolver(r Resolver) { m.resolver = r }

func (m *Manager) OnRetrigger(fn func(ctx context.Context, reminderID int64)) { m.retrigger = fn }

// OnEscalation subscribes fn to every alarm that starts or resumes ringing.
func (m *Manager) OnEscalation(fn func(Escalation)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

func (m *Manager) Config() Config { return m.cfg }

// Current returns a copy of the alarm state, or nil.
func (m *Manager) Current() *reminder.AlarmState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	c := *m.current
	return &c
}

func timerKey(reminderID int64) string { return fmt.Sprintf("alarm-%d", reminderID) }

// Trigger starts ringing for r. The same reminder already ringing is a
// no-op; the same reminder snoozed resumes with its snooze count kept; any
// other alarm is stopped and returned as the elder.
func (m *Manager) Trigger(ctx context.Context, r *reminder.Reminder, source reminder.TriggerSource) (Handoff, error) {
	m.mu.Lock()
	cur := m.current
	now := m.now()

	if cur != nil && cur.ReminderID == r.ID {
		if cur.IsRinging {
			m.mu.Unlock()
			log.Printf("[DEBUG] Alarm for reminder %d already ringing", r.ID)
			return Handoff{SessionID: cur.SessionID, AlreadyRinging: true}, nil
		}
		next := *cur
		next.IsRinging = true
		next.TriggeredAt = now
		if err := m.store.SaveAlarmState(ctx, &next); err != nil {
			m.mu.Unlock()
			return Handoff{}, err
		}
		m.current = &next
		m.sched.Cancel(timerKey(r.ID))
		esc := m.startLocked(ctx, r, next, source, true)
		handlers := m.handlers
		m.mu.Unlock()

		log.Printf("[INFO] Alarm for reminder %d resumed (snooze %d/%d)", r.ID, next.SnoozeCount, m.cfg.MaxSnoozeCount)
		m.escalate(handlers, esc)
		return Handoff{SessionID: next.SessionID, Resumed: true}, nil
	}

	next := reminder.AlarmState{
		ReminderID:  r.ID,
		SessionID:   uuid.NewString(),
		IsRinging:   true,
		TriggeredAt: now,
	}
	if err := m.store.SaveAlarmState(ctx, &next); err != nil {
		m.mu.Unlock()
		return Handoff{}, err
	}
	var elder *reminder.AlarmState
	if cur != nil {
		e := *cur
		elder = &e
		m.stopLocked(ctx, cur.ReminderID)
		m.sched.Cancel(timerKey(cur.ReminderID))
		log.Printf("[INFO] Alarm for reminder %d replaced by reminder %d", cur.ReminderID, r.ID)
	}
	m.current = &next
	esc := m.startLocked(ctx, r, next, source, false)
	handlers := m.handlers
	m.mu.Unlock()

	log.Printf("[INFO] Alarm for reminder %d ringing (session %s)", r.ID, next.SessionID)
	m.escalate(handlers, esc)
	return Handoff{SessionID: next.SessionID, Elder: elder}, nil
}

// ResolveElder dismisses the log cycle of a replaced alarm.
func (m *Manager) ResolveElder(ctx context.Context, elder reminder.AlarmState) {
	if m.resolver == nil {
		return
	}
	if _, err := m.resolver.Dismiss(ctx, elder.ReminderID, elder.SessionID); err != nil {
		log.Printf("[WARN] Failed to dismiss replaced alarm of reminder %d: %v", elder.ReminderID, err)
	}
}

// Snooze silences a ringing alarm and schedules its re-trigger. It is a
// no-op, reporting false, when nothing rings or the snooze limit is hit.
func (m *Manager) Snooze(ctx context.Context, minutes *int) (bool, error) {
	m.mu.Lock()
	cur := m.current
	if cur == nil || !cur.IsRinging {
		m.mu.Unlock()
		log.Println("[DEBUG] Ignoring snooze: no ringing alarm")
		return false, nil
	}
	if cur.SnoozeCount >= m.cfg.MaxSnoozeCount {
		m.mu.Unlock()
		log.Printf("[DEBUG] Ignoring snooze of reminder %d: limit %d reached", cur.ReminderID, m.cfg.MaxSnoozeCount)
		return false, nil
	}
	id, session := cur.ReminderID, cur.SessionID
	m.mu.Unlock()

	d := m.cfg.DefaultSnooze
	if minutes != nil && *minutes > 0 {
		d = time.Duration(*minutes) * time.Minute
	}
	if m.resolver != nil {
		ringing := func() bool { return m.isRinging(session) }
		ev, err := m.resolver.Snooze(ctx, id, int(d/time.Minute), ringing)
		if err != nil {
			return false, err
		}
		if ev == nil {
			return false, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur = m.current
	if cur == nil || cur.SessionID != session || !cur.IsRinging {
		return false, nil
	}
	next := *cur
	next.IsRinging = false
	next.SnoozeCount++
	if err := m.store.SaveAlarmState(ctx, &next); err != nil {
		return false, err
	}
	m.current = &next
	m.stopLocked(ctx, id)
	at := m.now().Add(d)
	m.scheduleLocked(id, at)
	log.Printf("[INFO] Alarm for reminder %d snoozed until %s (%d/%d)", id, at.Format(time.RFC3339), next.SnoozeCount, m.cfg.MaxSnoozeCount)
	return true, nil
}

func (m *Manager) isRinging(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.SessionID == session && m.current.IsRinging
}

// Dismiss ends the current alarm in any state and resolves the reminder's
// cycle. It reports false when there is no alarm.
func (m *Manager) Dismiss(ctx context.Context) (bool, error) {
	m.mu.Lock()
	cur := m.current
	if cur == nil {
		m.mu.Unlock()
		log.Println("[DEBUG] Ignoring dismiss: no alarm")
		return false, nil
	}
	if err := m.clearLocked(ctx, cur); err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.mu.Unlock()

	log.Printf("[INFO] Alarm for reminder %d dismissed", cur.ReminderID)
	if m.resolver != nil {
		if _, err := m.resolver.Dismiss(ctx, cur.ReminderID, cur.SessionID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Drop clears the alarm of reminderID without touching its log, for a
// reminder that was deleted or disabled.
func (m *Manager) Drop(ctx context.Context, reminderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ReminderID != reminderID {
		return nil
	}
	log.Printf("[INFO] Dropping alarm of reminder %d", reminderID)
	return m.clearLocked(ctx, m.current)
}

func (m *Manager) clearLocked(ctx context.Context, cur *reminder.AlarmState) error {
	if err := m.store.ClearAlarmState(ctx); err != nil {
		return err
	}
	m.current = nil
	m.stopLocked(ctx, cur.ReminderID)
	m.sched.Cancel(timerKey(cur.ReminderID))
	return nil
}

// Restore loads the persisted alarm at startup. A ringing alarm older than
// StaleAfter is dismissed without ringing; a fresh one resumes; a snoozed
// one gets its re-trigger scheduled again.
func (m *Manager) Restore(ctx context.Context) error {
	st, err := m.store.LoadAlarmState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alarm state: %w", err)
	}
	if st == nil {
		return nil
	}

	r, err := m.store.GetReminder(ctx, st.ReminderID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("[WARN] Persisted alarm refers to missing reminder %d, clearing", st.ReminderID)
		return m.store.ClearAlarmState(ctx)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = st
	m.mu.Unlock()

	if st.IsRinging {
		age := m.now().Sub(st.TriggeredAt)
		if age > m.cfg.StaleAfter {
			log.Printf("[WARN] Alarm for reminder %d has been ringing for %s, dismissing as orphaned", st.ReminderID, age.Round(time.Second))
			_, err := m.Dismiss(ctx)
			return err
		}
		m.mu.Lock()
		esc := m.startLocked(ctx, r, *st, reminder.SourceRestart, true)
		handlers := m.handlers
		m.mu.Unlock()
		log.Printf("[INFO] Alarm for reminder %d resumed after restart", st.ReminderID)
		m.escalate(handlers, esc)
		return nil
	}

	at := m.now()
	last, err := m.store.LastEvent(ctx, st.ReminderID, reminder.EventSnoozed)
	if err != nil {
		return err
	}
	if last != nil && last.Payload != nil && last.Payload.SnoozedUntil != nil {
		at = *last.Payload.SnoozedUntil
	}
	m.mu.Lock()
	m.scheduleLocked(st.ReminderID, at)
	m.mu.Unlock()
	log.Printf("[INFO] Snoozed alarm for reminder %d restored, re-trigger at %s", st.ReminderID, at.Format(time.RFC3339))
	return nil
}

func (m *Manager) scheduleLocked(reminderID int64, at time.Time) {
	m.sched.Schedule(timerKey(reminderID), at, func() {
		if m.retrigger != nil {
			m.retrigger(context.Background(), reminderID)
		}
	})
}

func (m *Manager) startLocked(ctx context.Context, r *reminder.Reminder, st reminder.AlarmState, source reminder.TriggerSource, resumed bool) Escalation {
	esc := Escalation{
		ReminderID:  r.ID,
		SessionID:   st.SessionID,
		Title:       r.Title,
		Notes:       r.Notes,
		Source:      source,
		SnoozeCount: st.SnoozeCount,
		TriggeredAt: st.TriggeredAt,
		Resumed:     resumed,
	}
	if r.Alarm != nil {
		esc.Sound = r.Alarm.Sound
		esc.Vibrate = r.Alarm.Vibrate
	}
	if !m.wakeHeld {
		if err := m.wake.Acquire(ctx, r.Title); err != nil {
			log.Printf("[WARN] Failed to acquire wake lock for reminder %d: %v", r.ID, err)
		} else {
			m.wakeHeld = true
		}
	}
	if err := m.alerter.StartAlert(ctx, esc); err != nil {
		log.Printf("[WARN] Failed to start alert for reminder %d: %v", r.ID, err)
	}
	return esc
}

func (m *Manager) stopLocked(ctx context.Context, reminderID int64) {
	if err := m.alerter.StopAlert(ctx, reminderID); err != nil {
		log.Printf("[WARN] Failed to stop alert for reminder %d: %v", reminderID, err)
	}
	if m.wakeHeld {
		if err := m.wake.Release(); err != nil {
			log.Printf("[WARN] Failed to release wake lock: %v", err)
		}
		m.wakeHeld = false
	}
}

func (m *Manager) escalate(handlers []func(Escalation), esc Escalation) {
	for _, h := range handlers {
		if r := panics.Try(func() { h(esc) }); r != nil {
			log.Printf("[ERROR] Escalation handler panicked for reminder %d: %v", esc.ReminderID, r.Value)
		}
	}
}
