package trigger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuewatch/internal/reminder"
	"cuewatch/internal/rules"
	"cuewatch/internal/storage"
	"cuewatch/internal/storage/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupTestDB(t *testing.T, clock *fakeClock) storage.Storage {
	t.Helper()
	store := sqlite.NewSQLiteStore(filepath.Join(t.TempDir(), "trigger.db"), sqlite.WithClock(clock.Now))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func setup(t *testing.T) (*Machine, storage.Storage, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := setupTestDB(t, clock)
	return New(store, WithClock(clock.Now), WithZone(time.UTC)), store, clock
}

func createReminder(t *testing.T, store storage.Storage, r *reminder.Reminder) *reminder.Reminder {
	t.Helper()
	if r.Title == "" {
		r.Title = "test reminder"
	}
	r.Enabled = true
	require.NoError(t, store.CreateReminder(context.Background(), r))
	return r
}

func fire(t *testing.T, m *Machine, r *reminder.Reminder, now time.Time) Outcome {
	t.Helper()
	out, err := m.Fire(context.Background(), Request{Reminder: r, Context: rules.Context{Now: now}, Source: reminder.SourceTime}, nil)
	require.NoError(t, err)
	return out
}

func TestDerive(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	past := now.Add(-time.Minute)
	trig := &reminder.Event{ID: 1, Type: reminder.EventTriggered, CreatedAt: now.Add(-10 * time.Minute)}

	cases := []struct {
		name     string
		last     *reminder.Event
		cooldown time.Duration
		want     State
	}{
		{"empty log", nil, 0, StateIdle},
		{"triggered", trig, 0, StateUnresolved},
		{"dismissed", &reminder.Event{Type: reminder.EventDismissed}, 0, StateIdle},
		{"completed", &reminder.Event{Type: reminder.EventCompleted}, 0, StateIdle},
		{"snoozed future", &reminder.Event{Type: reminder.EventSnoozed, Payload: &reminder.Payload{SnoozedUntil: &until}}, 0, StateSnoozed},
		{"snoozed past", &reminder.Event{Type: reminder.EventSnoozed, Payload: &reminder.Payload{SnoozedUntil: &past}}, 0, StateIdle},
		{"snoozed at instant", &reminder.Event{Type: reminder.EventSnoozed, Payload: &reminder.Payload{SnoozedUntil: &now}}, 0, StateIdle},
		{"dismissed in cooldown", &reminder.Event{Type: reminder.EventDismissed}, 15 * time.Minute, StateCooldown},
		{"dismissed after cooldown", &reminder.Event{Type: reminder.EventDismissed}, 5 * time.Minute, StateIdle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Derive(tc.last, trig, tc.cooldown, now).State)
		})
	}
}

func TestFireOnceThenUnresolved(t *testing.T) {
	m, store, clock := setup(t)
	r := createReminder(t, store, &reminder.Reminder{})

	out := fire(t, m, r, clock.Now())
	assert.True(t, out.Fired)
	require.NotNil(t, out.Event)
	assert.Equal(t, reminder.EventTriggered, out.Event.Type)
	assert.Equal(t, reminder.SourceTime, out.Event.Payload.Source)

	out = fire(t, m, r, clock.Now())
	assert.False(t, out.Fired)
	assert.Equal(t, StateUnresolved, out.Decision.Status.State)

	events, err := store.ListEvents(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOverlappingFiresWriteOneEvent(t *testing.T) {
	m, store, clock := setup(t)
	r := createReminder(t, store, &reminder.Reminder{})

	var sends int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Fire(context.Background(), Request{Reminder: r, Context: rules.Context{Now: clock.Now()}},
				func(ctx context.Context, _ *reminder.Reminder, p *reminder.Payload) error {
					atomic.AddInt32(&sends, 1)
					return nil
				})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&sends))
	events, err := store.ListEvents(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFailedSendAppendsNothing(t *testing.T) {
	m, store, clock := setup(t)
	r := createReminder(t, store, &reminder.Reminder{})

	_, err := m.Fire(context.Background(), Request{Reminder: r, Context: rules.Context{Now: clock.Now()}},
		func(ctx context.Context, _ *reminder.Reminder, p *reminder.Payload) error { return errors.New("speaker on fire") })
	assert.Error(t, err)

	events, err := store.ListEvents(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, events, 0)

	assert.True(t, fire(t, m, r, clock.Now()).Fired, "a later tick retries")
}

func TestSendCanFillPayload(t *testing.T) {
	m, store, clock := setup(t)
	r := createReminder(t, store, &reminder.Reminder{})

	out, err := m.Fire(context.Background(), Request{Reminder: r, Context: rules.Context{Now: clock.Now()}},
		func(ctx context.Context, _ *reminder.Reminder, p *reminder.Payload) error {
			p.AlarmSession = "session-1"
			return nil
		})
	require.NoError(t, err)
	require.True(t, out.Fired)

	last, err := store.LastEvent(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "session-1", last.Payload.AlarmSession)
}

func TestSnoozeLifecycle(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	r := createReminder(t, store, &reminder.Reminder{})

	ev, err := m.Snooze(ctx, r.ID, 5, nil)
	require.NoError(t, err)
	assert.Nil(t, ev, "snooze is illegal before a fire")

	require.True(t, fire(t, m, r, clock.Now()).Fired)
	ev, err = m.Snooze(ctx, r.ID, 5, nil)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 5, ev.Payload.SnoozeMinutes)

	st, err := m.Status(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, StateSnoozed, st.State)
	assert.False(t, fire(t, m, r, clock.Now()).Fired)

	ev, err = m.Snooze(ctx, r.ID, 5, nil)
	require.NoError(t, err)
	assert.Nil(t, ev, "snoozing a snoozed reminder is a no-op")

	clock.Advance(5 * time.Minute)
	st, err = m.Status(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, fire(t, m, r, clock.Now()).Fired)
}

func TestSnoozeDefaultInterval(t *testing.T) {
	m, store, clock := setup(t)
	r := createReminder(t, store, &reminder.Reminder{})
	require.True(t, fire(t, m, r, clock.Now()).Fired)

	ev, err := m.Snooze(context.Background(), r.ID, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, clock.Now().Add(10*time.Minute), *ev.Payload.SnoozedUntil)
}

func TestSnoozeRefusedByConfirm(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	r := createReminder(t, store, &reminder.Reminder{})
	require.True(t, fire(t, m, r, clock.Now()).Fired)

	ev, err := m.Snooze(ctx, r.ID, 5, func() bool { return false })
	require.NoError(t, err)
	assert.Nil(t, ev)

	st, err := m.Status(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, StateUnresolved, st.State)
}

func TestCooldown(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	r := createReminder(t, store, &reminder.Reminder{
		Rule: reminder.Rule{Options: reminder.Options{Repeat: reminder.RepeatDaily, CooldownMins: 30}},
	})

	require.True(t, fire(t, m, r, clock.Now()).Fired)
	_, err := m.Dismiss(ctx, r.ID, "")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	out := fire(t, m, r, clock.Now())
	assert.False(t, out.Fired)
	assert.Equal(t, StateCooldown, out.Decision.Status.State)

	clock.Advance(21 * time.Minute)
	assert.True(t, fire(t, m, r, clock.Now()).Fired)
}

func TestDismissDisablesOneShot(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	r := createReminder(t, store, &reminder.Reminder{})

	var disabled []int64
	m.OnDisabled(func(ctx context.Context, id int64) { disabled = append(disabled, id) })

	ev, err := m.Dismiss(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Nil(t, ev, "nothing to dismiss while idle")

	require.True(t, fire(t, m, r, clock.Now()).Fired)
	ev, err = m.Dismiss(ctx, r.ID, "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, reminder.EventDismissed, ev.Type)

	got, err := store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, []int64{r.ID}, disabled)

	out := fire(t, m, got, clock.Now())
	assert.False(t, out.Fired)
	assert.Equal(t, "disabled", out.Decision.Reason)
}

func TestCompleteAdvancesRepeatingWindow(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	start := clock.Now().Add(-time.Minute)
	end := start.Add(time.Hour)
	r := createReminder(t, store, &reminder.Reminder{
		Rule: reminder.Rule{
			Conditions: []reminder.Condition{reminder.TimeCondition{Start: &start, End: &end}},
			Options:    reminder.Options{Repeat: reminder.RepeatDaily},
		},
	})

	require.True(t, fire(t, m, r, clock.Now()).Fired)
	ev, err := m.Complete(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)

	got, err := store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	tc, ok := got.Rule.Time()
	require.True(t, ok)
	assert.True(t, start.AddDate(0, 0, 1).Equal(*tc.Start))
	assert.True(t, end.AddDate(0, 0, 1).Equal(*tc.End))

	out := fire(t, m, got, clock.Now())
	assert.False(t, out.Fired, "next window has not opened")
	assert.Equal(t, "rule not satisfied", out.Decision.Reason)
}

func TestRepeatingPastExpiryIsDisabled(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	start := clock.Now().Add(-time.Minute)
	exp := clock.Now().Add(time.Hour)
	r := createReminder(t, store, &reminder.Reminder{
		Rule: reminder.Rule{
			Conditions: []reminder.Condition{reminder.TimeCondition{Start: &start}},
			Options:    reminder.Options{Repeat: reminder.RepeatWeekly, Expiry: &exp},
		},
	})

	require.True(t, fire(t, m, r, clock.Now()).Fired)
	_, err := m.Dismiss(ctx, r.ID, "")
	require.NoError(t, err)

	got, err := store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDismissIgnoresReplacedSession(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	r := createReminder(t, store, &reminder.Reminder{})

	_, err := m.Fire(ctx, Request{Reminder: r, Context: rules.Context{Now: clock.Now()}},
		func(ctx context.Context, _ *reminder.Reminder, p *reminder.Payload) error {
			p.AlarmSession = "new"
			return nil
		})
	require.NoError(t, err)

	ev, err := m.Dismiss(ctx, r.ID, "old")
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = m.Dismiss(ctx, r.ID, "new")
	require.NoError(t, err)
	assert.NotNil(t, ev)
}

func TestDecideReasons(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	exp := clock.Now().Add(-time.Hour)
	expired := createReminder(t, store, &reminder.Reminder{Rule: reminder.Rule{Options: reminder.Options{Expiry: &exp}}})
	quiet := createReminder(t, store, &reminder.Reminder{
		Rule: reminder.Rule{Options: reminder.Options{QuietHours: &reminder.QuietHours{Start: "11:00", End: "13:00"}}},
	})

	d, err := m.Decide(ctx, Request{Reminder: expired, Context: rules.Context{Now: clock.Now()}})
	require.NoError(t, err)
	assert.False(t, d.Eligible)
	assert.Equal(t, "expired", d.Reason)

	d, err = m.Decide(ctx, Request{Reminder: quiet, Context: rules.Context{Now: clock.Now()}})
	require.NoError(t, err)
	assert.False(t, d.Eligible)
	assert.Equal(t, "quiet hours", d.Reason)
}

func TestForceFire(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	future := clock.Now().Add(time.Hour)
	r := createReminder(t, store, &reminder.Reminder{
		Rule: reminder.Rule{Conditions: []reminder.Condition{reminder.TimeCondition{Start: &future}}},
	})

	out, err := m.Fire(ctx, Request{Reminder: r, Source: reminder.SourceManual, Force: true}, nil)
	require.NoError(t, err)
	assert.True(t, out.Fired)

	out, err = m.Fire(ctx, Request{Reminder: r, Source: reminder.SourceManual, Force: true}, nil)
	require.NoError(t, err)
	assert.False(t, out.Fired, "force never double-fires")
}

func TestFireDeletedReminder(t *testing.T) {
	m, store, clock := setup(t)
	r := createReminder(t, store, &reminder.Reminder{})
	require.NoError(t, store.DeleteReminder(context.Background(), r.ID))

	out := fire(t, m, r, clock.Now())
	assert.False(t, out.Fired)
	assert.Equal(t, "deleted", out.Decision.Reason)
}
