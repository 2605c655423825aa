package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuewatch/internal/reminder"
	"cuewatch/internal/storage"
)

func setupTestDB(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test_cuewatch.db")
	store := NewSQLiteStore(dbPath).(*SQLiteStore)
	err := store.Init(context.Background())
	require.NoError(t, err, "Failed to initialize test database")

	cleanup := func() {
		assert.NoError(t, store.Close(), "Failed to close test database")
	}
	return store, cleanup
}

func intp(v int) *int { return &v }

func sampleReminder() *reminder.Reminder {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	return &reminder.Reminder{
		Title: "Water plants",
		Notes: "the balcony ones",
		Rule: reminder.Rule{
			Conditions: []reminder.Condition{
				reminder.TimeCondition{Start: &start, End: &end},
				reminder.BatteryCondition{Min: intp(20)},
			},
			Options: reminder.Options{Repeat: reminder.RepeatDaily, CooldownMins: 15},
		},
		LocationTrigger: &reminder.LocationTrigger{
			Mode: reminder.ModeEnter, Latitude: 48.85, Longitude: 2.35, Radius: 100, Enabled: true,
		},
		Alarm:   &reminder.AlarmSettings{Enabled: true, Sound: "bell"},
		Enabled: true,
	}
}

func TestReminderCRUD(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleReminder()
	require.NoError(t, store.CreateReminder(ctx, r))
	assert.Greater(t, r.ID, int64(0))
	assert.False(t, r.CreatedAt.IsZero())

	got, err := store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Title, got.Title)
	assert.Equal(t, r.Notes, got.Notes)
	require.Len(t, got.Rule.Conditions, 2)
	tc, ok := got.Rule.Time()
	require.True(t, ok)
	assert.True(t, tc.Start.Equal(*r.Rule.Conditions[0].(reminder.TimeCondition).Start))
	bc, ok := got.Rule.Battery()
	require.True(t, ok)
	assert.Equal(t, 20, *bc.Min)
	assert.Nil(t, bc.Max)
	assert.Equal(t, reminder.RepeatDaily, got.Rule.Options.Repeat)
	require.NotNil(t, got.LocationTrigger)
	assert.Equal(t, reminder.ModeEnter, got.LocationTrigger.Mode)
	assert.True(t, got.AlarmEnabled())

	got.Title = "Water all plants"
	got.LocationTrigger = nil
	require.NoError(t, store.UpdateReminder(ctx, got))
	again, err := store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Water all plants", again.Title)
	assert.Nil(t, again.LocationTrigger)

	require.NoError(t, store.SetReminderEnabled(ctx, r.ID, false))
	enabled, err := store.ListEnabledReminders(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 0)
	all, err := store.ListReminders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteReminder(ctx, r.ID))
	_, err = store.GetReminder(ctx, r.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.True(t, errors.Is(store.DeleteReminder(ctx, r.ID), storage.ErrNotFound))
}

func TestCreateReminderRejectsInvalidRule(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	r := sampleReminder()
	r.Rule.Conditions = append(r.Rule.Conditions, reminder.BatteryCondition{Max: intp(150)})
	err := store.CreateReminder(context.Background(), r)
	assert.True(t, errors.Is(err, reminder.ErrInvalidRule))

	list, err := store.ListReminders(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestEventLog(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleReminder()
	require.NoError(t, store.CreateReminder(ctx, r))

	none, err := store.LastEvent(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	until := time.Now().UTC().Add(10 * time.Minute).Truncate(time.Second)
	e1, err := store.AppendEvent(ctx, r.ID, reminder.EventTriggered, &reminder.Payload{Source: reminder.SourceTime})
	require.NoError(t, err)
	assert.Equal(t, r.Title, e1.Title)
	_, err = store.AppendEvent(ctx, r.ID, reminder.EventSnoozed, &reminder.Payload{SnoozedUntil: &until, SnoozeMinutes: 10})
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, reminder.EventTriggered, events[0].Type)
	assert.Equal(t, reminder.SourceTime, events[0].Payload.Source)
	assert.Equal(t, reminder.EventSnoozed, events[1].Type)
	require.NotNil(t, events[1].Payload.SnoozedUntil)
	assert.True(t, until.Equal(*events[1].Payload.SnoozedUntil))

	last, err := store.LastEvent(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reminder.EventSnoozed, last.Type)

	lastTrig, err := store.LastEvent(ctx, r.ID, reminder.EventTriggered, reminder.EventCompleted)
	require.NoError(t, err)
	assert.Equal(t, e1.ID, lastTrig.ID)

	// The log survives deletion of its reminder.
	require.NoError(t, store.DeleteReminder(ctx, r.ID))
	events, err = store.ListEvents(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = store.AppendEvent(ctx, r.ID, reminder.EventType("bogus"), nil)
	assert.Error(t, err)
}

func TestAppendEventAfterDetectsConflict(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleReminder()
	require.NoError(t, store.CreateReminder(ctx, r))

	e1, err := store.AppendEventAfter(ctx, r.ID, 0, reminder.EventTriggered, nil)
	require.NoError(t, err)

	_, err = store.AppendEventAfter(ctx, r.ID, 0, reminder.EventTriggered, nil)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	_, err = store.AppendEventAfter(ctx, r.ID, e1.ID, reminder.EventDismissed, nil)
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAppendEventAfterConcurrentWriters(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleReminder()
	require.NoError(t, store.CreateReminder(ctx, r))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AppendEventAfter(ctx, r.ID, 0, reminder.EventTriggered, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRecentEventsAndPurge(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := sampleReminder()
	require.NoError(t, store.CreateReminder(ctx, r))

	base := time.Now().UTC()
	store.now = func() time.Time { return base.AddDate(0, 0, -40) }
	_, err := store.AppendEvent(ctx, r.ID, reminder.EventTriggered, nil)
	require.NoError(t, err)
	store.now = func() time.Time { return base }
	_, err = store.AppendEvent(ctx, r.ID, reminder.EventDismissed, nil)
	require.NoError(t, err)

	recent, err := store.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, reminder.EventDismissed, recent[0].Type)

	n, err := store.PurgeEventsOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.PurgeEventsOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	recent, err = store.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestGeofenceStatus(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	got, err := store.GetGeofenceStatus(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, errors.Is(store.SetGeofenceStatus(ctx, 7, true, reminder.CrossingEnter), storage.ErrNotFound))

	region := reminder.LocationTrigger{Mode: reminder.ModeBoth, Latitude: 1, Longitude: 2, Radius: 50, Label: "home", Enabled: true}
	require.NoError(t, store.UpsertGeofence(ctx, &reminder.GeofenceStatus{ReminderID: 7, Active: true, Region: region}))
	require.NoError(t, store.SetGeofenceStatus(ctx, 7, true, reminder.CrossingEnter))

	got, err = store.GetGeofenceStatus(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Inside())
	assert.Equal(t, "home", got.Region.Label)

	active, err := store.ListActiveGeofences(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, store.SetGeofenceStatus(ctx, 7, false, reminder.CrossingEnter))
	active, err = store.ListActiveGeofences(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 0)

	require.NoError(t, store.RemoveGeofenceStatus(ctx, 7))
	got, err = store.GetGeofenceStatus(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAlarmState(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	none, err := store.LoadAlarmState(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.SaveAlarmState(ctx, &reminder.AlarmState{ReminderID: 3, SessionID: "s1", IsRinging: true, TriggeredAt: at}))
	require.NoError(t, store.SaveAlarmState(ctx, &reminder.AlarmState{ReminderID: 3, SessionID: "s1", IsRinging: false, SnoozeCount: 1, TriggeredAt: at}))

	got, err := store.LoadAlarmState(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.ReminderID)
	assert.False(t, got.IsRinging)
	assert.Equal(t, 1, got.SnoozeCount)
	assert.True(t, at.Equal(got.TriggeredAt))

	require.NoError(t, store.ClearAlarmState(ctx))
	none, err = store.LoadAlarmState(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCloseDB(t *testing.T) {
	store, cleanup := setupTestDB(t)
	cleanup()

	_, err := store.ListReminders(context.Background())
	assert.True(t, errors.Is(err, storage.ErrNotInitialized))
}
