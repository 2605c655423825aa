package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuewatch/internal/reminder"
	"cuewatch/internal/storage"
)

// setupTestDB connects to the database named by CUEWATCH_TEST_POSTGRES and
// empties every table. Tests are skipped when it is unset.
func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	uri := os.Getenv("CUEWATCH_TEST_POSTGRES")
	if uri == "" {
		t.Skip("CUEWATCH_TEST_POSTGRES not set")
	}
	store := NewPostgresStore(uri).(*PostgresStore)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx), "Failed to initialize test database")
	_, err := store.pool.Exec(ctx, `TRUNCATE reminders, events, geofences, alarm_state RESTART IDENTITY`)
	require.NoError(t, err)

	return store, func() {
		assert.NoError(t, store.Close())
	}
}

func TestPostgresReminderAndEvents(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ceiling := 30
	r := &reminder.Reminder{
		Title:   "Charge phone",
		Rule:    reminder.Rule{Conditions: []reminder.Condition{reminder.BatteryCondition{Max: &ceiling}}},
		Enabled: true,
	}
	require.NoError(t, store.CreateReminder(ctx, r))

	got, err := store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Charge phone", got.Title)
	bc, ok := got.Rule.Battery()
	require.True(t, ok)
	assert.Equal(t, 30, *bc.Max)

	e1, err := store.AppendEventAfter(ctx, r.ID, 0, reminder.EventTriggered, &reminder.Payload{Source: reminder.SourceBattery})
	require.NoError(t, err)
	assert.Equal(t, "Charge phone", e1.Title)

	_, err = store.AppendEventAfter(ctx, r.ID, 0, reminder.EventTriggered, nil)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	last, err := store.LastEvent(ctx, r.ID, reminder.EventTriggered)
	require.NoError(t, err)
	assert.Equal(t, e1.ID, last.ID)
	assert.Equal(t, reminder.SourceBattery, last.Payload.Source)

	require.NoError(t, store.DeleteReminder(ctx, r.ID))
	_, err = store.GetReminder(ctx, r.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestPostgresGeofenceAndAlarm(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	region := reminder.LocationTrigger{Mode: reminder.ModeExit, Latitude: 10, Longitude: 20, Radius: 200, Enabled: true}
	require.NoError(t, store.UpsertGeofence(ctx, &reminder.GeofenceStatus{ReminderID: 1, Active: true, Region: region}))
	require.NoError(t, store.SetGeofenceStatus(ctx, 1, true, reminder.CrossingExit))
	g, err := store.GetGeofenceStatus(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, reminder.CrossingExit, g.LastEvent)
	assert.Equal(t, reminder.ModeExit, g.Region.Mode)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SaveAlarmState(ctx, &reminder.AlarmState{ReminderID: 1, SessionID: "x", IsRinging: true, TriggeredAt: at}))
	a, err := store.LoadAlarmState(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.IsRinging)
	assert.True(t, at.Equal(a.TriggeredAt))
	require.NoError(t, store.ClearAlarmState(ctx))
	a, err = store.LoadAlarmState(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestPostgresInitRequiresURI(t *testing.T) {
	err := NewPostgresStore("").Init(context.Background())
	assert.Error(t, err)
}
