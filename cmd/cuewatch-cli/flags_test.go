package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuewatch/internal/reminder"
)

func parsed(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addReminderFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestApplyFlagsBuildsRule(t *testing.T) {
	r := reminder.Reminder{Enabled: true}
	cmd := parsed(t, "--title", "buy milk", "--near", "48.1,11.5", "--battery-min", "30",
		"--quiet", "22:00-07:00", "--repeat", "daily", "--alarm")
	require.NoError(t, applyReminderFlags(cmd, &r))

	assert.Equal(t, "buy milk", r.Title)
	require.Len(t, r.Rule.Conditions, 2)
	loc, ok := r.Rule.Location()
	require.True(t, ok)
	assert.Equal(t, 100.0, loc.Radius)
	bat, ok := r.Rule.Battery()
	require.True(t, ok)
	assert.Equal(t, 30, *bat.Min)
	assert.Nil(t, bat.Max)
	assert.Equal(t, reminder.RepeatDaily, r.Rule.Options.Repeat)
	assert.Equal(t, &reminder.QuietHours{Start: "22:00", End: "07:00"}, r.Rule.Options.QuietHours)
	assert.True(t, r.AlarmEnabled())
	assert.NoError(t, r.Validate())
}

func TestApplyFlagsKeepsUntouchedFields(t *testing.T) {
	ceiling := 15
	r := reminder.Reminder{
		ID: 4, Title: "charge", Enabled: true,
		Rule: reminder.Rule{Conditions: []reminder.Condition{reminder.BatteryCondition{Max: &ceiling}}},
	}
	cmd := parsed(t, "--fence", "52.52,13.40", "--fence-mode", "both")
	require.NoError(t, applyReminderFlags(cmd, &r))

	assert.Equal(t, "charge", r.Title)
	bat, ok := r.Rule.Battery()
	require.True(t, ok)
	assert.Equal(t, 15, *bat.Max)
	require.NotNil(t, r.LocationTrigger)
	assert.Equal(t, reminder.ModeBoth, r.LocationTrigger.Mode)
	assert.Equal(t, 150.0, r.LocationTrigger.Radius)
	assert.True(t, r.HasGeofence())

	cmd = parsed(t, "--no-fence", "--clear-battery")
	require.NoError(t, applyReminderFlags(cmd, &r))
	assert.Nil(t, r.LocationTrigger)
	assert.Empty(t, r.Rule.Conditions)
}

func TestApplyFlagsRejectsBadInput(t *testing.T) {
	r := reminder.Reminder{}
	assert.Error(t, applyReminderFlags(parsed(t, "--start", "tomorrow"), &r))
	assert.Error(t, applyReminderFlags(parsed(t, "--near", "48.1"), &r))
	assert.Error(t, applyReminderFlags(parsed(t, "--radius", "50"), &r))
	assert.Error(t, applyReminderFlags(parsed(t, "--fence-mode", "exit"), &r))
}

func TestParseWhen(t *testing.T) {
	got, err := parseWhen("2026-06-01T09:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 9, got.UTC().Hour())

	got, err = parseWhen("2026-06-01 18:30")
	require.NoError(t, err)
	assert.Equal(t, 18, got.Hour())
	assert.Equal(t, 30, got.Minute())
}
