package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuewatch/internal/reminder"
)

func TestLocationMissingAndStale(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(WithMaxAge(time.Minute), WithClock(func() time.Time { return now }))

	_, err := l.Location(context.Background())
	assert.True(t, errors.Is(err, ErrNoReading))

	l.SetLocation(reminder.Location{Lat: 1, Lon: 2, At: now.Add(-30 * time.Second)})
	loc, err := l.Location(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, loc.Lat)

	l.SetLocation(reminder.Location{Lat: 1, Lon: 2, At: now.Add(-2 * time.Minute)})
	_, err = l.Location(context.Background())
	assert.True(t, errors.Is(err, ErrNoReading))
}

func TestBatteryProbeFallback(t *testing.T) {
	calls := 0
	l := New(WithBatteryProbe(func(ctx context.Context) (*reminder.Battery, error) {
		calls++
		return &reminder.Battery{Level: 42}, nil
	}))

	b, err := l.Battery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, b.Level)

	b, err = l.Battery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, b.Level)
	assert.Equal(t, 1, calls, "fresh cache avoids a second probe")
}

func TestBatteryProbeTimeout(t *testing.T) {
	l := New(WithTimeout(20*time.Millisecond), WithBatteryProbe(func(ctx context.Context) (*reminder.Battery, error) {
		select {
		case <-time.After(time.Second):
			return &reminder.Battery{Level: 1}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	start := time.Now()
	_, err := l.Battery(context.Background())
	assert.True(t, errors.Is(err, ErrNoReading))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBatteryProbeError(t *testing.T) {
	l := New(WithBatteryProbe(func(ctx context.Context) (*reminder.Battery, error) {
		return nil, errors.New("no battery")
	}))
	_, err := l.Battery(context.Background())
	assert.True(t, errors.Is(err, ErrNoReading))
}
