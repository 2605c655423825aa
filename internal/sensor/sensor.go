// Package sensor keeps the last known location and battery readings and
// serves them to the engine with bounded waits.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cuewatch/internal/reminder"
)

// ErrNoReading covers a missing, stale or timed out reading.
var ErrNoReading = errors.New("no reading available")

// BatteryProbe reads the battery on demand, e.g. from sysfs.
type BatteryProbe func(ctx context.Context) (*reminder.Battery, error)

type Latest struct {
	mu       sync.RWMutex
	location *reminder.Location
	battery  *reminder.Battery

	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
	probe   BatteryProbe
}

type Option func(*Latest)

// WithMaxAge makes readings older than d count as unavailable. Zero keeps
// readings forever.
func WithMaxAge(d time.Duration) Option { return func(l *Latest) { l.maxAge = d } }

// WithTimeout bounds every on-demand read.
func WithTimeout(d time.Duration) Option { return func(l *Latest) { l.timeout = d } }

func WithClock(now func() time.Time) Option { return func(l *Latest) { l.now = now } }

// WithBatteryProbe is consulted when no fresh battery reading is cached.
func WithBatteryProbe(p BatteryProbe) Option { return func(l *Latest) { l.probe = p } }

func New(opts ...Option) *Latest {
	l := &Latest{timeout: 3 * time.Second, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Latest) SetLocation(loc reminder.Location) {
	if loc.At.IsZero() {
		loc.At = l.now()
	}
	l.mu.Lock()
	l.location = &loc
	l.mu.Unlock()
}

func (l *Latest) SetBattery(b reminder.Battery) {
	if b.At.IsZero() {
		b.At = l.now()
	}
	l.mu.Lock()
	l.battery = &b
	l.mu.Unlock()
}

func (l *Latest) fresh(at time.Time) bool {
	return l.maxAge <= 0 || l.now().Sub(at) <= l.maxAge
}

// Location returns a copy of the cached fix.
func (l *Latest) Location(ctx context.Context) (*reminder.Location, error) {
	l.mu.RLock()
	loc := l.location
	l.mu.RUnlock()
	if loc == nil {
		return nil, ErrNoReading
	}
	if !l.fresh(loc.At) {
		return nil, fmt.Errorf("location from %s is stale: %w", loc.At.Format(time.RFC3339), ErrNoReading)
	}
	out := *loc
	return &out, nil
}

// Battery returns the cached reading, or probes with a bounded wait.
func (l *Latest) Battery(ctx context.Context) (*reminder.Battery, error) {
	l.mu.RLock()
	b := l.battery
	l.mu.RUnlock()
	if b != nil && l.fresh(b.At) {
		out := *b
		return &out, nil
	}
	if l.probe == nil {
		return nil, ErrNoReading
	}

	read, err := withTimeout(ctx, l.timeout, l.probe)
	if err != nil {
		return nil, err
	}
	l.SetBattery(*read)
	return read, nil
}

func withTimeout(ctx context.Context, d time.Duration, probe BatteryProbe) (*reminder.Battery, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		b   *reminder.Battery
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := probe(ctx)
		ch <- result{b, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%v: %w", res.err, ErrNoReading)
		}
		if res.b == nil {
			return nil, ErrNoReading
		}
		return res.b, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("battery read timed out: %w", ErrNoReading)
	}
}
