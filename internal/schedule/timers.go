// Package schedule runs one-shot callbacks at wall-clock instants. The
// alarm manager uses it to re-trigger snoozed alarms.
package schedule

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type entry struct {
	at time.Time
	fn func()
}

// Entry describes one pending callback.
type Entry struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

// Timers holds keyed callbacks. Scheduling an existing key replaces it.
// Callbacks run on their own goroutine so a slow one does not delay the
// others.
type Timers struct {
	mu      sync.Mutex
	entries map[string]entry
	wake    chan struct{}
	now     func() time.Time
	started bool

	running conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTimers() *Timers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Timers{
		entries: make(map[string]entry),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (t *Timers) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	log.Println("[DEBUG] Starting snooze timers")
	go t.runLoop()
}

// Stop ends the loop and waits for running callbacks. It is safe to call
// on timers that were never started.
func (t *Timers) Stop() {
	t.cancel()
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.done
	}
	t.running.Wait()
}

func (t *Timers) Schedule(key string, at time.Time, fn func()) {
	t.mu.Lock()
	t.entries[key] = entry{at: at, fn: fn}
	t.mu.Unlock()
	t.poke()
	log.Printf("[DEBUG] Timer %s set for %s", key, at.Format(time.RFC3339))
}

func (t *Timers) Cancel(key string) {
	t.mu.Lock()
	_, ok := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()
	if ok {
		t.poke()
		log.Printf("[DEBUG] Timer %s cancelled", key)
	}
}

// Pending lists scheduled callbacks, soonest first.
func (t *Timers) Pending() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, Entry{Key: k, At: e.at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (t *Timers) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// due removes and returns every callback at or before now, and the wait
// until the next one.
func (t *Timers) due() ([]func(), time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var fns []func()
	var next time.Time
	for k, e := range t.entries {
		if !e.at.After(now) {
			fns = append(fns, e.fn)
			delete(t.entries, k)
			continue
		}
		if next.IsZero() || e.at.Before(next) {
			next = e.at
		}
	}
	if next.IsZero() {
		return fns, 0, false
	}
	return fns, next.Sub(now), true
}

func (t *Timers) runLoop() {
	defer close(t.done)
	defer log.Println("[DEBUG] Snooze timer loop stopped.")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		fns, wait, ok := t.due()
		for _, fn := range fns {
			fn := fn
			t.running.Go(func() {
				if r := panics.Try(fn); r != nil {
					log.Printf("[ERROR] Timer callback panicked: %v", r.Value)
				}
			})
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var timerChan <-chan time.Time
		if ok {
			timer.Reset(wait)
			timerChan = timer.C
		}

		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		case <-timerChan:
		}
	}
}
