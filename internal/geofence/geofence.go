// Package geofence turns location samples into enter and exit crossings,
// one per physical crossing, using a baseline kept in the store.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.uber.org/multierr"

	"cuewatch/internal/geo"
	"cuewatch/internal/reminder"
	"cuewatch/internal/storage"
)

// Locator returns a fresh position fix, or an error when none is available.
type Locator func(ctx context.Context) (*reminder.Location, error)

// Crossing is one detected boundary crossing. Matches is false when the
// region's mode ignores this direction.
type Crossing struct {
	ReminderID int64                    `json:"reminderId"`
	Type       reminder.Crossing        `json:"type"`
	Region     reminder.LocationTrigger `json:"region"`
	Location   reminder.Location        `json:"location"`
	Matches    bool                     `json:"matches"`
}

type Detector struct {
	store  storage.Geofences
	locate Locator

	// mu orders baseline read-modify-writes across concurrent samples.
	mu      sync.Mutex
	handler func(ctx context.Context, c Crossing)
}

func NewDetector(store storage.Geofences, locate Locator) *Detector {
	return &Detector{store: store, locate: locate}
}

// OnCrossing registers the handler for matching crossings. It is called
// after the new baseline has been stored.
func (d *Detector) OnCrossing(fn func(ctx context.Context, c Crossing)) {
	d.handler = fn
}

func sideOf(inside bool) reminder.Crossing {
	if inside {
		return reminder.CrossingEnter
	}
	return reminder.CrossingExit
}

func sameCircle(a, b reminder.LocationTrigger) bool {
	return a.Latitude == b.Latitude && a.Longitude == b.Longitude && a.Radius == b.Radius
}

// Register seeds the baseline from one fresh fix. Registration never
// produces a crossing. Without a fix the baseline is left empty and the
// next sample seeds it. Registering the same circle again keeps the stored
// side and takes no fix, so a crossing since the last sample is still
// reported by Process; only a moved or resized circle is re-seeded.
func (d *Detector) Register(ctx context.Context, reminderID int64, region reminder.LocationTrigger) error {
	if err := region.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.store.GetGeofenceStatus(ctx, reminderID)
	if err != nil {
		return fmt.Errorf("failed to read geofence %d: %w", reminderID, err)
	}
	status := &reminder.GeofenceStatus{ReminderID: reminderID, Active: true, Region: region}
	if existing != nil && existing.LastEvent != reminder.CrossingNone && sameCircle(existing.Region, region) {
		status.LastEvent = existing.LastEvent
		return d.store.UpsertGeofence(ctx, status)
	}

	var fix *reminder.Location
	if d.locate != nil {
		if fix, err = d.locate(ctx); err != nil {
			log.Printf("[WARN] No location fix for geofence %d, baseline deferred to next sample: %v", reminderID, err)
			fix = nil
		}
	}
	if fix != nil {
		inside := geo.Within(fix.Lat, fix.Lon, region.Latitude, region.Longitude, region.Radius)
		status.LastEvent = sideOf(inside)
	}
	if err := d.store.UpsertGeofence(ctx, status); err != nil {
		return err
	}
	log.Printf("[INFO] Registered geofence for reminder %d (%s, baseline %q)", reminderID, region.Mode, status.LastEvent)
	return nil
}

// Unregister removes the region and its baseline. Unknown ids are a no-op.
func (d *Detector) Unregister(ctx context.Context, reminderID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.RemoveGeofenceStatus(ctx, reminderID); err != nil {
		return err
	}
	log.Printf("[DEBUG] Unregistered geofence for reminder %d", reminderID)
	return nil
}

// Process compares a sample against every active baseline. Each crossing
// is stored before the handler sees it; a crossing whose baseline could
// not be stored is dropped and its error returned.
func (d *Detector) Process(ctx context.Context, loc reminder.Location) ([]Crossing, error) {
	crossings, err := d.detect(ctx, loc)
	if d.handler != nil {
		for _, c := range crossings {
			if c.Matches {
				d.handler(ctx, c)
			}
		}
	}
	return crossings, err
}

func (d *Detector) detect(ctx context.Context, loc reminder.Location) ([]Crossing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regions, err := d.store.ListActiveGeofences(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list geofences: %w", err)
	}

	var crossings []Crossing
	var errs error
	for _, g := range regions {
		inside := geo.Within(loc.Lat, loc.Lon, g.Region.Latitude, g.Region.Longitude, g.Region.Radius)

		if g.LastEvent == reminder.CrossingNone {
			if err := d.store.SetGeofenceStatus(ctx, g.ReminderID, true, sideOf(inside)); err != nil {
				errs = multierr.Append(errs, err)
			}
			continue
		}

		var typ reminder.Crossing
		switch {
		case inside && g.LastEvent != reminder.CrossingEnter:
			typ = reminder.CrossingEnter
		case !inside && g.LastEvent == reminder.CrossingEnter:
			typ = reminder.CrossingExit
		default:
			continue
		}

		if err := d.store.SetGeofenceStatus(ctx, g.ReminderID, true, typ); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		c := Crossing{
			ReminderID: g.ReminderID,
			Type:       typ,
			Region:     g.Region,
			Location:   loc,
			Matches:    g.Region.Enabled && g.Region.Matches(typ),
		}
		log.Printf("[INFO] Geofence %d: %s (mode %s, dispatch %t)", g.ReminderID, typ, g.Region.Mode, c.Matches)
		crossings = append(crossings, c)
	}
	return crossings, errs
}

// Reconcile makes the registered set equal to the enabled reminders with
// an enabled location trigger.
func (d *Detector) Reconcile(ctx context.Context, reminders []*reminder.Reminder) error {
	want := make(map[int64]*reminder.Reminder)
	for _, r := range reminders {
		if r.HasGeofence() {
			want[r.ID] = r
		}
	}
	registered, err := d.store.ListActiveGeofences(ctx)
	if err != nil {
		return fmt.Errorf("failed to list geofences: %w", err)
	}

	var errs error
	have := make(map[int64]reminder.LocationTrigger, len(registered))
	for _, g := range registered {
		if _, ok := want[g.ReminderID]; !ok {
			errs = multierr.Append(errs, d.Unregister(ctx, g.ReminderID))
			continue
		}
		have[g.ReminderID] = g.Region
	}
	for id, r := range want {
		if region, ok := have[id]; ok && region == *r.LocationTrigger {
			continue
		}
		errs = multierr.Append(errs, d.Register(ctx, id, *r.LocationTrigger))
	}
	return errs
}

// List returns every registered baseline.
func (d *Detector) List(ctx context.Context) ([]reminder.GeofenceStatus, error) {
	return d.store.ListActiveGeofences(ctx)
}
