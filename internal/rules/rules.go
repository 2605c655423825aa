// Package rules decides whether a reminder's rule holds for a snapshot of
// the device context. Nothing here touches storage or the clock.
package rules

import (
	"fmt"
	"time"

	"cuewatch/internal/geo"
	"cuewatch/internal/reminder"
)

// Context is one evaluation snapshot. Location and Battery are nil when
// no reading is available.
type Context struct {
	Now      time.Time
	Location *reminder.Location
	Battery  *reminder.Battery
	// Zone is used for quiet hours; Now's own location when nil.
	Zone *time.Location
}

// Result carries one reason per evaluated condition, in rule order.
type Result struct {
	Satisfied bool     `json:"satisfied"`
	Reasons   []string `json:"reasons"`
}

// Evaluate checks every present condition of rule. A rule with no
// conditions is satisfied.
func Evaluate(rule reminder.Rule, c Context) Result {
	res := Result{Satisfied: true}
	if len(rule.Conditions) == 0 {
		res.Reasons = append(res.Reasons, "no conditions")
		return res
	}
	for _, cond := range rule.Conditions {
		ok, reason := evaluateCondition(cond, c)
		res.Reasons = append(res.Reasons, reason)
		if !ok {
			res.Satisfied = false
		}
	}
	return res
}

func evaluateCondition(cond reminder.Condition, c Context) (bool, string) {
	switch v := cond.(type) {
	case reminder.TimeCondition:
		return evaluateTime(v, c.Now)
	case reminder.LocationCondition:
		return evaluateLocation(v, c.Location)
	case reminder.BatteryCondition:
		return evaluateBattery(v, c.Battery)
	}
	return false, fmt.Sprintf("unsupported condition %T", cond)
}

func evaluateTime(t reminder.TimeCondition, now time.Time) (bool, string) {
	if t.Start != nil && now.Before(*t.Start) {
		return false, fmt.Sprintf("time: before start %s", t.Start.Format(time.RFC3339))
	}
	if t.End != nil && now.After(*t.End) {
		return false, fmt.Sprintf("time: after end %s", t.End.Format(time.RFC3339))
	}
	return true, "time: within window"
}

func evaluateLocation(l reminder.LocationCondition, loc *reminder.Location) (bool, string) {
	if loc == nil {
		return false, "location: no reading"
	}
	d := geo.Distance(loc.Lat, loc.Lon, l.Lat, l.Lon)
	if d > l.Radius {
		return false, fmt.Sprintf("location: %.0fm away, radius %.0fm", d, l.Radius)
	}
	return true, fmt.Sprintf("location: %.0fm away, within %.0fm", d, l.Radius)
}

func evaluateBattery(b reminder.BatteryCondition, bat *reminder.Battery) (bool, string) {
	if bat == nil {
		return false, "battery: no reading"
	}
	if b.Min != nil && bat.Level < *b.Min {
		return false, fmt.Sprintf("battery: %d%% below min %d%%", bat.Level, *b.Min)
	}
	if b.Max != nil && bat.Level > *b.Max {
		return false, fmt.Sprintf("battery: %d%% above max %d%%", bat.Level, *b.Max)
	}
	return true, fmt.Sprintf("battery: %d%% within bounds", bat.Level)
}

// InQuietHours reports whether now falls inside [start, end) on the wall
// clock of zone. A window whose end precedes its start wraps midnight; an
// empty window (start == end) is never quiet. Malformed bounds are
// treated as no quiet hours.
func InQuietHours(q *reminder.QuietHours, now time.Time, zone *time.Location) bool {
	if q == nil {
		return false
	}
	start, end, err := q.Minutes()
	if err != nil {
		return false
	}
	if zone != nil {
		now = now.In(zone)
	}
	current := now.Hour()*60 + now.Minute()
	if start > end {
		return current >= start || current < end
	}
	return current >= start && current < end
}

// Expired reports whether now is strictly after the rule's expiry.
func Expired(o reminder.Options, now time.Time) bool {
	return o.Expiry != nil && now.After(*o.Expiry)
}
