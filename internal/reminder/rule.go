package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

type ConditionKind string

const (
	KindTime     ConditionKind = "time"
	KindLocation ConditionKind = "location"
	KindBattery  ConditionKind = "battery"
)

// Condition is one conjunct of a Rule. The concrete types are
// TimeCondition, LocationCondition and BatteryCondition.
type Condition interface {
	Kind() ConditionKind
	Validate() error
}

// TimeCondition holds when now lies within [Start, End]. A nil bound is open.
type TimeCondition struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func (TimeCondition) Kind() ConditionKind { return KindTime }

func (c TimeCondition) Validate() error {
	if c.Start != nil && c.End != nil && c.End.Before(*c.Start) {
		return fmt.Errorf("%w: time end %s is before start %s", ErrInvalidRule,
			c.End.Format(time.RFC3339), c.Start.Format(time.RFC3339))
	}
	return nil
}

// LocationCondition is the polled single-circle condition. It has no
// baseline and holds on every tick while the device is inside the circle.
type LocationCondition struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Radius float64 `json:"radius"` // meters
}

func (LocationCondition) Kind() ConditionKind { return KindLocation }

func (c LocationCondition) Validate() error {
	if err := validateCoordinates(c.Lat, c.Lon); err != nil {
		return err
	}
	if c.Radius <= 0 {
		return fmt.Errorf("%w: location radius must be positive, got %g", ErrInvalidRule, c.Radius)
	}
	return nil
}

// BatteryCondition bounds the battery percentage, inclusive on both sides.
type BatteryCondition struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

func (BatteryCondition) Kind() ConditionKind { return KindBattery }

func (c BatteryCondition) Validate() error {
	for _, b := range []*int{c.Min, c.Max} {
		if b != nil && (*b < 0 || *b > 100) {
			return fmt.Errorf("%w: battery bound %d outside 0..100", ErrInvalidRule, *b)
		}
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("%w: battery min %d exceeds max %d", ErrInvalidRule, *c.Min, *c.Max)
	}
	return nil
}

type Repeat string

const (
	RepeatNone    Repeat = "none"
	RepeatDaily   Repeat = "daily"
	RepeatWeekly  Repeat = "weekly"
	RepeatMonthly Repeat = "monthly"
)

// QuietHours is a wall-clock window in HH:MM. End before Start wraps midnight.
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

const clockLayout = "15:04"

// Minutes returns both bounds as minutes after midnight.
func (q QuietHours) Minutes() (start, end int, err error) {
	s, err := time.Parse(clockLayout, q.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: quiet hours start %q: %v", ErrInvalidRule, q.Start, err)
	}
	e, err := time.Parse(clockLayout, q.End)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: quiet hours end %q: %v", ErrInvalidRule, q.End, err)
	}
	return s.Hour()*60 + s.Minute(), e.Hour()*60 + e.Minute(), nil
}

type Options struct {
	Repeat       Repeat      `json:"repeat,omitempty"`
	QuietHours   *QuietHours `json:"quietHours,omitempty"`
	Expiry       *time.Time  `json:"expiry,omitempty"`
	CooldownMins int         `json:"cooldownMins,omitempty"`
}

// Cooldown returns the configured minimum spacing between fires.
func (o Options) Cooldown() time.Duration {
	return time.Duration(o.CooldownMins) * time.Minute
}

func (o Options) Validate() error {
	switch o.Repeat {
	case "", RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly:
	default:
		return fmt.Errorf("%w: unknown repeat %q", ErrInvalidRule, o.Repeat)
	}
	if o.QuietHours != nil {
		if _, _, err := o.QuietHours.Minutes(); err != nil {
			return err
		}
	}
	if o.CooldownMins < 0 {
		return fmt.Errorf("%w: negative cooldown %d", ErrInvalidRule, o.CooldownMins)
	}
	return nil
}

// Rule is the conjunction of its Conditions. A rule without conditions
// is always satisfied.
type Rule struct {
	Conditions []Condition
	Options    Options
}

// Validate rejects unknown shapes, out-of-range values and duplicate kinds.
func (r Rule) Validate() error {
	seen := make(map[ConditionKind]bool, len(r.Conditions))
	for _, c := range r.Conditions {
		if c == nil {
			return fmt.Errorf("%w: nil condition", ErrInvalidRule)
		}
		if seen[c.Kind()] {
			return fmt.Errorf("%w: more than one %s condition", ErrInvalidRule, c.Kind())
		}
		seen[c.Kind()] = true
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return r.Options.Validate()
}

func (r Rule) Has(kind ConditionKind) bool {
	for _, c := range r.Conditions {
		if c.Kind() == kind {
			return true
		}
	}
	return false
}

func (r Rule) Time() (TimeCondition, bool) {
	for _, c := range r.Conditions {
		if t, ok := c.(TimeCondition); ok {
			return t, true
		}
	}
	return TimeCondition{}, false
}

func (r Rule) Location() (LocationCondition, bool) {
	for _, c := range r.Conditions {
		if l, ok := c.(LocationCondition); ok {
			return l, true
		}
	}
	return LocationCondition{}, false
}

func (r Rule) Battery() (BatteryCondition, bool) {
	for _, c := range r.Conditions {
		if b, ok := c.(BatteryCondition); ok {
			return b, true
		}
	}
	return BatteryCondition{}, false
}

// WithTime returns a copy of r with its time condition replaced.
func (r Rule) WithTime(t TimeCondition) Rule {
	out := Rule{Options: r.Options, Conditions: make([]Condition, 0, len(r.Conditions)+1)}
	replaced := false
	for _, c := range r.Conditions {
		if c.Kind() == KindTime {
			out.Conditions = append(out.Conditions, t)
			replaced = true
			continue
		}
		out.Conditions = append(out.Conditions, c)
	}
	if !replaced {
		out.Conditions = append(out.Conditions, t)
	}
	return out
}

// String lists the condition kinds, e.g. "time+battery".
func (r Rule) String() string {
	if len(r.Conditions) == 0 {
		return "always"
	}
	kinds := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		kinds[i] = string(c.Kind())
	}
	return strings.Join(kinds, "+")
}

// --- JSON envelope ---

type conditionJSON struct {
	Kind ConditionKind `json:"kind"`
	*TimeCondition
	*LocationCondition
	*BatteryCondition
}

type ruleJSON struct {
	Conditions []json.RawMessage `json:"conditions"`
	Options    Options           `json:"options"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{Options: r.Options, Conditions: make([]json.RawMessage, 0, len(r.Conditions))}
	for _, c := range r.Conditions {
		env := conditionJSON{Kind: c.Kind()}
		switch v := c.(type) {
		case TimeCondition:
			env.TimeCondition = &v
		case LocationCondition:
			env.LocationCondition = &v
		case BatteryCondition:
			env.BatteryCondition = &v
		default:
			return nil, fmt.Errorf("%w: unsupported condition type %T", ErrInvalidRule, c)
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		out.Conditions = append(out.Conditions, raw)
	}
	return json.Marshal(out)
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Options = in.Options
	r.Conditions = make([]Condition, 0, len(in.Conditions))
	for _, raw := range in.Conditions {
		var head struct {
			Kind ConditionKind `json:"kind"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return err
		}
		var c Condition
		switch head.Kind {
		case KindTime:
			var t TimeCondition
			if err := json.Unmarshal(raw, &t); err != nil {
				return err
			}
			c = t
		case KindLocation:
			var l LocationCondition
			if err := json.Unmarshal(raw, &l); err != nil {
				return err
			}
			c = l
		case KindBattery:
			var b BatteryCondition
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			c = b
		default:
			return fmt.Errorf("%w: unknown condition kind %q", ErrInvalidRule, head.Kind)
		}
		r.Conditions = append(r.Conditions, c)
	}
	return nil
}

func validateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %g outside -90..90", ErrInvalidRule, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %g outside -180..180", ErrInvalidRule, lon)
	}
	return nil
}
