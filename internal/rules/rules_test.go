package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuewatch/internal/geo"
	"cuewatch/internal/reminder"
)

func intp(v int) *int { return &v }

func timeRule(start, end *time.Time) reminder.Rule {
	return reminder.Rule{Conditions: []reminder.Condition{reminder.TimeCondition{Start: start, End: end}}}
}

func TestEmptyRuleAlwaysSatisfied(t *testing.T) {
	for _, now := range []time.Time{time.Time{}, time.Now(), time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)} {
		res := Evaluate(reminder.Rule{}, Context{Now: now})
		assert.True(t, res.Satisfied)
	}
}

func TestTimeBoundsInclusive(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	r := timeRule(&start, &end)

	assert.True(t, Evaluate(r, Context{Now: start}).Satisfied)
	assert.True(t, Evaluate(r, Context{Now: end}).Satisfied)
	assert.False(t, Evaluate(r, Context{Now: start.Add(-time.Millisecond)}).Satisfied)
	assert.False(t, Evaluate(r, Context{Now: end.Add(time.Millisecond)}).Satisfied)
}

func TestTimeOpenBounds(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	assert.True(t, Evaluate(timeRule(&at, nil), Context{Now: at.AddDate(10, 0, 0)}).Satisfied)
	assert.False(t, Evaluate(timeRule(&at, nil), Context{Now: at.Add(-time.Second)}).Satisfied)
	assert.True(t, Evaluate(timeRule(nil, &at), Context{Now: at.AddDate(-10, 0, 0)}).Satisfied)
	assert.False(t, Evaluate(timeRule(nil, &at), Context{Now: at.Add(time.Second)}).Satisfied)
}

func TestLocationCondition(t *testing.T) {
	lat, lon := 52.52, 13.405
	r := reminder.Rule{Conditions: []reminder.Condition{reminder.LocationCondition{Lat: lat, Lon: lon, Radius: 100}}}

	res := Evaluate(r, Context{Now: time.Now()})
	assert.False(t, res.Satisfied, "missing reading never satisfies")
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "no reading")

	farLat, farLon := geo.Offset(lat, lon, 500, 0)
	assert.False(t, Evaluate(r, Context{Location: &reminder.Location{Lat: farLat, Lon: farLon}}).Satisfied)

	nearLat, nearLon := geo.Offset(lat, lon, 50, 0)
	assert.True(t, Evaluate(r, Context{Location: &reminder.Location{Lat: nearLat, Lon: nearLon}}).Satisfied)
}

func TestBatteryCondition(t *testing.T) {
	r := reminder.Rule{Conditions: []reminder.Condition{reminder.BatteryCondition{Min: intp(20), Max: intp(80)}}}

	assert.False(t, Evaluate(r, Context{}).Satisfied)
	assert.True(t, Evaluate(r, Context{Battery: &reminder.Battery{Level: 20}}).Satisfied)
	assert.True(t, Evaluate(r, Context{Battery: &reminder.Battery{Level: 80}}).Satisfied)
	assert.False(t, Evaluate(r, Context{Battery: &reminder.Battery{Level: 19}}).Satisfied)
	assert.False(t, Evaluate(r, Context{Battery: &reminder.Battery{Level: 81}}).Satisfied)
}

func TestConjunction(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := reminder.Rule{Conditions: []reminder.Condition{
		reminder.TimeCondition{Start: &start},
		reminder.BatteryCondition{Max: intp(30)},
	}}

	res := Evaluate(r, Context{Now: start, Battery: &reminder.Battery{Level: 50}})
	assert.False(t, res.Satisfied)
	assert.Len(t, res.Reasons, 2)

	res = Evaluate(r, Context{Now: start, Battery: &reminder.Battery{Level: 25}})
	assert.True(t, res.Satisfied)
}

func TestQuietHours(t *testing.T) {
	overnight := &reminder.QuietHours{Start: "22:00", End: "06:00"}
	day := func(h, m int) time.Time { return time.Date(2026, 5, 1, h, m, 0, 0, time.UTC) }

	assert.True(t, InQuietHours(overnight, day(23, 0), time.UTC))
	assert.True(t, InQuietHours(overnight, day(22, 0), time.UTC))
	assert.True(t, InQuietHours(overnight, day(5, 59), time.UTC))
	assert.False(t, InQuietHours(overnight, day(6, 0), time.UTC))
	assert.False(t, InQuietHours(overnight, day(7, 0), time.UTC))

	lunch := &reminder.QuietHours{Start: "12:00", End: "13:00"}
	assert.True(t, InQuietHours(lunch, day(12, 30), time.UTC))
	assert.False(t, InQuietHours(lunch, day(13, 0), time.UTC))

	assert.False(t, InQuietHours(&reminder.QuietHours{Start: "08:00", End: "08:00"}, day(8, 0), time.UTC))
	assert.False(t, InQuietHours(nil, day(23, 0), time.UTC))
	assert.False(t, InQuietHours(&reminder.QuietHours{Start: "bogus", End: "06:00"}, day(23, 0), time.UTC))
}

func TestQuietHoursUsesZone(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*3600)
	q := &reminder.QuietHours{Start: "22:00", End: "06:00"}
	// 21:00 UTC is 23:00 in the zone.
	at := time.Date(2026, 5, 1, 21, 0, 0, 0, time.UTC)
	assert.False(t, InQuietHours(q, at, time.UTC))
	assert.True(t, InQuietHours(q, at, zone))
}

func TestExpired(t *testing.T) {
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	o := reminder.Options{Expiry: &exp}
	assert.False(t, Expired(o, exp))
	assert.True(t, Expired(o, exp.Add(time.Nanosecond)))
	assert.False(t, Expired(reminder.Options{}, exp))
}
