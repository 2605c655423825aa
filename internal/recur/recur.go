// Package recur moves the time window of a repeating reminder to its next
// occurrence using RFC 5545 recurrence rules.
package recur

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"cuewatch/internal/reminder"
)

// ErrExhausted means the rule has no occurrence left before its expiry.
var ErrExhausted = errors.New("no further occurrence")

func Frequency(r reminder.Repeat) (rrule.Frequency, bool) {
	switch r {
	case reminder.RepeatDaily:
		return rrule.DAILY, true
	case reminder.RepeatWeekly:
		return rrule.WEEKLY, true
	case reminder.RepeatMonthly:
		return rrule.MONTHLY, true
	}
	return 0, false
}

// Next returns the first occurrence strictly after after. Monthly rules
// anchored on a day some months lack skip those months.
func Next(repeat reminder.Repeat, dtstart, after time.Time) (time.Time, error) {
	freq, ok := Frequency(repeat)
	if !ok {
		return time.Time{}, fmt.Errorf("repeat %q does not recur", repeat)
	}
	rule, err := rrule.NewRRule(rrule.ROption{Freq: freq, Dtstart: dtstart})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to build recurrence: %w", err)
	}
	next := rule.After(after, false)
	if next.IsZero() {
		return time.Time{}, ErrExhausted
	}
	return next, nil
}

// Advance returns rule with its time window shifted to the next occurrence
// after now. End keeps its distance from start. advanced is false when the
// rule does not repeat or has no start to anchor on. ErrExhausted is
// returned when the next start lies after the rule's expiry.
func Advance(rule reminder.Rule, now time.Time) (out reminder.Rule, advanced bool, err error) {
	tc, ok := rule.Time()
	if !ok || tc.Start == nil {
		return rule, false, nil
	}
	if _, ok := Frequency(rule.Options.Repeat); !ok {
		return rule, false, nil
	}

	next, err := Next(rule.Options.Repeat, *tc.Start, now)
	if err != nil {
		return rule, false, err
	}
	if exp := rule.Options.Expiry; exp != nil && next.After(*exp) {
		return rule, false, ErrExhausted
	}

	shifted := reminder.TimeCondition{Start: &next}
	if tc.End != nil {
		end := next.Add(tc.End.Sub(*tc.Start))
		shifted.End = &end
	}
	return rule.WithTime(shifted), true, nil
}
