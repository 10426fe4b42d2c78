package tasks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var errNoOccurrence = errors.New("recurrence rule has no further occurrences")

// weekdays is indexed by time.Weekday.
var weekdays = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// NextOccurrence evaluates an RFC 5545 RRULE with now as its start and
// returns the first occurrence at or after now, to the second.
func NextOccurrence(rule string, now time.Time) (time.Time, error) {
	rule = strings.TrimSpace(rule)
	rule = strings.TrimPrefix(rule, "RRULE:")

	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing recurrence rule: %w", err)
	}

	start := now.UTC().Truncate(time.Second)
	opt.Dtstart = start

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, fmt.Errorf("building recurrence rule: %w", err)
	}

	next := r.After(start, true)
	if next.IsZero() {
		return time.Time{}, errNoOccurrence
	}
	return next.UTC(), nil
}

// WeeklyRule returns the rule repeating every week on at's UTC weekday and hour.
func WeeklyRule(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("RRULE:FREQ=WEEKLY;BYDAY=%s;BYHOUR=%d;BYMINUTE=0;BYSECOND=0",
		weekdays[at.Weekday()], at.Hour())
}
