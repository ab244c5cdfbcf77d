package routine

import (
	"fmt"
	"time"
)

// Occurrence is one computed recurrence slot.
type Occurrence struct {
	ReadyDate time.Time
	DueDate   time.Time
}

// dateOnly truncates to midnight UTC. All generation-window and aging
// comparisons work on whole days so the daily run hour never shifts results.
func dateOnly(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// advance steps a date forward by one cadence interval.
func advance(from time.Time, frequency Frequency) (time.Time, error) {
	switch frequency {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1), nil
	case FrequencyTwiceAWeek:
		return from.AddDate(0, 0, 3), nil
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case FrequencyEveryOtherWeek:
		return from.AddDate(0, 0, 14), nil
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0), nil
	case FrequencyEveryOtherMonth:
		return from.AddDate(0, 2, 0), nil
	case FrequencyQuarterly:
		return from.AddDate(0, 3, 0), nil
	case FrequencyTwiceAYear:
		return from.AddDate(0, 6, 0), nil
	case FrequencyYearly:
		return from.AddDate(1, 0, 0), nil
	case FrequencyEveryOtherYear:
		return from.AddDate(2, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("routine: unknown frequency %q", frequency)
	}
}

// NextOccurrence computes the routine's next recurrence slot relative to now.
//
// A routine that has never completed an instance is due immediately: its
// ready date is today. Otherwise the ready date is the last completion
// advanced by one cadence interval, shifted forward to the routine's ideal
// weekday for weekly-or-longer cadences. The due date is the ready date at
// the routine's time of day, or end of day when none is set.
func NextOccurrence(r Routine, now time.Time) (Occurrence, error) {
	today := dateOnly(now)

	var ready time.Time
	if r.LastCompletedDate == nil {
		ready = today
	} else {
		advanced, err := advance(dateOnly(*r.LastCompletedDate), r.Frequency)
		if err != nil {
			return Occurrence{}, err
		}
		ready = advanced
	}

	if r.IdealDay != nil && usesIdealDay(r.Frequency) {
		ready = shiftToWeekday(ready, time.Weekday(*r.IdealDay))
	}

	return Occurrence{
		ReadyDate: ready,
		DueDate:   dueTime(ready, r.TimeOfDay),
	}, nil
}

// Arrived reports whether the occurrence's generation window has opened.
func (o Occurrence) Arrived(now time.Time) bool {
	return !o.ReadyDate.After(dateOnly(now))
}

// usesIdealDay reports whether the cadence is coarse enough for a preferred
// weekday to be meaningful.
func usesIdealDay(frequency Frequency) bool {
	switch frequency {
	case FrequencyDaily, FrequencyTwiceAWeek:
		return false
	}
	return true
}

// shiftToWeekday moves the date forward (0-6 days) to the target weekday.
func shiftToWeekday(date time.Time, target time.Weekday) time.Time {
	delta := (int(target) - int(date.Weekday()) + 7) % 7
	return date.AddDate(0, 0, delta)
}

// dueTime places the due instant within the ready date. TimeOfDay is "HH:MM";
// malformed or absent values fall back to end of day.
func dueTime(readyDate time.Time, timeOfDay *string) time.Time {
	if timeOfDay != nil {
		parsed, err := time.Parse("15:04", *timeOfDay)
		if err == nil {
			return time.Date(readyDate.Year(), readyDate.Month(), readyDate.Day(),
				parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
		}
	}
	return time.Date(readyDate.Year(), readyDate.Month(), readyDate.Day(), 23, 59, 0, 0, time.UTC)
}
