package orchestrator

import (
	"time"

	"github.com/medherence/medcycle/internal/domain/command"
)

// HorizonDays is how far ahead dose_scheduled events are generated.
const HorizonDays = 30

// Occurrences expands a schedule into the concrete dose times falling in
// [from, to). Times outside the schedule's own start/end bounds are excluded.
// The expansion is deterministic: the same schedule and window always produce
// the same ordered set.
func Occurrences(s command.Schedule, from, to time.Time) []time.Time {
	from = from.UTC()
	to = to.UTC()

	var out []time.Time

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		if day.Before(truncateToDay(s.StartDate)) {
			continue
		}
		if s.EndDate != nil && day.After(truncateToDay(*s.EndDate)) {
			break
		}
		if s.Frequency == command.FrequencyWeekly && day.Weekday() != s.StartDate.UTC().Weekday() {
			continue
		}

		for _, clock := range s.Times {
			t, err := time.Parse("15:04", clock)
			if err != nil {
				continue
			}
			at := day.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
			if at.Before(from) || !at.Before(to) {
				continue
			}
			out = append(out, at)
		}
	}
	return out
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
