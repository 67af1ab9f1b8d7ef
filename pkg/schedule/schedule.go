// Package schedule computes due times for recurring searches and digests.
// Everything here is a pure function of the schedule and a reference instant.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // IANA zones must resolve in minimal containers

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

// offsetZonePattern matches fixed-offset zones such as "UTC-5", "UTC+05:30" or "GMT+2".
var offsetZonePattern = regexp.MustCompile(`^(?:UTC|GMT)([+-])(\d{1,2})(?::?(\d{2}))?$`)

// LoadZone resolves an IANA name or a fixed UTC offset.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") || strings.EqualFold(name, "GMT") {
		return time.UTC, nil
	}

	if m := offsetZonePattern.FindStringSubmatch(strings.ToUpper(name)); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes := 0
		if m[3] != "" {
			minutes, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || minutes > 59 {
			return nil, fmt.Errorf("offset out of range: %s", name)
		}
		offset := hours*3600 + minutes*60
		if m[1] == "-" {
			offset = -offset
		}
		return time.FixedZone(name, offset), nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// parseTimeOfDay parses "HH:MM".
func parseTimeOfDay(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("time_of_day must be HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate reports configuration errors in a schedule.
func Validate(s models.Schedule) error {
	if _, err := LoadZone(s.Timezone); err != nil {
		return err
	}
	if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
		return err
	}

	switch s.Frequency {
	case models.FrequencyHourly, models.FrequencyDaily:
	case models.FrequencyWeekly:
		if s.DayOfWeek == nil {
			return fmt.Errorf("weekly schedule requires day_of_week")
		}
		if *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return fmt.Errorf("day_of_week must be 0-6, got %d", *s.DayOfWeek)
		}
	case models.FrequencyMonthly, models.FrequencyQuarterly, models.FrequencyYearly:
		if s.DayOfMonth != nil && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31) {
			return fmt.Errorf("day_of_month must be 1-31, got %d", *s.DayOfMonth)
		}
		if s.Month != nil && (*s.Month < 1 || *s.Month > 12) {
			return fmt.Errorf("month must be 1-12, got %d", *s.Month)
		}
	default:
		return fmt.Errorf("unsupported frequency %q", s.Frequency)
	}
	return nil
}

// NextDue returns the first instant strictly after `after` that falls on the
// schedule's cadence, evaluated as wall-clock time in the schedule's zone.
// Days past the end of a month clamp to its last day.
func NextDue(s models.Schedule, after time.Time) (time.Time, error) {
	if err := Validate(s); err != nil {
		return time.Time{}, err
	}

	loc, _ := LoadZone(s.Timezone)
	hour, minute, _ := parseTimeOfDay(s.TimeOfDay)
	local := after.In(loc)

	switch s.Frequency {
	case models.FrequencyHourly:
		candidate := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), minute, 0, 0, loc)
		for !candidate.After(after) {
			candidate = candidate.Add(time.Hour)
		}
		return candidate, nil

	case models.FrequencyDaily:
		for offset := 0; offset <= 2; offset++ {
			candidate := time.Date(local.Year(), local.Month(), local.Day()+offset, hour, minute, 0, 0, loc)
			if candidate.After(after) {
				return candidate, nil
			}
		}

	case models.FrequencyWeekly:
		daysAhead := (*s.DayOfWeek - int(local.Weekday()) + 7) % 7
		for _, extra := range []int{0, 7, 14} {
			candidate := time.Date(local.Year(), local.Month(), local.Day()+daysAhead+extra, hour, minute, 0, 0, loc)
			if candidate.After(after) {
				return candidate, nil
			}
		}

	case models.FrequencyMonthly:
		return nextMonthly(s, local, after, hour, minute, 1)

	case models.FrequencyQuarterly:
		return nextMonthly(s, local, after, hour, minute, 3)

	case models.FrequencyYearly:
		return nextMonthly(s, local, after, hour, minute, 12)
	}

	return time.Time{}, fmt.Errorf("no due time found for %s schedule after %s", s.Frequency, after.Format(time.RFC3339))
}

// nextMonthly walks forward month by month and returns the first candidate on a
// month aligned with the step (1 monthly, 3 quarterly, 12 yearly).
func nextMonthly(s models.Schedule, local, after time.Time, hour, minute, step int) (time.Time, error) {
	day := 1
	if s.DayOfMonth != nil {
		day = *s.DayOfMonth
	}
	anchor := 1
	if s.Month != nil {
		anchor = *s.Month
	}

	loc := local.Location()
	year, month := local.Year(), int(local.Month())

	for i := 0; i <= 2*12; i++ {
		m := month + i
		y := year + (m-1)/12
		m = (m-1)%12 + 1

		if step > 1 && (m-anchor+12)%step != 0 {
			continue
		}

		d := day
		if last := daysIn(y, time.Month(m), loc); d > last {
			d = last
		}

		candidate := time.Date(y, time.Month(m), d, hour, minute, 0, 0, loc)
		if candidate.After(after) {
			return candidate, nil
		}
	}

	return time.Time{}, fmt.Errorf("no due time found for %s schedule after %s", s.Frequency, after.Format(time.RFC3339))
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, loc).Day()
}

// Following returns the next due time for a search that was due at lastDue,
// computed from whichever of lastDue and now is later so a backlog is not
// replayed after downtime.
func Following(s models.Schedule, lastDue, now time.Time) (time.Time, error) {
	from := lastDue
	if now.After(from) {
		from = now
	}
	return NextDue(s, from)
}
