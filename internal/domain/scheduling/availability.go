package scheduling

import (
	"iter"
	"slices"
	"time"
)

// Reasons attached to an empty availability listing.
const (
	ReasonPastDate      = "past date"
	ReasonBeyondHorizon = "beyond horizon"
	ReasonHoliday       = "holiday"
	ReasonClosed        = "closed"
)

// windowExclusion returns the reason date can never be offered, or "" when it
// is inside the booking window and open.
func windowExclusion(cfg *ScheduleConfig, day, now time.Time) string {
	loc := cfg.Location()
	day = startOfDay(day, loc)
	today := startOfDay(now, loc)
	switch {
	case day.Before(today):
		return ReasonPastDate
	case day.After(today.AddDate(0, 0, cfg.MaxHorizonDays)):
		return ReasonBeyondHorizon
	case cfg.IsHoliday(day):
		return ReasonHoliday
	case !cfg.DaySchedule(day.Weekday()).Enabled:
		return ReasonClosed
	}
	return ""
}

// earliestStart is the first instant a patient may book from now.
func earliestStart(cfg *ScheduleConfig, now time.Time) time.Time {
	return now.Add(time.Duration(cfg.MinLeadHours) * time.Hour)
}

// ResolveAvailability computes the bookable starts for date from the config,
// the appointments already booked that day and the current instant. The result
// is advisory; the commit path re-checks conflicts.
func ResolveAvailability(cfg *ScheduleConfig, date time.Time, booked []*Appointment, now time.Time) Availability {
	loc := cfg.Location()
	day := startOfDay(date, loc)
	avail := Availability{
		Date:     day.Format(dateLayout),
		Slots:    []string{},
		Interval: cfg.SlotIntervalMinutes,
	}
	if reason := windowExclusion(cfg, day, now); reason != "" {
		avail.Reason = reason
		return avail
	}

	slots := excludeBookedStarts(GenerateSlots(cfg, day), booked, loc)
	if day.Equal(startOfDay(now, loc)) {
		slots = notBefore(slots, day, earliestStart(cfg, now))
	}
	avail.Slots = slices.Collect(slots)
	if avail.Slots == nil {
		avail.Slots = []string{}
	}
	return avail
}

// excludeBookedStarts drops slot starts whose "HH:MM" equals the start of an
// occupying appointment. Matching is by start label only; an appointment
// covering a later slot does not remove it here. The commit path applies the
// full overlap check.
func excludeBookedStarts(slots iter.Seq[string], booked []*Appointment, loc *time.Location) iter.Seq[string] {
	taken := make(map[string]struct{}, len(booked))
	for _, a := range booked {
		if a.Occupies() {
			taken[a.Start.In(loc).Format(clockLayout)] = struct{}{}
		}
	}
	return func(yield func(string) bool) {
		for s := range slots {
			if _, ok := taken[s]; ok {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// notBefore keeps slots starting at or after earliest. A slot exactly at the
// bound is kept.
func notBefore(slots iter.Seq[string], day, earliest time.Time) iter.Seq[string] {
	return func(yield func(string) bool) {
		for s := range slots {
			at, err := atClock(day, s)
			if err != nil || at.Before(earliest) {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}
