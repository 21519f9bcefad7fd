package scheduling

import (
	"iter"
	"time"
)

// GenerateSlots yields the candidate start times ("HH:MM") for date, walking
// each configured interval in declared order and emitting t while t < end.
// The sequence is empty when the day is closed. It holds no state between
// iterations, so ranging over it twice yields the same values.
func GenerateSlots(cfg *ScheduleConfig, date time.Time) iter.Seq[string] {
	return func(yield func(string) bool) {
		if cfg == nil || cfg.SlotIntervalMinutes <= 0 || !cfg.IsDayOpen(date) {
			return
		}
		day := cfg.DaySchedule(date.In(cfg.Location()).Weekday())
		for _, r := range day.Intervals {
			start, end, err := r.minutes()
			if err != nil {
				continue
			}
			for t := start; t < end; t += cfg.SlotIntervalMinutes {
				if !yield(formatClock(t)) {
					return
				}
			}
		}
	}
}

// isGridSlot reports whether hhmm is one of the generated starts for date.
func isGridSlot(cfg *ScheduleConfig, date time.Time, hhmm string) bool {
	for s := range GenerateSlots(cfg, date) {
		if s == hhmm {
			return true
		}
	}
	return false
}
