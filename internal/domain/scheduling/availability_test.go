package scheduling

import (
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestResolveAvailability_WindowReasons(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Holidays = []Holiday{{Date: "2030-01-09"}}

	tests := []struct {
		date   string
		reason string
	}{
		{"2030-01-06", ReasonPastDate},
		{"2030-01-15", ReasonBeyondHorizon},
		{"2030-01-09", ReasonHoliday},
		{"2030-01-13", ReasonClosed},
		{"2030-01-14", ""}, // today + horizon is still bookable
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			avail := ResolveAvailability(cfg, day(tt.date), nil, monday)
			if avail.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", avail.Reason, tt.reason)
			}
			if tt.reason != "" && len(avail.Slots) != 0 {
				t.Errorf("expected no slots, got %v", avail.Slots)
			}
			if avail.Slots == nil {
				t.Error("slots must never be nil")
			}
			if avail.Interval != 30 {
				t.Errorf("interval = %d, want 30", avail.Interval)
			}
		})
	}
}

func TestResolveAvailability_TodayHonoursLeadTime(t *testing.T) {
	cfg := DefaultScheduleConfig()

	// now is 08:00, so the earliest start is 10:00 and it is kept.
	avail := ResolveAvailability(cfg, day("2030-01-07"), nil, monday)
	if len(avail.Slots) == 0 || avail.Slots[0] != "10:00" {
		t.Fatalf("expected first slot 10:00, got %v", avail.Slots)
	}

	later := ResolveAvailability(cfg, day("2030-01-07"), nil, monday.Add(7*time.Hour+10*time.Minute))
	if later.Slots[0] != "17:30" {
		t.Errorf("expected only 17:30 left at 15:10, got %v", later.Slots)
	}

	tomorrow := ResolveAvailability(cfg, day("2030-01-08"), nil, monday)
	if tomorrow.Slots[0] != "09:00" {
		t.Errorf("lead time should not trim other days, got %v", tomorrow.Slots)
	}
}

func TestResolveAvailability_NothingLeftToday(t *testing.T) {
	avail := ResolveAvailability(DefaultScheduleConfig(), day("2030-01-07"), nil, monday.Add(9*time.Hour))
	if len(avail.Slots) != 0 || avail.Reason != "" {
		t.Errorf("expected an empty open day, got %+v", avail)
	}
}

func TestResolveAvailability_ExcludesBookedStarts(t *testing.T) {
	cfg := DefaultScheduleConfig()
	doctor := uuid.New()
	booked := []*Appointment{
		appt(doctor, at("2030-01-08", "09:00"), 30, StatusConfirmed),
		appt(doctor, at("2030-01-08", "10:00"), 60, StatusPending),
		appt(doctor, at("2030-01-08", "11:00"), 30, StatusCancelled),
	}

	avail := ResolveAvailability(cfg, day("2030-01-08"), booked, monday)

	if slices.Contains(avail.Slots, "09:00") || slices.Contains(avail.Slots, "10:00") {
		t.Errorf("booked starts should be removed: %v", avail.Slots)
	}
	if !slices.Contains(avail.Slots, "11:00") {
		t.Error("cancelled appointments release their slot")
	}
	// Matching is by start label only: the second half of the 60 minute
	// appointment is still listed and the commit path rejects it.
	if !slices.Contains(avail.Slots, "10:30") {
		t.Error("expected 10:30 to remain listed")
	}
	if len(avail.Slots) != 16 {
		t.Errorf("expected 16 slots, got %d", len(avail.Slots))
	}
}

func TestResolveAvailability_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	cfg := DefaultScheduleConfig()
	cfg.Timezone = "America/New_York"

	// 08:00 UTC on Monday is still Monday 03:00 in New York.
	d := time.Date(2030, 1, 7, 0, 0, 0, 0, loc)
	avail := ResolveAvailability(cfg, d, nil, monday)
	if avail.Date != "2030-01-07" || avail.Slots[0] != "09:00" {
		t.Errorf("unexpected availability %+v", avail)
	}
}
