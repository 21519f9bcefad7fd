package scheduling

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	clockLayout    = "15:04"
	maxNotesLength = 500
)

// TimeRange is a half-open working interval within one day, "HH:MM" to "HH:MM".
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r TimeRange) minutes() (int, int, error) {
	start, err := parseClock(r.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(r.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

type DaySchedule struct {
	Enabled   bool        `json:"enabled"`
	Intervals []TimeRange `json:"intervals"`
}

type Holiday struct {
	Date        string `json:"date"`
	Description string `json:"description,omitempty"`
}

// ReminderPrefs is carried as configuration only. The engine never sends
// anything.
type ReminderPrefs struct {
	Enabled     bool  `json:"enabled"`
	Email       bool  `json:"email"`
	SMS         bool  `json:"sms"`
	WhatsApp    bool  `json:"whatsapp"`
	HoursBefore []int `json:"hours_before,omitempty"`
}

// ScheduleConfig is the clinic's singleton scheduling configuration.
type ScheduleConfig struct {
	Name                   string                       `json:"name,omitempty"`
	Phone                  string                       `json:"phone,omitempty"`
	Address                string                       `json:"address,omitempty"`
	Timezone               string                       `json:"timezone"`
	Weekly                 map[time.Weekday]DaySchedule `json:"schedule"`
	SlotIntervalMinutes    int                          `json:"slot_interval_minutes"`
	DefaultDurationMinutes int                          `json:"default_duration_minutes"`
	DurationByType         map[AppointmentType]int      `json:"duration_by_type"`
	MinLeadHours           int                          `json:"min_lead_hours"`
	MaxHorizonDays         int                          `json:"max_horizon_days"`
	Holidays               []Holiday                    `json:"holidays"`
	BookableTypes          []AppointmentType            `json:"bookable_types"`
	RequiresConfirmation   bool                         `json:"requires_confirmation"`
	AllowPatientBooking    bool                         `json:"allow_patient_booking"`
	Reminders              ReminderPrefs                `json:"reminders"`
	UpdatedAt              time.Time                    `json:"updated_at,omitempty"`
}

// DefaultScheduleConfig is materialized the first time the config is read and
// none has been saved.
func DefaultScheduleConfig() *ScheduleConfig {
	weekday := DaySchedule{Enabled: true, Intervals: []TimeRange{{Start: "09:00", End: "18:00"}}}
	return &ScheduleConfig{
		Timezone: "UTC",
		Weekly: map[time.Weekday]DaySchedule{
			time.Sunday:    {Enabled: false},
			time.Monday:    weekday,
			time.Tuesday:   weekday,
			time.Wednesday: weekday,
			time.Thursday:  weekday,
			time.Friday:    weekday,
			time.Saturday:  {Enabled: true, Intervals: []TimeRange{{Start: "09:00", End: "14:00"}}},
		},
		SlotIntervalMinutes:    30,
		DefaultDurationMinutes: 30,
		DurationByType: map[AppointmentType]int{
			TypeCheckup:      30,
			TypeCleaning:     45,
			TypeFilling:      60,
			TypeExtraction:   45,
			TypeRootCanal:    90,
			TypeCrown:        60,
			TypeWhitening:    60,
			TypeOrthodontics: 45,
			TypeImplant:      120,
			TypeEmergency:    30,
			TypeOther:        30,
		},
		MinLeadHours:         2,
		MaxHorizonDays:       7,
		Holidays:             []Holiday{},
		BookableTypes:        []AppointmentType{TypeCheckup, TypeCleaning, TypeEmergency, TypeOther},
		RequiresConfirmation: true,
		AllowPatientBooking:  true,
		Reminders:            ReminderPrefs{Enabled: true, Email: true, HoursBefore: []int{24}},
	}
}

// locations caches resolved timezones by name. Unknown names map to UTC.
var locations sync.Map

// Location returns the clinic timezone, falling back to UTC.
func (c *ScheduleConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	if loc, ok := locations.Load(c.Timezone); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	actual, _ := locations.LoadOrStore(c.Timezone, loc)
	return actual.(*time.Location)
}

func (c *ScheduleConfig) DaySchedule(wd time.Weekday) DaySchedule {
	return c.Weekly[wd]
}

// IsHoliday compares calendar dates only.
func (c *ScheduleConfig) IsHoliday(date time.Time) bool {
	key := date.In(c.Location()).Format(dateLayout)
	for _, h := range c.Holidays {
		if h.Date == key {
			return true
		}
	}
	return false
}

// IsDayOpen reports whether the weekday is enabled and the date is not a holiday.
func (c *ScheduleConfig) IsDayOpen(date time.Time) bool {
	day := date.In(c.Location())
	return c.DaySchedule(day.Weekday()).Enabled && !c.IsHoliday(day)
}

// DurationFor returns the length in minutes of an appointment of type t.
func (c *ScheduleConfig) DurationFor(t AppointmentType) int {
	if d, ok := c.DurationByType[t]; ok && d > 0 {
		return d
	}
	return c.DefaultDurationMinutes
}

func (c *ScheduleConfig) duration(t AppointmentType) time.Duration {
	return time.Duration(c.DurationFor(t)) * time.Minute
}

// IsBookable reports whether patients may book type t online.
func (c *ScheduleConfig) IsBookable(t AppointmentType) bool {
	return slices.Contains(c.BookableTypes, t)
}

// Validate rejects configurations the engine cannot schedule against.
func (c *ScheduleConfig) Validate() error {
	if c.SlotIntervalMinutes <= 0 {
		return newError(ErrInvalidInput, "slot interval must be positive")
	}
	if c.DefaultDurationMinutes <= 0 {
		return newError(ErrInvalidInput, "default duration must be positive")
	}
	if c.MinLeadHours < 0 {
		return newError(ErrInvalidInput, "minimum lead time cannot be negative")
	}
	if c.MaxHorizonDays < 0 {
		return newError(ErrInvalidInput, "booking horizon cannot be negative")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return newError(ErrInvalidInput, "unknown timezone %q", c.Timezone)
		}
	}
	for wd, day := range c.Weekly {
		if wd < time.Sunday || wd > time.Saturday {
			return newError(ErrInvalidInput, "weekday %d out of range", wd)
		}
		if err := validateIntervals(wd, day.Intervals); err != nil {
			return err
		}
	}
	for t, d := range c.DurationByType {
		if !t.IsValid() {
			return newError(ErrInvalidInput, "unknown appointment type %q in durations", t)
		}
		if d <= 0 {
			return newError(ErrInvalidInput, "duration for %s must be positive", t)
		}
	}
	for _, t := range c.BookableTypes {
		if !t.IsValid() {
			return newError(ErrInvalidInput, "unknown appointment type %q in bookable types", t)
		}
	}
	for _, h := range c.Holidays {
		if _, err := time.Parse(dateLayout, h.Date); err != nil {
			return newError(ErrInvalidInput, "holiday date %q must be YYYY-MM-DD", h.Date)
		}
	}
	return nil
}

func validateIntervals(wd time.Weekday, ranges []TimeRange) error {
	type span struct{ start, end int }
	spans := make([]span, 0, len(ranges))
	for _, r := range ranges {
		start, end, err := r.minutes()
		if err != nil {
			return newError(ErrInvalidInput, "%s: %v", wd, err)
		}
		if start >= end {
			return newError(ErrInvalidInput, "%s: interval %s-%s is empty", wd, r.Start, r.End)
		}
		spans = append(spans, span{start, end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return newError(ErrInvalidInput, "%s: intervals overlap", wd)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a store's state.
func (c *ScheduleConfig) Clone() *ScheduleConfig {
	out := *c
	out.Weekly = make(map[time.Weekday]DaySchedule, len(c.Weekly))
	for wd, day := range c.Weekly {
		day.Intervals = slices.Clone(day.Intervals)
		out.Weekly[wd] = day
	}
	out.DurationByType = make(map[AppointmentType]int, len(c.DurationByType))
	for t, d := range c.DurationByType {
		out.DurationByType[t] = d
	}
	out.Holidays = slices.Clone(c.Holidays)
	out.BookableTypes = slices.Clone(c.BookableTypes)
	out.Reminders.HoursBefore = slices.Clone(c.Reminders.HoursBefore)
	return &out
}

// PublicSettings is the unauthenticated projection of the config.
type PublicSettings struct {
	Name                string                       `json:"name,omitempty"`
	Phone               string                       `json:"phone,omitempty"`
	Address             string                       `json:"address,omitempty"`
	Timezone            string                       `json:"timezone"`
	Schedule            map[time.Weekday]DaySchedule `json:"schedule"`
	SlotIntervalMinutes int                          `json:"slot_interval_minutes"`
	MinLeadHours        int                          `json:"min_lead_hours"`
	MaxHorizonDays      int                          `json:"max_horizon_days"`
	Holidays            []Holiday                    `json:"holidays"`
	BookableTypes       []AppointmentType            `json:"bookable_types"`
	AllowPatientBooking bool                         `json:"allow_patient_booking"`
}

func (c *ScheduleConfig) Public() PublicSettings {
	cp := c.Clone()
	return PublicSettings{
		Name:                cp.Name,
		Phone:               cp.Phone,
		Address:             cp.Address,
		Timezone:            cp.Timezone,
		Schedule:            cp.Weekly,
		SlotIntervalMinutes: cp.SlotIntervalMinutes,
		MinLeadHours:        cp.MinLeadHours,
		MaxHorizonDays:      cp.MaxHorizonDays,
		Holidays:            cp.Holidays,
		BookableTypes:       cp.BookableTypes,
		AllowPatientBooking: cp.AllowPatientBooking,
	}
}

func parseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// parseDate interprets "YYYY-MM-DD" as midnight in loc.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, newError(ErrInvalidInput, "invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// atClock returns the instant at "HH:MM" on day, in day's location.
func atClock(day time.Time, hhmm string) (time.Time, error) {
	m, err := parseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, day.Location()), nil
}
