package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Back-to-back intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// DetectConflict returns the first occupying appointment of doctorID that
// overlaps [start, end), ignoring excludeID. Nil means the interval is free.
func DetectConflict(existing []*Appointment, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) *Appointment {
	for _, e := range existing {
		if e.ID == excludeID || e.DoctorID != doctorID || !e.Occupies() {
			continue
		}
		if Overlaps(e.Start, e.End, start, end) {
			return e
		}
	}
	return nil
}

// DetectSameDay returns an occupying appointment the patient already holds
// with the doctor on the calendar date of day (in loc), ignoring excludeID.
func DetectSameDay(existing []*Appointment, patientID, doctorID uuid.UUID, day time.Time, loc *time.Location, excludeID uuid.UUID) *Appointment {
	key := day.In(loc).Format(dateLayout)
	for _, e := range existing {
		if e.ID == excludeID || e.PatientID != patientID || e.DoctorID != doctorID || !e.Occupies() {
			continue
		}
		if e.Start.In(loc).Format(dateLayout) == key {
			return e
		}
	}
	return nil
}
