package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// AppointmentType is the closed set of treatment kinds the clinic offers.
type AppointmentType string

const (
	TypeCheckup      AppointmentType = "checkup"
	TypeCleaning     AppointmentType = "cleaning"
	TypeFilling      AppointmentType = "filling"
	TypeExtraction   AppointmentType = "extraction"
	TypeRootCanal    AppointmentType = "root-canal"
	TypeCrown        AppointmentType = "crown"
	TypeWhitening    AppointmentType = "whitening"
	TypeOrthodontics AppointmentType = "orthodontics"
	TypeImplant      AppointmentType = "implant"
	TypeEmergency    AppointmentType = "emergency"
	TypeOther        AppointmentType = "other"
)

var appointmentTypes = []AppointmentType{
	TypeCheckup, TypeCleaning, TypeFilling, TypeExtraction, TypeRootCanal, TypeCrown,
	TypeWhitening, TypeOrthodontics, TypeImplant, TypeEmergency, TypeOther,
}

var typeLabels = map[AppointmentType]string{
	TypeCheckup:      "General checkup",
	TypeCleaning:     "Dental cleaning",
	TypeFilling:      "Filling",
	TypeExtraction:   "Extraction",
	TypeRootCanal:    "Root canal",
	TypeCrown:        "Crown",
	TypeWhitening:    "Whitening",
	TypeOrthodontics: "Orthodontics",
	TypeImplant:      "Implant",
	TypeEmergency:    "Emergency",
	TypeOther:        "Other",
}

func (t AppointmentType) IsValid() bool {
	_, ok := typeLabels[t]
	return ok
}

func (t AppointmentType) Label() string { return typeLabels[t] }

// AppointmentTypes returns every known type in display order.
func AppointmentTypes() []AppointmentType {
	out := make([]AppointmentType, len(appointmentTypes))
	copy(out, appointmentTypes)
	return out
}

// AppointmentStatus is a lifecycle state. Transitions are governed by the
// state machine in statemachine.go.
type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in-progress"
	StatusDone       AppointmentStatus = "done"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no-show"
)

var appointmentStatuses = []AppointmentStatus{
	StatusPending, StatusConfirmed, StatusInProgress, StatusDone, StatusCancelled, StatusNoShow,
}

var statusLabels = map[AppointmentStatus]string{
	StatusPending:    "Pending confirmation",
	StatusConfirmed:  "Confirmed",
	StatusInProgress: "In progress",
	StatusDone:       "Completed",
	StatusCancelled:  "Cancelled",
	StatusNoShow:     "No show",
}

func (s AppointmentStatus) IsValid() bool {
	_, ok := statusLabels[s]
	return ok
}

func (s AppointmentStatus) Label() string { return statusLabels[s] }

// IsTerminal reports whether no further transition is possible.
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusNoShow
}

// Role distinguishes clinic staff from patients acting on their own behalf.
type Role string

const (
	RoleStaff   Role = "staff"
	RolePatient Role = "patient"
)

// Actor is the authenticated principal an operation runs on behalf of.
type Actor struct {
	Role      Role
	UserID    string
	PatientID uuid.UUID
}

func StaffActor(userID string) Actor {
	return Actor{Role: RoleStaff, UserID: userID}
}

func PatientActor(patientID uuid.UUID) Actor {
	return Actor{Role: RolePatient, UserID: patientID.String(), PatientID: patientID}
}

func (a Actor) IsStaff() bool { return a.Role == RoleStaff }

// CancelledBy records which side cancelled an appointment.
type CancelledBy string

const (
	CancelledByPatient CancelledBy = "patient"
	CancelledByClinic  CancelledBy = "clinic"
)

type Appointment struct {
	ID                 uuid.UUID         `json:"id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	DoctorID           uuid.UUID         `json:"doctor_id"`
	Type               AppointmentType   `json:"type"`
	Start              time.Time         `json:"start"`
	End                time.Time         `json:"end"`
	Status             AppointmentStatus `json:"status"`
	CreatedByPatient   bool              `json:"created_by_patient"`
	Notes              *string           `json:"notes,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	CancelledBy        *CancelledBy      `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	VersionID          int               `json:"version_id"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Occupies reports whether the appointment holds its doctor's time. Only
// cancelled appointments release it.
func (a *Appointment) Occupies() bool {
	return a.Status != StatusCancelled
}

func (a *Appointment) clone() *Appointment {
	c := *a
	return &c
}

// BookingRequest is the single booking entry point for both patients and staff.
type BookingRequest struct {
	PatientID uuid.UUID       `json:"patient_id"`
	DoctorID  uuid.UUID       `json:"doctor_id"`
	Type      AppointmentType `json:"type"`
	Date      string          `json:"date"`
	Time      string          `json:"time"`
	Notes     string          `json:"notes,omitempty"`
	Actor     Actor           `json:"-"`
}

// AppointmentChanges is a partial staff edit. Nil fields are left unchanged.
type AppointmentChanges struct {
	Type     *AppointmentType   `json:"type,omitempty"`
	Date     *string            `json:"date,omitempty"`
	Time     *string            `json:"time,omitempty"`
	DoctorID *uuid.UUID         `json:"doctor_id,omitempty"`
	Notes    *string            `json:"notes,omitempty"`
	Status   *AppointmentStatus `json:"status,omitempty"`
	Reason   *string            `json:"reason,omitempty"`
}

func (c AppointmentChanges) reschedules() bool {
	return c.Type != nil || c.Date != nil || c.Time != nil || c.DoctorID != nil
}

// StatusChange is what a conditional status update writes.
type StatusChange struct {
	Status             AppointmentStatus
	CancellationReason *string
	CancelledBy        *CancelledBy
	CancelledAt        *time.Time
}

// AppointmentQuery selects appointments whose start falls in [From, To).
type AppointmentQuery struct {
	DoctorID        *uuid.UUID
	PatientID       *uuid.UUID
	From            time.Time
	To              time.Time
	Statuses        []AppointmentStatus
	ExcludeStatuses []AppointmentStatus
	Limit           int
}

func (q AppointmentQuery) matches(a *Appointment) bool {
	if q.DoctorID != nil && a.DoctorID != *q.DoctorID {
		return false
	}
	if q.PatientID != nil && a.PatientID != *q.PatientID {
		return false
	}
	if !q.From.IsZero() && a.Start.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !a.Start.Before(q.To) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, a.Status) {
		return false
	}
	if containsStatus(q.ExcludeStatuses, a.Status) {
		return false
	}
	return true
}

func containsStatus(list []AppointmentStatus, s AppointmentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ListFilter narrows the staff appointment listing.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    *AppointmentStatus
	From      time.Time
	To        time.Time
}

func (f ListFilter) query() AppointmentQuery {
	q := AppointmentQuery{PatientID: f.PatientID, DoctorID: f.DoctorID, From: f.From, To: f.To}
	if f.Status != nil {
		q.Statuses = []AppointmentStatus{*f.Status}
	}
	return q
}

// Availability is the advisory slot listing for one date.
type Availability struct {
	Date     string   `json:"date"`
	Slots    []string `json:"slots"`
	Reason   string   `json:"reason,omitempty"`
	Interval int      `json:"interval"`
}

type Stats struct {
	Total     int `json:"total"`
	Today     int `json:"today"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
}

// Label pairs a machine value with its human label.
type Label struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// TypeCatalog lists every type and status label plus the subset patients may
// book online.
type TypeCatalog struct {
	Types    []Label  `json:"types"`
	Statuses []Label  `json:"statuses"`
	Bookable []string `json:"bookable"`
}
