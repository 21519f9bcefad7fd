package scheduling

import (
	"slices"
	"time"
)

// PatientCancellationWindow is how long before the start a patient may still
// cancel online. At exactly this distance it is already too late.
const PatientCancellationWindow = 2 * time.Hour

// transitions lists, per role, the targets reachable from each non-terminal
// status. Terminal statuses have no entry.
var transitions = map[Role]map[AppointmentStatus][]AppointmentStatus{
	RoleStaff: {
		StatusPending:    {StatusConfirmed, StatusInProgress, StatusDone, StatusCancelled, StatusNoShow},
		StatusConfirmed:  {StatusPending, StatusInProgress, StatusDone, StatusCancelled, StatusNoShow},
		StatusInProgress: {StatusPending, StatusConfirmed, StatusDone, StatusNoShow},
	},
	RolePatient: {
		StatusPending:   {StatusCancelled},
		StatusConfirmed: {StatusCancelled},
	},
}

// InitialStatus is the status a new appointment starts in.
func InitialStatus(actor Actor, cfg *ScheduleConfig) AppointmentStatus {
	if actor.IsStaff() || !cfg.RequiresConfirmation {
		return StatusConfirmed
	}
	return StatusPending
}

// CheckTransition validates moving a to target on behalf of actor at now.
func CheckTransition(a *Appointment, target AppointmentStatus, actor Actor, now time.Time) error {
	if !target.IsValid() {
		return newError(ErrInvalidInput, "unknown status %q", target)
	}
	if actor.Role == RolePatient && a.PatientID != actor.PatientID {
		return ErrNotFound
	}
	if a.Status.IsTerminal() {
		return newError(ErrForbiddenTransition, "appointment is %s", a.Status)
	}
	allowed := transitions[actor.Role][a.Status]
	if !slices.Contains(allowed, target) {
		return newError(ErrForbiddenTransition, "cannot move from %s to %s", a.Status, target)
	}
	if actor.Role == RolePatient && target == StatusCancelled {
		if !now.Before(a.Start.Add(-PatientCancellationWindow)) {
			return ErrTooLateToCancel
		}
	}
	return nil
}

// statusChange builds the record written for an allowed transition.
func statusChange(target AppointmentStatus, actor Actor, reason string, now time.Time) StatusChange {
	change := StatusChange{Status: target}
	if target != StatusCancelled {
		return change
	}
	by := CancelledByClinic
	if actor.Role == RolePatient {
		by = CancelledByPatient
	}
	at := now
	change.CancelledBy = &by
	change.CancelledAt = &at
	if reason != "" {
		change.CancellationReason = &reason
	}
	return change
}

func (c StatusChange) apply(a *Appointment) {
	a.Status = c.Status
	if c.CancelledBy != nil {
		a.CancelledBy = c.CancelledBy
	}
	if c.CancelledAt != nil {
		a.CancelledAt = c.CancelledAt
	}
	if c.CancellationReason != nil {
		a.CancellationReason = c.CancellationReason
	}
}
