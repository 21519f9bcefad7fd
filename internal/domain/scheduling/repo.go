package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// AppointmentRepository persists appointments. Implementations return engine
// errors (ErrNotFound, ErrStaleState, ErrSlotConflict, ErrUnavailable) for the
// conditions those sentinels describe.
type AppointmentRepository interface {
	// WithDoctorLock runs fn inside one transaction holding an exclusive
	// per-doctor lock. Repository calls made with the ctx passed to fn join
	// that transaction. An error from fn rolls everything back.
	WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error

	Insert(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindAppointments(ctx context.Context, q AppointmentQuery) ([]*Appointment, error)

	// UpdateStatus applies change only if the stored status is still expected.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected AppointmentStatus, change StatusChange) (*Appointment, error)
	// Update replaces the mutable fields of a only if the stored version is
	// still expectedVersion.
	Update(ctx context.Context, a *Appointment, expectedVersion int) (*Appointment, error)

	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)
	Count(ctx context.Context, q AppointmentQuery) (int, error)
}

// ConfigStore holds the singleton ScheduleConfig. Get materializes the
// defaults exactly once when nothing has been saved yet.
type ConfigStore interface {
	Get(ctx context.Context) (*ScheduleConfig, error)
	Save(ctx context.Context, cfg *ScheduleConfig) error
}

// DoctorDirectory answers whether a doctor accepts appointments.
type DoctorDirectory interface {
	IsActive(ctx context.Context, doctorID uuid.UUID) (bool, error)
}
