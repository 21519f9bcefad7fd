package scheduling

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDoctorDirectory tracks doctor activity in process. With allowUnknown
// set, doctors it has never heard of count as active; the memory storage mode
// uses that so a fresh server accepts bookings without seeding.
type MemoryDoctorDirectory struct {
	mu           sync.RWMutex
	doctors      map[uuid.UUID]bool
	allowUnknown bool
}

func NewMemoryDoctorDirectory(allowUnknown bool) *MemoryDoctorDirectory {
	return &MemoryDoctorDirectory{doctors: make(map[uuid.UUID]bool), allowUnknown: allowUnknown}
}

// Set records whether doctorID accepts appointments.
func (d *MemoryDoctorDirectory) Set(doctorID uuid.UUID, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doctors[doctorID] = active
}

func (d *MemoryDoctorDirectory) IsActive(_ context.Context, doctorID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	active, ok := d.doctors[doctorID]
	if !ok {
		return d.allowUnknown, nil
	}
	return active, nil
}
