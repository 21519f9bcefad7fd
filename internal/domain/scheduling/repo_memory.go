package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAppointmentRepo is an in-process AppointmentRepository. It backs the
// STORAGE=memory mode and the engine tests. Like the Postgres schema it
// refuses to store two overlapping occupying appointments for one doctor.
type MemoryAppointmentRepo struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]*Appointment

	locksMu     sync.Mutex
	doctorLocks map[uuid.UUID]chan struct{}
}

func NewMemoryAppointmentRepo() *MemoryAppointmentRepo {
	return &MemoryAppointmentRepo{
		appointments: make(map[uuid.UUID]*Appointment),
		doctorLocks:  make(map[uuid.UUID]chan struct{}),
	}
}

// doctorLock returns the doctor's one-slot semaphore.
func (r *MemoryAppointmentRepo) doctorLock(doctorID uuid.UUID) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.doctorLocks[doctorID]
	if !ok {
		l = make(chan struct{}, 1)
		r.doctorLocks[doctorID] = l
	}
	return l
}

// WithDoctorLock waits for the doctor's lock until ctx is done.
func (r *MemoryAppointmentRepo) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return wrapError(ErrUnavailable, err)
	}
	l := r.doctorLock(doctorID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return wrapError(ErrUnavailable, ctx.Err())
	}
	defer func() { <-l }()
	return fn(ctx)
}

// overlapping must be called with r.mu held.
func (r *MemoryAppointmentRepo) overlapping(a *Appointment) bool {
	if !a.Occupies() {
		return false
	}
	for _, e := range r.appointments {
		if e.ID == a.ID || e.DoctorID != a.DoctorID || !e.Occupies() {
			continue
		}
		if Overlaps(e.Start, e.End, a.Start, a.End) {
			return true
		}
	}
	return false
}

func (r *MemoryAppointmentRepo) Insert(ctx context.Context, a *Appointment) error {
	if err := ctx.Err(); err != nil {
		return wrapError(ErrUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, exists := r.appointments[a.ID]; exists {
		return newError(ErrSlotConflict, "appointment %s already exists", a.ID)
	}
	if r.overlapping(a) {
		return ErrSlotConflict
	}
	now := time.Now().UTC()
	a.VersionID = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	r.appointments[a.ID] = a.clone()
	return nil
}

func (r *MemoryAppointmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (r *MemoryAppointmentRepo) FindAppointments(ctx context.Context, q AppointmentQuery) ([]*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError(ErrUnavailable, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.collect(q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// collect must be called with r.mu held. Results are ordered by start.
func (r *MemoryAppointmentRepo) collect(q AppointmentQuery) []*Appointment {
	var out []*Appointment
	for _, a := range r.appointments {
		if q.matches(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func (r *MemoryAppointmentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, expected AppointmentStatus, change StatusChange) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError(ErrUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != expected {
		return nil, ErrStaleState
	}
	change.apply(a)
	a.VersionID++
	a.UpdatedAt = time.Now().UTC()
	return a.clone(), nil
}

func (r *MemoryAppointmentRepo) Update(ctx context.Context, a *Appointment, expectedVersion int) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError(ErrUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.appointments[a.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.VersionID != expectedVersion {
		return nil, ErrStaleState
	}
	if r.overlapping(a) {
		return nil, ErrSlotConflict
	}
	next := a.clone()
	next.CreatedAt = cur.CreatedAt
	next.VersionID = cur.VersionID + 1
	next.UpdatedAt = time.Now().UTC()
	r.appointments[a.ID] = next
	return next.clone(), nil
}

func (r *MemoryAppointmentRepo) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.collect(f.query())
	// Listings show the most recent first.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Start.After(all[j].Start) })
	total := len(all)
	if offset >= total {
		return []*Appointment{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *MemoryAppointmentRepo) Count(ctx context.Context, q AppointmentQuery) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.appointments {
		if q.matches(a) {
			n++
		}
	}
	return n, nil
}
