package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// GuardSettings configures the per-call timeout and circuit breaker placed
// in front of a store.
type GuardSettings struct {
	Name        string
	CallTimeout time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

// guard bounds every call with a timeout and trips a circuit breaker after
// consecutive infrastructure failures. Domain outcomes such as conflicts or
// missing rows do not count as failures. Calls made while another call of
// the same guard is in flight reuse its deadline and breaker slot.
type guard struct {
	cb      *gobreaker.CircuitBreaker[any]
	timeout time.Duration
}

func newGuard(s GuardSettings, defaultName string, logger zerolog.Logger) *guard {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.Name == "" {
		s.Name = defaultName
	}
	maxFailures := s.MaxFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			e, ok := AsError(err)
			return ok && e.Kind != KindUnavailable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("store circuit breaker state change")
		},
	})
	return &guard{cb: cb, timeout: s.CallTimeout}
}

func (g *guard) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if ctx.Value(g) != nil {
		return fn(ctx)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, g, true)

	v, err := g.cb.Execute(func() (any, error) {
		v, err := fn(ctx)
		return v, asUnavailable(err)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, wrapError(ErrUnavailable, err)
	}
	return v, err
}

type guardedRepo struct {
	*guard
	next AppointmentRepository
}

func NewGuardedRepository(next AppointmentRepository, s GuardSettings, logger zerolog.Logger) AppointmentRepository {
	return &guardedRepo{guard: newGuard(s, "appointments", logger), next: next}
}

// asUnavailable classifies bare context errors as retryable unavailability.
func asUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapError(ErrUnavailable, err)
	}
	return err
}

func (g *guardedRepo) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, g.next.WithDoctorLock(ctx, doctorID, fn)
	})
	return err
}

func (g *guardedRepo) Insert(ctx context.Context, a *Appointment) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, g.next.Insert(ctx, a)
	})
	return err
}

func (g *guardedRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Appointment), nil
}

func (g *guardedRepo) FindAppointments(ctx context.Context, q AppointmentQuery) ([]*Appointment, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.FindAppointments(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Appointment), nil
}

func (g *guardedRepo) UpdateStatus(ctx context.Context, id uuid.UUID, expected AppointmentStatus, change StatusChange) (*Appointment, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.UpdateStatus(ctx, id, expected, change)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Appointment), nil
}

func (g *guardedRepo) Update(ctx context.Context, a *Appointment, expectedVersion int) (*Appointment, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.Update(ctx, a, expectedVersion)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Appointment), nil
}

type listResult struct {
	items []*Appointment
	total int
}

func (g *guardedRepo) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		items, total, err := g.next.List(ctx, f, limit, offset)
		return listResult{items, total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	res := v.(listResult)
	return res.items, res.total, nil
}

func (g *guardedRepo) Count(ctx context.Context, q AppointmentQuery) (int, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.Count(ctx, q)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

type guardedConfigStore struct {
	*guard
	next ConfigStore
}

// NewGuardedConfigStore puts the same timeout and breaker in front of a
// ConfigStore.
func NewGuardedConfigStore(next ConfigStore, s GuardSettings, logger zerolog.Logger) ConfigStore {
	return &guardedConfigStore{guard: newGuard(s, "schedule_config", logger), next: next}
}

func (g *guardedConfigStore) Get(ctx context.Context) (*ScheduleConfig, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.Get(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ScheduleConfig), nil
}

func (g *guardedConfigStore) Save(ctx context.Context, cfg *ScheduleConfig) error {
	_, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return nil, g.next.Save(ctx, cfg)
	})
	return err
}

type guardedDoctors struct {
	*guard
	next DoctorDirectory
}

// NewGuardedDoctorDirectory puts the same timeout and breaker in front of a
// DoctorDirectory.
func NewGuardedDoctorDirectory(next DoctorDirectory, s GuardSettings, logger zerolog.Logger) DoctorDirectory {
	return &guardedDoctors{guard: newGuard(s, "doctors", logger), next: next}
}

func (g *guardedDoctors) IsActive(ctx context.Context, doctorID uuid.UUID) (bool, error) {
	v, err := g.call(ctx, func(ctx context.Context) (any, error) {
		return g.next.IsActive(ctx, doctorID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}
