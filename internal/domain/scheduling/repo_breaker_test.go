package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRepo fails GetByID with err and counts calls. Everything else goes to
// the embedded memory repo.
type flakyRepo struct {
	*MemoryAppointmentRepo
	err   error
	calls int
	delay time.Duration
}

func (f *flakyRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.MemoryAppointmentRepo.GetByID(ctx, id)
}

func guarded(next AppointmentRepository, s GuardSettings) AppointmentRepository {
	return NewGuardedRepository(next, s, zerolog.Nop())
}

func TestGuardedRepo_DomainErrorsDoNotTrip(t *testing.T) {
	inner := &flakyRepo{MemoryAppointmentRepo: NewMemoryAppointmentRepo(), err: ErrNotFound}
	repo := guarded(inner, GuardSettings{MaxFailures: 2, OpenTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := repo.GetByID(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 5, inner.calls)
}

func TestGuardedRepo_TripsOnUnavailable(t *testing.T) {
	inner := &flakyRepo{MemoryAppointmentRepo: NewMemoryAppointmentRepo(), err: wrapError(ErrUnavailable, errors.New("connection refused"))}
	repo := guarded(inner, GuardSettings{MaxFailures: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := repo.GetByID(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	require.Equal(t, 2, inner.calls)

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, inner.calls, "open breaker short-circuits the store")
}

func TestGuardedRepo_CallTimeoutIsUnavailable(t *testing.T) {
	inner := &flakyRepo{MemoryAppointmentRepo: NewMemoryAppointmentRepo(), delay: time.Second}
	repo := guarded(inner, GuardSettings{CallTimeout: 10 * time.Millisecond})

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGuardedRepo_NestedCallsShareTheOuterSlot(t *testing.T) {
	mem := NewMemoryAppointmentRepo()
	inner := &flakyRepo{MemoryAppointmentRepo: mem}
	repo := guarded(inner, GuardSettings{MaxFailures: 1, OpenTimeout: time.Minute})
	a := appt(uuid.New(), at("2030-01-08", "10:00"), 30, StatusPending)

	err := repo.WithDoctorLock(context.Background(), a.DoctorID, func(ctx context.Context) error {
		if err := repo.Insert(ctx, a); err != nil {
			return err
		}
		_, err := repo.GetByID(ctx, a.ID)
		return err
	})
	require.NoError(t, err)

	got, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, inner.calls)
}

func TestMemoryRepo_DoctorLockHonoursContext(t *testing.T) {
	repo := NewMemoryAppointmentRepo()
	doctor := uuid.New()
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithDoctorLock(context.Background(), doctor, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := repo.WithDoctorLock(ctx, doctor, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, ran, "waiter must not run without the lock")

	// Other doctors are not blocked.
	require.NoError(t, repo.WithDoctorLock(context.Background(), uuid.New(), func(ctx context.Context) error { return nil }))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, repo.WithDoctorLock(context.Background(), doctor, func(ctx context.Context) error { return nil }))
}

func TestGuardedRepo_LockWaitBoundedByCallTimeout(t *testing.T) {
	mem := NewMemoryAppointmentRepo()
	repo := guarded(mem, GuardSettings{CallTimeout: 20 * time.Millisecond})
	doctor := uuid.New()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = mem.WithDoctorLock(context.Background(), doctor, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	start := time.Now()
	err := repo.WithDoctorLock(context.Background(), doctor, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

// slowConfigStore and slowDoctors block until ctx is done when delay is set,
// and otherwise return err.
type slowConfigStore struct {
	delay time.Duration
	err   error
	calls int
}

func (s *slowConfigStore) Get(ctx context.Context) (*ScheduleConfig, error) {
	s.calls++
	if err := wait(ctx, s.delay); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return DefaultScheduleConfig(), nil
}

func (s *slowConfigStore) Save(ctx context.Context, cfg *ScheduleConfig) error {
	s.calls++
	if err := wait(ctx, s.delay); err != nil {
		return err
	}
	return s.err
}

type slowDoctors struct {
	delay time.Duration
	err   error
	calls int
}

func (s *slowDoctors) IsActive(ctx context.Context, doctorID uuid.UUID) (bool, error) {
	s.calls++
	if err := wait(ctx, s.delay); err != nil {
		return false, err
	}
	return s.err == nil, s.err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestGuardedConfigStore(t *testing.T) {
	t.Run("call timeout is unavailable", func(t *testing.T) {
		store := NewGuardedConfigStore(&slowConfigStore{delay: time.Second}, GuardSettings{CallTimeout: 10 * time.Millisecond}, zerolog.Nop())
		_, err := store.Get(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, store.Save(context.Background(), DefaultScheduleConfig()), ErrUnavailable)
	})

	t.Run("breaker opens", func(t *testing.T) {
		inner := &slowConfigStore{err: errors.New("dial tcp: connection refused")}
		store := NewGuardedConfigStore(inner, GuardSettings{MaxFailures: 2, OpenTimeout: time.Minute}, zerolog.Nop())
		for i := 0; i < 2; i++ {
			_, err := store.Get(context.Background())
			assert.Error(t, err)
		}
		_, err := store.Get(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, 2, inner.calls, "open breaker short-circuits the store")
	})

	t.Run("passes results through", func(t *testing.T) {
		store := NewGuardedConfigStore(&slowConfigStore{}, GuardSettings{CallTimeout: time.Second}, zerolog.Nop())
		cfg, err := store.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DefaultScheduleConfig().DefaultDurationMinutes, cfg.DefaultDurationMinutes)
	})
}

func TestGuardedDoctorDirectory(t *testing.T) {
	slow := NewGuardedDoctorDirectory(&slowDoctors{delay: time.Second}, GuardSettings{CallTimeout: 10 * time.Millisecond}, zerolog.Nop())
	_, err := slow.IsActive(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)

	inner := &slowDoctors{err: errors.New("connection reset")}
	broken := NewGuardedDoctorDirectory(inner, GuardSettings{MaxFailures: 1, OpenTimeout: time.Minute}, zerolog.Nop())
	_, err = broken.IsActive(context.Background(), uuid.New())
	assert.Error(t, err)
	_, err = broken.IsActive(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, inner.calls)

	ok := NewGuardedDoctorDirectory(&slowDoctors{}, GuardSettings{}, zerolog.Nop())
	active, err := ok.IsActive(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, active)
}

// A call to another guarded store from inside WithDoctorLock is still
// counted by that store's own breaker.
func TestGuards_AreIndependent(t *testing.T) {
	repo := guarded(NewMemoryAppointmentRepo(), GuardSettings{MaxFailures: 1, OpenTimeout: time.Minute})
	inner := &slowDoctors{err: errors.New("connection reset")}
	doctors := NewGuardedDoctorDirectory(inner, GuardSettings{MaxFailures: 1, OpenTimeout: time.Minute}, zerolog.Nop())

	err := repo.WithDoctorLock(context.Background(), uuid.New(), func(ctx context.Context) error {
		_, err := doctors.IsActive(ctx, uuid.New())
		return err
	})
	assert.Error(t, err)

	_, err = doctors.IsActive(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, inner.calls)
}
