package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/booking/internal/platform/clock"
)

// monday is 2030-01-07 08:00 UTC, a working day under the default config.
var monday = time.Date(2030, 1, 7, 8, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	d, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

func at(date, hhmm string) time.Time {
	t, err := atClock(day(date), hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func appt(doctorID uuid.UUID, start time.Time, minutes int, status AppointmentStatus) *Appointment {
	return &Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  doctorID,
		Type:      TypeCheckup,
		Start:     start,
		End:       start.Add(time.Duration(minutes) * time.Minute),
		Status:    status,
	}
}

type testEnv struct {
	svc     *Service
	repo    *MemoryAppointmentRepo
	configs *MemoryConfigStore
	doctors *MemoryDoctorDirectory
	clock   *clock.Mock
	doctor  uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:    NewMemoryAppointmentRepo(),
		configs: NewMemoryConfigStore(),
		doctors: NewMemoryDoctorDirectory(false),
		clock:   clock.NewMock(monday),
		doctor:  uuid.New(),
	}
	env.doctors.Set(env.doctor, true)
	env.svc = NewService(env.repo, env.configs, env.doctors, WithClock(env.clock))
	return env
}

// updateConfig edits the stored config in place.
func (env *testEnv) updateConfig(t *testing.T, fn func(c *ScheduleConfig)) {
	t.Helper()
	cfg, err := env.configs.Get(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	fn(cfg)
	if err := env.configs.Save(context.Background(), cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
}

func (env *testEnv) book(t *testing.T, actor Actor, patientID uuid.UUID, typ AppointmentType, date, hhmm string) *Appointment {
	t.Helper()
	a, err := env.svc.BookAppointment(context.Background(), BookingRequest{
		PatientID: patientID,
		DoctorID:  env.doctor,
		Type:      typ,
		Date:      date,
		Time:      hhmm,
		Actor:     actor,
	})
	if err != nil {
		t.Fatalf("book %s %s: %v", date, hhmm, err)
	}
	return a
}

func assertErrorIs(t *testing.T, err error, target *Error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", target.Code)
	}
	e, ok := AsError(err)
	if !ok || e.Code != target.Code {
		t.Fatalf("expected %s, got %v", target.Code, err)
	}
}
