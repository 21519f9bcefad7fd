package scheduling

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinic/booking/internal/platform/clock"
	"github.com/clinic/booking/internal/platform/metrics"
)

var tracer = otel.Tracer("github.com/clinic/booking/internal/domain/scheduling")

// PendingLimit caps the pending-appointments listing.
const PendingLimit = 50

type Service struct {
	appointments AppointmentRepository
	configs      ConfigStore
	doctors      DoctorDirectory
	clock        clock.Clock
	metrics      *metrics.BookingMetrics
	logger       zerolog.Logger
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(m *metrics.BookingMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(appts AppointmentRepository, configs ConfigStore, doctors DoctorDirectory, opts ...Option) *Service {
	s := &Service{
		appointments: appts,
		configs:      configs,
		doctors:      doctors,
		clock:        clock.System{},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return "error"
}

func (s *Service) config(ctx context.Context) (*ScheduleConfig, error) {
	cfg, err := s.configs.Get(ctx)
	if err != nil {
		if _, ok := AsError(err); ok {
			return nil, err
		}
		return nil, wrapError(ErrUnavailable, err)
	}
	return cfg, nil
}

// -- Availability --

// GetAvailableSlots lists the advisory bookable starts for date. A nil
// doctorID considers every doctor's appointments.
func (s *Service) GetAvailableSlots(ctx context.Context, date string, doctorID *uuid.UUID) (avail *Availability, err error) {
	ctx, span := tracer.Start(ctx, "scheduling.GetAvailableSlots", trace.WithAttributes(attribute.String("date", date)))
	defer func() { endSpan(span, err) }()

	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location()
	day, err := parseDate(date, loc)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	if reason := windowExclusion(cfg, day, now); reason != "" {
		s.metrics.ObserveAvailability(reason)
		return &Availability{Date: day.Format(dateLayout), Slots: []string{}, Reason: reason, Interval: cfg.SlotIntervalMinutes}, nil
	}

	booked, err := s.appointments.FindAppointments(ctx, AppointmentQuery{
		DoctorID:        doctorID,
		From:            day,
		To:              day.AddDate(0, 0, 1),
		ExcludeStatuses: []AppointmentStatus{StatusCancelled},
	})
	if err != nil {
		return nil, err
	}
	res := ResolveAvailability(cfg, day, booked, now)
	s.metrics.ObserveAvailability(res.Reason)
	span.SetAttributes(attribute.Int("slots", len(res.Slots)))
	return &res, nil
}

// -- Booking --

// BookAppointment creates an appointment for a patient or a staff member.
// Patient requests must fall on a generated slot inside the booking window;
// staff requests skip those checks. The overlap and same-day checks run for
// both under the doctor lock, together with the insert.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "scheduling.BookAppointment", trace.WithAttributes(
		attribute.String("doctor_id", req.DoctorID.String()),
		attribute.String("actor", string(req.Actor.Role)),
		attribute.String("type", string(req.Type)),
	))
	defer func() {
		s.metrics.ObserveBooking(string(req.Actor.Role), outcome(err))
		endSpan(span, err)
	}()

	if err := validateBookingRequest(&req); err != nil {
		return nil, err
	}
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location()
	day, err := parseDate(req.Date, loc)
	if err != nil {
		return nil, err
	}
	start, err := atClock(day, req.Time)
	if err != nil {
		return nil, newError(ErrInvalidInput, "%v", err)
	}
	now := s.clock.Now()

	if !req.Actor.IsStaff() {
		if err := checkPatientWindow(cfg, req, day, start, now); err != nil {
			return nil, err
		}
	}
	if err := s.checkDoctor(ctx, req.DoctorID); err != nil {
		return nil, err
	}

	appt = &Appointment{
		ID:               uuid.New(),
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		Type:             req.Type,
		Start:            start,
		End:              start.Add(cfg.duration(req.Type)),
		Status:           InitialStatus(req.Actor, cfg),
		CreatedByPatient: !req.Actor.IsStaff(),
	}
	if req.Notes != "" {
		notes := req.Notes
		appt.Notes = &notes
	}

	commitStart := time.Now()
	err = s.appointments.WithDoctorLock(ctx, req.DoctorID, func(ctx context.Context) error {
		if err := s.checkConflicts(ctx, cfg, appt); err != nil {
			return err
		}
		return s.appointments.Insert(ctx, appt)
	})
	s.metrics.ObserveCommit(outcome(err), time.Since(commitStart).Seconds())
	if err != nil {
		s.logger.Info().Err(err).
			Str("doctor_id", req.DoctorID.String()).
			Str("date", req.Date).Str("time", req.Time).
			Msg("booking rejected")
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", appt.DoctorID.String()).
		Str("status", string(appt.Status)).
		Time("start", appt.Start).
		Msg("appointment booked")
	return appt, nil
}

func validateBookingRequest(req *BookingRequest) error {
	if !req.Type.IsValid() {
		return newError(ErrUnknownType, "unknown appointment type %q", req.Type)
	}
	if req.Actor.Role != RoleStaff && req.Actor.Role != RolePatient {
		return newError(ErrInvalidInput, "unknown actor role %q", req.Actor.Role)
	}
	if req.Actor.Role == RolePatient {
		if req.PatientID == uuid.Nil {
			req.PatientID = req.Actor.PatientID
		}
		if req.PatientID != req.Actor.PatientID {
			return newError(ErrInvalidInput, "patients can only book for themselves")
		}
	}
	if req.PatientID == uuid.Nil {
		return newError(ErrInvalidInput, "patient_id is required")
	}
	if req.DoctorID == uuid.Nil {
		return newError(ErrInvalidInput, "doctor_id is required")
	}
	if utf8.RuneCountInString(req.Notes) > maxNotesLength {
		return newError(ErrInvalidInput, "notes exceed %d characters", maxNotesLength)
	}
	return nil
}

func checkPatientWindow(cfg *ScheduleConfig, req BookingRequest, day, start, now time.Time) error {
	if !cfg.AllowPatientBooking {
		return ErrBookingDisabled
	}
	if !cfg.IsBookable(req.Type) {
		return newError(ErrNotAllowedType, "%s cannot be booked online", req.Type)
	}
	if reason := windowExclusion(cfg, day, now); reason != "" {
		return newError(ErrOutOfWindow, "date is not bookable: %s", reason)
	}
	if !isGridSlot(cfg, day, req.Time) {
		return newError(ErrOutOfWindow, "%s is not an offered slot", req.Time)
	}
	if start.Before(earliestStart(cfg, now)) {
		return newError(ErrOutOfWindow, "appointments must be booked at least %d hours ahead", cfg.MinLeadHours)
	}
	return nil
}

func (s *Service) checkDoctor(ctx context.Context, doctorID uuid.UUID) error {
	active, err := s.doctors.IsActive(ctx, doctorID)
	if err != nil {
		if _, ok := AsError(err); ok {
			return err
		}
		return wrapError(ErrUnavailable, err)
	}
	if !active {
		return ErrDoctorInactive
	}
	return nil
}

// checkConflicts runs the overlap and same-day rules for appt against the
// doctor's stored appointments. It must run under the doctor lock.
func (s *Service) checkConflicts(ctx context.Context, cfg *ScheduleConfig, appt *Appointment) error {
	loc := cfg.Location()
	day := startOfDay(appt.Start, loc)
	// The window reaches one day back so that a long appointment started the
	// previous evening is still seen by the overlap check.
	from := day.AddDate(0, 0, -1)
	to := day.AddDate(0, 0, 1)
	if appt.End.After(to) {
		to = appt.End
	}
	existing, err := s.appointments.FindAppointments(ctx, AppointmentQuery{
		DoctorID:        &appt.DoctorID,
		From:            from,
		To:              to,
		ExcludeStatuses: []AppointmentStatus{StatusCancelled},
	})
	if err != nil {
		return err
	}
	if c := DetectConflict(existing, appt.DoctorID, appt.Start, appt.End, appt.ID); c != nil {
		return newError(ErrSlotConflict, "doctor is booked from %s to %s",
			c.Start.In(loc).Format(clockLayout), c.End.In(loc).Format(clockLayout))
	}
	if d := DetectSameDay(existing, appt.PatientID, appt.DoctorID, appt.Start, loc, appt.ID); d != nil {
		return ErrSameDayDuplicate
	}
	return nil
}

// -- Transitions --

// TransitionAppointment moves an appointment to target through the state
// machine. The write is conditional on the status read here, so two racing
// transitions cannot both apply.
func (s *Service) TransitionAppointment(ctx context.Context, id uuid.UUID, target AppointmentStatus, actor Actor, reason string) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "scheduling.TransitionAppointment", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
		attribute.String("to", string(target)),
	))
	defer func() {
		s.metrics.ObserveTransition(string(target), outcome(err))
		endSpan(span, err)
	}()

	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := CheckTransition(current, target, actor, now); err != nil {
		return nil, err
	}
	updated, err := s.appointments.UpdateStatus(ctx, id, current.Status, statusChange(target, actor, reason, now))
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", string(current.Status)).
		Str("to", string(target)).
		Str("actor", string(actor.Role)).
		Msg("appointment status changed")
	return updated, nil
}

// CancelAppointment is TransitionAppointment to cancelled.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	return s.TransitionAppointment(ctx, id, StatusCancelled, actor, reason)
}

// CompleteAppointment is TransitionAppointment to done.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.TransitionAppointment(ctx, id, StatusDone, actor, "")
}

// -- Staff edits --

// UpdateAppointment applies a staff edit. Changing the type, date, time or
// doctor recomputes the end and re-runs the conflict checks under the lock
// of the resulting doctor; a status change goes through the state machine.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, changes AppointmentChanges, actor Actor) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "scheduling.UpdateAppointment", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer func() { endSpan(span, err) }()

	if !actor.IsStaff() {
		return nil, newError(ErrForbiddenTransition, "only staff can edit appointments")
	}
	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, newError(ErrForbiddenTransition, "appointment is %s", current.Status)
	}
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	next := current.clone()
	if changes.Notes != nil {
		if utf8.RuneCountInString(*changes.Notes) > maxNotesLength {
			return nil, newError(ErrInvalidInput, "notes exceed %d characters", maxNotesLength)
		}
		notes := *changes.Notes
		next.Notes = &notes
	}
	if changes.Status != nil && *changes.Status != current.Status {
		if err := CheckTransition(current, *changes.Status, actor, now); err != nil {
			return nil, err
		}
		reason := ""
		if changes.Reason != nil {
			reason = *changes.Reason
		}
		statusChange(*changes.Status, actor, reason, now).apply(next)
	}
	if changes.reschedules() {
		if err := s.reschedule(ctx, cfg, next, changes); err != nil {
			return nil, err
		}
	}

	save := func(ctx context.Context) error {
		if changes.reschedules() && next.Occupies() {
			if err := s.checkConflicts(ctx, cfg, next); err != nil {
				return err
			}
		}
		updated, err := s.appointments.Update(ctx, next, current.VersionID)
		if err != nil {
			return err
		}
		appt = updated
		return nil
	}
	if changes.reschedules() {
		err = s.appointments.WithDoctorLock(ctx, next.DoctorID, save)
	} else {
		err = save(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("appointment_id", id.String()).Msg("appointment updated")
	return appt, nil
}

func (s *Service) reschedule(ctx context.Context, cfg *ScheduleConfig, next *Appointment, changes AppointmentChanges) error {
	loc := cfg.Location()
	if changes.Type != nil {
		if !changes.Type.IsValid() {
			return newError(ErrUnknownType, "unknown appointment type %q", *changes.Type)
		}
		next.Type = *changes.Type
	}
	if changes.DoctorID != nil && *changes.DoctorID != next.DoctorID {
		if *changes.DoctorID == uuid.Nil {
			return newError(ErrInvalidInput, "doctor_id is required")
		}
		if err := s.checkDoctor(ctx, *changes.DoctorID); err != nil {
			return err
		}
		next.DoctorID = *changes.DoctorID
	}
	date := next.Start.In(loc).Format(dateLayout)
	if changes.Date != nil {
		date = *changes.Date
	}
	hhmm := next.Start.In(loc).Format(clockLayout)
	if changes.Time != nil {
		hhmm = *changes.Time
	}
	day, err := parseDate(date, loc)
	if err != nil {
		return err
	}
	start, err := atClock(day, hhmm)
	if err != nil {
		return newError(ErrInvalidInput, "%v", err)
	}
	next.Start = start
	next.End = start.Add(cfg.duration(next.Type))
	return nil
}

// -- Queries --

// GetAppointment returns one appointment. Patients only see their own.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RolePatient && a.PatientID != actor.PatientID {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.List(ctx, f, limit, offset)
}

// today returns the bounds of the clinic's current calendar day.
func (s *Service) today(ctx context.Context) (time.Time, time.Time, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := startOfDay(s.clock.Now(), cfg.Location())
	return start, start.AddDate(0, 0, 1), nil
}

// TodayAppointments lists today's appointments ordered by start.
func (s *Service) TodayAppointments(ctx context.Context) ([]*Appointment, error) {
	from, to, err := s.today(ctx)
	if err != nil {
		return nil, err
	}
	return s.appointments.FindAppointments(ctx, AppointmentQuery{From: from, To: to})
}

// PendingAppointments lists upcoming appointments awaiting confirmation.
func (s *Service) PendingAppointments(ctx context.Context) ([]*Appointment, error) {
	return s.appointments.FindAppointments(ctx, AppointmentQuery{
		From:     s.clock.Now(),
		Statuses: []AppointmentStatus{StatusPending},
		Limit:    PendingLimit,
	})
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	from, to, err := s.today(ctx)
	if err != nil {
		return nil, err
	}
	var st Stats
	counts := []struct {
		dst *int
		q   AppointmentQuery
	}{
		{&st.Total, AppointmentQuery{}},
		{&st.Today, AppointmentQuery{From: from, To: to}},
		{&st.Pending, AppointmentQuery{Statuses: []AppointmentStatus{StatusPending}}},
		{&st.Completed, AppointmentQuery{Statuses: []AppointmentStatus{StatusDone}}},
	}
	for _, c := range counts {
		n, err := s.appointments.Count(ctx, c.q)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	return &st, nil
}

// AppointmentTypes returns the type and status catalogue with the subset
// patients may book online.
func (s *Service) AppointmentTypes(ctx context.Context) (*TypeCatalog, error) {
	cfg, err := s.config(ctx)
	if err != nil {
		return nil, err
	}
	cat := &TypeCatalog{}
	for _, t := range appointmentTypes {
		cat.Types = append(cat.Types, Label{Value: string(t), Label: t.Label()})
	}
	for _, st := range appointmentStatuses {
		cat.Statuses = append(cat.Statuses, Label{Value: string(st), Label: st.Label()})
	}
	cat.Bookable = []string{}
	for _, t := range cfg.BookableTypes {
		cat.Bookable = append(cat.Bookable, string(t))
	}
	return cat, nil
}

// -- Settings --

func (s *Service) ScheduleSettings(ctx context.Context) (*ScheduleConfig, error) {
	return s.config(ctx)
}

// UpdateScheduleSettings validates and stores a new config. Existing
// appointments are not re-checked against it.
func (s *Service) UpdateScheduleSettings(ctx context.Context, cfg *ScheduleConfig) (*ScheduleConfig, error) {
	if cfg == nil {
		return nil, newError(ErrInvalidInput, "config is required")
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.configs.Save(ctx, cfg); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, wrapError(ErrUnavailable, err)
	}
	s.logger.Info().Msg("schedule settings updated")
	return s.config(ctx)
}
