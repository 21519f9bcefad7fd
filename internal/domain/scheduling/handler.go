package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/booking/internal/platform/auth"
	"github.com/clinic/booking/pkg/pagination"
)

// StaffRoles are the token roles that act as clinic staff.
var StaffRoles = []string{"admin", "staff", "doctor", "receptionist"}

// PatientRole is the token role for patients booking for themselves.
const PatientRole = "patient"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public: authentication is skipped for these paths.
	api.GET("/availability", h.GetAvailability)
	api.GET("/appointment-types", h.GetAppointmentTypes)
	api.GET("/settings/schedule", h.GetScheduleSettings)

	member := api.Group("", auth.RequireRole(append([]string{PatientRole}, StaffRoles...)...))
	member.POST("/appointments", h.BookAppointment)
	member.GET("/appointments/:id", h.GetAppointment)
	member.POST("/appointments/:id/transition", h.TransitionAppointment)
	member.PUT("/appointments/:id/cancel", h.CancelAppointment)

	staff := api.Group("", auth.RequireRole(StaffRoles...))
	staff.GET("/appointments", h.ListAppointments)
	staff.GET("/appointments/today", h.TodayAppointments)
	staff.GET("/appointments/pending", h.PendingAppointments)
	staff.GET("/appointments/stats", h.GetStats)
	staff.PUT("/appointments/:id", h.UpdateAppointment)
	staff.PUT("/appointments/:id/complete", h.CompleteAppointment)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.PUT("/settings/schedule", h.UpdateScheduleSettings)
}

// ActorFromContext resolves the caller from the token roles. Any staff role wins
// over the patient role.
func ActorFromContext(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	roles := auth.RolesFromContext(ctx)
	for _, r := range roles {
		for _, staff := range StaffRoles {
			if r == staff {
				return StaffActor(auth.UserIDFromContext(ctx)), nil
			}
		}
	}
	for _, r := range roles {
		if r == PatientRole {
			pid, err := uuid.Parse(auth.PatientIDFromContext(ctx))
			if err != nil {
				return Actor{}, echo.NewHTTPError(http.StatusForbidden, "token carries no patient id")
			}
			return PatientActor(pid), nil
		}
	}
	return Actor{}, echo.NewHTTPError(http.StatusForbidden, "no booking role")
}

type errorBody struct {
	Error   string    `json:"error"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

var kindStatus = map[ErrorKind]int{
	KindValidation:          http.StatusBadRequest,
	KindPolicyViolation:     http.StatusUnprocessableEntity,
	KindConflict:            http.StatusConflict,
	KindForbiddenTransition: http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindUnavailable:         http.StatusServiceUnavailable,
}

// RetryAfterSeconds is advertised on 503 responses.
const RetryAfterSeconds = 2

// writeError converts engine errors into HTTP errors with a JSON body.
func writeError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	e, ok := AsError(err)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	status, ok := kindStatus[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if e.Kind == KindUnavailable {
		c.Response().Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return echo.NewHTTPError(status, errorBody{Error: e.Code, Kind: e.Kind, Message: msg}).SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, writeError(c, newError(ErrInvalidInput, "invalid appointment id"))
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, writeError(c, newError(ErrInvalidInput, "invalid %s", name))
	}
	return &id, nil
}

// -- Availability --

func (h *Handler) GetAvailability(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		return writeError(c, newError(ErrInvalidInput, "date is required"))
	}
	doctorID, err := optionalUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	avail, err := h.svc.GetAvailableSlots(c.Request().Context(), date, doctorID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, avail)
}

// -- Appointments --

func (h *Handler) BookAppointment(c echo.Context) error {
	actor, err := ActorFromContext(c)
	if err != nil {
		return err
	}
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, newError(ErrInvalidInput, "malformed request body"))
	}
	req.Actor = actor
	appt, err := h.svc.BookAppointment(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	actor, err := ActorFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id, actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	var err error
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.DoctorID, err = optionalUUID(c, "doctor_id"); err != nil {
		return err
	}
	if v := c.QueryParam("status"); v != "" {
		st := AppointmentStatus(v)
		if !st.IsValid() {
			return writeError(c, newError(ErrInvalidInput, "unknown status %q", v))
		}
		f.Status = &st
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return writeError(c, newError(ErrInvalidInput, "%s must be RFC 3339", name))
			}
			*dst = t
		}
	}
	items, total, err := h.svc.ListAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(nonNil(items), total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, pg.Filters))
}

func (h *Handler) TodayAppointments(c echo.Context) error {
	items, err := h.svc.TodayAppointments(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) PendingAppointments(c echo.Context) error {
	items, err := h.svc.PendingAppointments(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func nonNil(items []*Appointment) []*Appointment {
	if items == nil {
		return []*Appointment{}
	}
	return items
}

func (h *Handler) GetStats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

type transitionRequest struct {
	Status AppointmentStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

func (h *Handler) TransitionAppointment(c echo.Context) error {
	actor, err := ActorFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, newError(ErrInvalidInput, "malformed request body"))
	}
	appt, err := h.svc.TransitionAppointment(c.Request().Context(), id, req.Status, actor, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	actor, err := ActorFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, newError(ErrInvalidInput, "malformed request body"))
	}
	appt, err := h.svc.CancelAppointment(c.Request().Context(), id, actor, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	actor, err := ActorFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.CompleteAppointment(c.Request().Context(), id, actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	actor, err := ActorFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var changes AppointmentChanges
	if err := c.Bind(&changes); err != nil {
		return writeError(c, newError(ErrInvalidInput, "malformed request body"))
	}
	appt, err := h.svc.UpdateAppointment(c.Request().Context(), id, changes, actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

// -- Catalogue and settings --

func (h *Handler) GetAppointmentTypes(c echo.Context) error {
	cat, err := h.svc.AppointmentTypes(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, cat)
}

func (h *Handler) GetScheduleSettings(c echo.Context) error {
	cfg, err := h.svc.ScheduleSettings(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, cfg.Public())
}

func (h *Handler) UpdateScheduleSettings(c echo.Context) error {
	var cfg ScheduleConfig
	if err := c.Bind(&cfg); err != nil {
		return writeError(c, newError(ErrInvalidInput, "malformed request body"))
	}
	saved, err := h.svc.UpdateScheduleSettings(c.Request().Context(), &cfg)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, saved)
}
