package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/booking/internal/platform/auth"
)

// testIdentity stands in for the JWT middleware: it reads the caller from
// X-Test-Roles and X-Test-Patient.
func testIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if roles := c.Request().Header.Get("X-Test-Roles"); roles != "" {
			ctx = context.WithValue(ctx, auth.UserIDKey, "user-1")
			ctx = context.WithValue(ctx, auth.UserRolesKey, strings.Split(roles, ","))
		}
		ctx = context.WithValue(ctx, auth.PatientIDKey, c.Request().Header.Get("X-Test-Patient"))
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func newTestRouter(svc *Service) *echo.Echo {
	e := echo.New()
	e.Use(testIdentity)
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

type caller struct {
	roles   string
	patient uuid.UUID
}

var (
	anonymous = caller{}
	staff     = caller{roles: "staff"}
	admin     = caller{roles: "admin"}
)

func patientCaller(id uuid.UUID) caller { return caller{roles: "patient", patient: id} }

func do(t *testing.T, e *echo.Echo, who caller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if who.roles != "" {
		req.Header.Set("X-Test-Roles", who.roles)
	}
	if who.patient != uuid.Nil {
		req.Header.Set("X-Test-Patient", who.patient.String())
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandler_GetAvailability(t *testing.T) {
	env := newTestEnv(t)
	e := newTestRouter(env.svc)

	rec := do(t, e, anonymous, http.MethodGet, "/api/v1/availability?date=2030-01-08", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var avail Availability
	if err := json.Unmarshal(rec.Body.Bytes(), &avail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(avail.Slots) != 18 || avail.Interval != 30 {
		t.Errorf("unexpected availability %+v", avail)
	}

	rec = do(t, e, anonymous, http.MethodGet, "/api/v1/availability", "")
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != "invalid_input" {
		t.Errorf("expected 400 invalid_input, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, anonymous, http.MethodGet, "/api/v1/availability?date=2030-01-08&doctor_id=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad doctor_id, got %d", rec.Code)
	}
}

func TestHandler_BookAppointment(t *testing.T) {
	env := newTestEnv(t)
	e := newTestRouter(env.svc)
	patient := uuid.New()

	body := `{"doctor_id":"` + env.doctor.String() + `","type":"checkup","date":"2030-01-08","time":"10:00","notes":"first visit"}`
	rec := do(t, e, patientCaller(patient), http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var a Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.PatientID != patient || a.Status != StatusPending {
		t.Errorf("unexpected appointment %+v", a)
	}

	other := `{"doctor_id":"` + env.doctor.String() + `","type":"checkup","date":"2030-01-08","time":"10:00"}`
	rec = do(t, e, patientCaller(uuid.New()), http.MethodPost, "/api/v1/appointments", other)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if b := decodeError(t, rec); b.Error != "slot_conflict" || b.Kind != KindConflict {
		t.Errorf("unexpected body %+v", b)
	}

	implant := `{"doctor_id":"` + env.doctor.String() + `","type":"implant","date":"2030-01-08","time":"11:00"}`
	rec = do(t, e, patientCaller(uuid.New()), http.MethodPost, "/api/v1/appointments", implant)
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec).Error != "not_allowed_type" {
		t.Errorf("expected 422 not_allowed_type, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, patientCaller(uuid.New()), http.MethodPost, "/api/v1/appointments", `{"type":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}

	rec = do(t, e, anonymous, http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without a role, got %d", rec.Code)
	}

	rec = do(t, e, caller{roles: "patient"}, http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a patient token without patient id, got %d", rec.Code)
	}
}

func TestHandler_AppointmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	e := newTestRouter(env.svc)
	patient := uuid.New()
	a := env.book(t, PatientActor(patient), uuid.Nil, TypeCheckup, "2030-01-08", "10:00")
	path := "/api/v1/appointments/" + a.ID.String()

	rec := do(t, e, patientCaller(uuid.New()), http.MethodGet, path, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("other patients must get 404, got %d", rec.Code)
	}

	rec = do(t, e, patientCaller(patient), http.MethodPost, path+"/transition", `{"status":"confirmed"}`)
	if rec.Code != http.StatusForbidden || decodeError(t, rec).Kind != KindForbiddenTransition {
		t.Errorf("patients cannot confirm, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, staff, http.MethodPost, path+"/transition", `{"status":"confirmed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("staff confirm: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, patientCaller(patient), http.MethodPut, path+"/cancel", `{"reason":"travelling"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patient cancel: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, staff, http.MethodPut, path+"/complete", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("completing a cancelled appointment: expected 403, got %d", rec.Code)
	}

	rec = do(t, e, staff, http.MethodGet, "/api/v1/appointments/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestHandler_StaffRoutes(t *testing.T) {
	env := newTestEnv(t)
	e := newTestRouter(env.svc)
	a := env.book(t, StaffActor("desk"), uuid.New(), TypeCheckup, "2030-01-07", "12:00")
	env.book(t, PatientActor(uuid.New()), uuid.Nil, TypeCheckup, "2030-01-08", "10:00")

	rec := do(t, e, patientCaller(uuid.New()), http.MethodGet, "/api/v1/appointments", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("patients cannot list, got %d", rec.Code)
	}

	rec = do(t, e, staff, http.MethodGet, "/api/v1/appointments?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data  []Appointment `json:"data"`
		Total int           `json:"total"`
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || page.Links.Next == "" {
		t.Errorf("unexpected page %+v", page)
	}

	// Following the next link keeps the doctor filter.
	rec = do(t, e, staff, http.MethodGet, "/api/v1/appointments?doctor_id="+env.doctor.String()+"&limit=1", "")
	page.Links.Next = ""
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(page.Links.Next, "doctor_id="+env.doctor.String()) || len(page.Data) != 1 {
		t.Fatalf("next link dropped the filter: %q", page.Links.Next)
	}
	first := page.Data[0].ID
	rec = do(t, e, staff, http.MethodGet, page.Links.Next, "")
	page.Data = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || page.Total != 2 || len(page.Data) != 1 || page.Data[0].ID == first {
		t.Errorf("unexpected second page %d %+v", rec.Code, page)
	}

	rec = do(t, e, staff, http.MethodGet, "/api/v1/appointments?status=archived", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}

	for _, p := range []string{"/api/v1/appointments/today", "/api/v1/appointments/pending", "/api/v1/appointments/stats"} {
		if rec := do(t, e, staff, http.MethodGet, p, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s: %d", p, rec.Code)
		}
	}

	rec = do(t, e, staff, http.MethodPut, "/api/v1/appointments/"+a.ID.String(), `{"date":"2030-01-08","time":"10:00"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("rescheduling onto a booked slot: expected 409, got %d", rec.Code)
	}

	rec = do(t, e, staff, http.MethodPut, "/api/v1/appointments/"+a.ID.String(), `{"time":"15:00"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("rescheduling onto a free slot: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Settings(t *testing.T) {
	env := newTestEnv(t)
	e := newTestRouter(env.svc)

	rec := do(t, e, anonymous, http.MethodGet, "/api/v1/settings/schedule", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("public settings: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "duration_by_type") {
		t.Error("public settings leak internal fields")
	}

	rec = do(t, e, anonymous, http.MethodGet, "/api/v1/appointment-types", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("appointment types: %d", rec.Code)
	}

	cfg := DefaultScheduleConfig()
	cfg.MaxHorizonDays = 30
	payload, _ := json.Marshal(cfg)

	rec = do(t, e, staff, http.MethodPut, "/api/v1/settings/schedule", string(payload))
	if rec.Code != http.StatusForbidden {
		t.Errorf("staff cannot change settings, got %d", rec.Code)
	}

	rec = do(t, e, admin, http.MethodPut, "/api/v1/settings/schedule", string(payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin update: %d %s", rec.Code, rec.Body.String())
	}

	cfg.SlotIntervalMinutes = -5
	payload, _ = json.Marshal(cfg)
	rec = do(t, e, admin, http.MethodPut, "/api/v1/settings/schedule", string(payload))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid config: expected 400, got %d", rec.Code)
	}
}

type failingConfigStore struct{}

func (failingConfigStore) Get(context.Context) (*ScheduleConfig, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (failingConfigStore) Save(context.Context, *ScheduleConfig) error {
	return errors.New("dial tcp: connection refused")
}

func TestHandler_UnavailableSetsRetryAfter(t *testing.T) {
	svc := NewService(NewMemoryAppointmentRepo(), failingConfigStore{}, NewMemoryDoctorDirectory(true))
	e := newTestRouter(svc)

	rec := do(t, e, anonymous, http.MethodGet, "/api/v1/availability?date=2030-01-08", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if b := decodeError(t, rec); b.Kind != KindUnavailable {
		t.Errorf("unexpected body %+v", b)
	}
}
