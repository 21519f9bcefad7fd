package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// slowHandler waits for d or for the request context, whichever comes first.
func slowHandler(d time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		select {
		case <-time.After(d):
			return c.NoContent(http.StatusOK)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	notFound := echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	tests := []struct {
		name     string
		timeout  time.Duration
		handler  echo.HandlerFunc
		wantCode int
		wantErr  error
	}{
		{"fast handler", time.Second, slowHandler(0), http.StatusOK, nil},
		{"deadline passes", 20 * time.Millisecond, slowHandler(5 * time.Second), http.StatusGatewayTimeout, nil},
		{"handler error kept", time.Second, func(c echo.Context) error { return notFound }, 0, notFound},
		{"disabled", 0, func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				return errors.New("unexpected deadline")
			}
			return c.NoContent(http.StatusOK)
		}, http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/availability", nil), rec)

			err := RequestTimeout(tt.timeout)(tt.handler)(c)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestRequestTimeout_BodyMatchesEngineErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/appointments", nil), rec)

	if err := RequestTimeout(10*time.Millisecond)(slowHandler(time.Second))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "timeout" || body.Kind != "unavailable" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestRequestTimeout_SetsDeadline(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	var deadline time.Time
	_ = RequestTimeout(30*time.Second)(func(c echo.Context) error {
		deadline, _ = c.Request().Context().Deadline()
		return nil
	})(c)
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 30*time.Second {
		t.Errorf("expected a deadline within 30s, got %v", remaining)
	}
}

// A handler that overruns the deadline and writes anyway must write into its
// own response only. Run with -race.
func TestRequestTimeout_LateWriteStaysOnItsRequest(t *testing.T) {
	e := echo.New()
	e.Use(RequestTimeout(10 * time.Millisecond))
	e.POST("/api/v1/appointments", func(c echo.Context) error {
		time.Sleep(50 * time.Millisecond)
		return c.JSON(http.StatusCreated, map[string]string{"appointment": "a-1"})
	})
	e.GET("/api/v1/availability", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	slow := httptest.NewRecorder()
	e.ServeHTTP(slow, httptest.NewRequest(http.MethodPost, "/api/v1/appointments", nil))

	fast := httptest.NewRecorder()
	e.ServeHTTP(fast, httptest.NewRequest(http.MethodGet, "/api/v1/availability", nil))

	if slow.Code != http.StatusCreated {
		t.Errorf("overrunning handler owns its response, got %d", slow.Code)
	}
	if fast.Code != http.StatusOK || fast.Body.String() != "ok" {
		t.Errorf("second request got %d %q", fast.Code, fast.Body.String())
	}
}

func TestRequestTimeout_KeepsMappedErrors(t *testing.T) {
	unavailable := echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable").
		SetInternal(context.DeadlineExceeded)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := RequestTimeout(time.Second)(func(c echo.Context) error { return unavailable })(c)
	if err != unavailable {
		t.Errorf("expected the handler's 503 to pass through, got %v", err)
	}
}
