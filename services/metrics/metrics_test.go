package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(EchoMiddleware())
	e.GET("/v1/students/:id", func(c echo.Context) error {
		if c.Param("id") == "0" {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		return c.NoContent(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/v1/students/:id", "200"))
	notFound := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/v1/students/:id", "404"))

	for _, path := range []string{"/v1/students/1", "/v1/students/2", "/v1/students/0"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, before+2, testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/v1/students/:id", "200")))
	assert.Equal(t, notFound+1, testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/v1/students/:id", "404")))
	assert.Equal(t, float64(0), testutil.ToFloat64(httpInFlight))
}

func TestRecorders(t *testing.T) {
	RecordPayment("M-Pesa")
	RecordMpesaCallback("paid")
	RecordReminder("email", "sent")
	RecordJobRun("reminders", 20*time.Millisecond, true)
	RecordJobRun("reminders", 0, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(jobRuns.WithLabelValues("reminders", "false")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(paymentsRecorded.WithLabelValues("M-Pesa")), float64(1))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{"karo_payments_recorded_total", "karo_mpesa_callbacks_total", "karo_jobs_run_duration_seconds", "go_goroutines"} {
		assert.True(t, strings.Contains(body, name), name)
	}
}
