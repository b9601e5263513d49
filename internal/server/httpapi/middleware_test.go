package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/metrics"
)

func TestRecover_CatchesPanic(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(Recover(zaptest.NewLogger(t)))
	r.GET("/boom", func(*gin.Context) { panic("oh no") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRecover_PassesAbortHandler(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(Recover(zaptest.NewLogger(t)))
	r.GET("/abort", func(*gin.Context) { panic(http.ErrAbortHandler) })

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
	})
}

func TestLoggingAndInstrument(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	r := gin.New()
	r.Use(Logging(zaptest.NewLogger(t)), Instrument(m))
	r.GET("/ok/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })
	r.NoRoute(func(c *gin.Context) { c.AbortWithStatus(http.StatusForbidden) })

	for _, p := range []string{"/ok/1", "/ok/2", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	// one series per route template, unmatched paths share one
	require.Equal(t, 2, testutil.CollectAndCount(m.Registry(), "pushrelay_http_requests_total"))
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	cases := map[error]int{
		errs.ErrMalformed:                     http.StatusBadRequest,
		errs.ErrUnauthorized:                  http.StatusUnauthorized,
		errs.ErrForbidden:                     http.StatusForbidden,
		fmt.Errorf("x: %w", errs.ErrNotFound): http.StatusNotFound,
		errs.ErrUnavailable:                   http.StatusServiceUnavailable,
		errs.ErrConflict:                      http.StatusServiceUnavailable,
		errors.New("boom"):                    http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusOf(err), err.Error())
	}
}
