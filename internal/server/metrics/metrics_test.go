package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordS3Operation(t *testing.T) {
	before := testutil.ToFloat64(s3OperationsTotal.WithLabelValues("HeadBucket", "error"))
	RecordS3Operation("HeadBucket", 5*time.Millisecond, false)
	after := testutil.ToFloat64(s3OperationsTotal.WithLabelValues("HeadBucket", "error"))
	assert.Equal(t, before+1, after)
}

func TestTransferGauge(t *testing.T) {
	before := testutil.ToFloat64(transfersActive)
	TransferStarted("copy")
	assert.Equal(t, before+1, testutil.ToFloat64(transfersActive))
	TransferFinished("copy", "succeeded")
	assert.Equal(t, before, testutil.ToFloat64(transfersActive))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/transfers/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/transfers/{token}", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transfers/abc", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/transfers/{token}", "404")))
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notebookhub_transfers_active")
}
