package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.SamplesAccepted.WithLabelValues("poll"))
	RecordSampleAccepted("poll")
	assert.Equal(t, before+1, testutil.ToFloat64(DefaultMetrics.SamplesAccepted.WithLabelValues("poll")))

	RecordPoolSubscription(2)
	RecordPoolSubscription(-1)
	SetStaleTokens(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(DefaultMetrics.StaleTokens))

	sharedBefore := testutil.ToFloat64(DefaultMetrics.EvaluationsShared)
	RecordEvaluation(true)
	assert.Equal(t, sharedBefore+1, testutil.ToFloat64(DefaultMetrics.EvaluationsShared))

	RecordHTTPRequest("GET", "/v1/alerts", "200", 0.01)
	assert.Equal(t, 1, testutil.CollectAndCount(DefaultMetrics.HTTPRequests, "rugshield_api_request_duration_seconds"))
}

func TestHandler_ExposesNamespace(t *testing.T) {
	RecordAlert("swap_failed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rugshield_protection_alerts_total"))
}
