package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"audioscribe/internal/cost"
	"audioscribe/internal/models"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.UploadAccepted()
	m.UploadRejected("FILE_TOO_LARGE")
	m.SetInflight(3)
	m.JobFinished(models.JobStatusCompleted)
	m.Transcribed(1, "TIMEOUT")
	m.OnRecord(cost.Estimate{Cost: 1}, models.UsageEntry{}, models.UsageEntry{})
}

func TestHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.UploadAccepted()
	m.UploadRejected("SERVICE_UNAVAILABLE")
	m.OnAlert(models.BudgetAlert{Level: models.AlertWarning})
	m.OnRecord(cost.Estimate{Cost: 0.06}, models.UsageEntry{Cost: 0.06}, models.UsageEntry{Cost: 0.06})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		"audioscribe_uploads_accepted_total 1",
		`audioscribe_uploads_rejected_total{code="SERVICE_UNAVAILABLE"} 1`,
		`audioscribe_budget_alerts_total{level="WARNING"} 1`,
		"audioscribe_daily_spend_dollars 0.06",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
