package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorsRegisterAndServe(t *testing.T) {
	s := New()
	s.EventsTotal.WithLabelValues("github", "new").Inc()
	s.RunsTotal.WithLabelValues("ok").Add(2)
	s.StepDuration.WithLabelValues("fetch_pr", "ok").Observe(0.2)
	s.RunCostUSD.WithLabelValues("review-basic").Add(0.004)
	s.QueueDepth.Set(3)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`autopr_events_total{dedup="new",source="github"} 1`,
		`autopr_runs_total{status="ok"} 2`,
		`autopr_run_cost_usd_total{workflow="review-basic"} 0.004`,
		`autopr_ingress_queue_depth 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestIsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.RunsTotal.WithLabelValues("failed").Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), `autopr_runs_total{status="failed"}`) {
		t.Fatalf("registries leak between instances")
	}
}
