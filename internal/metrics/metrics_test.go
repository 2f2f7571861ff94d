package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sakif/damaijiwa/internal/model"
)

// gatherValue returns the counter or gauge value of the series in family name
// whose labels include every pair in labels.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			have := make(map[string]string)
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestRecordTurn(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTurn(model.CategoryKeluarga, model.RoleUser)
	c.RecordTurn(model.CategoryKeluarga, model.RoleUser)
	c.RecordTurn(model.CategoryKeluarga, model.RoleModel)

	if got := gatherValue(t, reg, "damaijiwa_turns_total", map[string]string{"category": "Keluarga", "role": "user"}); got != 2 {
		t.Errorf("user turns = %v, want 2", got)
	}
	if got := gatherValue(t, reg, "damaijiwa_turns_total", map[string]string{"category": "Keluarga", "role": "model"}); got != 1 {
		t.Errorf("model turns = %v, want 1", got)
	}
}

func TestRecordGeneration_Outcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGeneration(model.CategoryTrauma, 300*time.Millisecond, nil)
	c.RecordGeneration(model.CategoryTrauma, 2*time.Second, errors.New("boom"))

	if got := gatherValue(t, reg, "damaijiwa_generations_total", map[string]string{"outcome": "ok"}); got != 1 {
		t.Errorf("ok generations = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "damaijiwa_generations_total", map[string]string{"outcome": "error"}); got != 1 {
		t.Errorf("failed generations = %v, want 1", got)
	}
}

func TestStreamsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.StreamOpened()
	c.StreamOpened()
	c.StreamClosed()

	if got := gatherValue(t, reg, "damaijiwa_streams_connected", nil); got != 1 {
		t.Errorf("streams = %v, want 1", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHTTPRequest("/api/me", http.MethodGet, http.StatusOK, 5*time.Millisecond)
	c.RecordRateLimited("turn")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`damaijiwa_http_requests_total{method="GET",route="/api/me",status="200"} 1`,
		`damaijiwa_rate_limited_total{limit="turn"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}
