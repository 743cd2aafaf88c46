package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_PipelineMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}, NoRuntime: true})
	observability.Init(p.Registerer())

	observability.ObserveTile("fetch", "downloaded", 15*time.Millisecond)
	observability.ObserveTile("fetch", "absent", 0)
	observability.ObserveTile("load", "loaded", 40*time.Millisecond)
	observability.AddFetchBytes(1024)
	observability.AddRecordsLoaded(13, 7)
	observability.SetProgress("load", 1, 25)
	observability.IncNotifyDropped()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`contour_stage_duration_seconds_bucket`,
		`contour_fetch_bytes_total `,
		`contour_progress_total{stage="load"} 25`,
		`contour_notify_dropped_total `,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "contour_tiles_total",
		`stage="fetch"`, `outcome="downloaded"`)
	assertHasMetricLine(t, body, "contour_tiles_total",
		`stage="fetch"`, `outcome="absent"`)
	assertHasMetricLine(t, body, "contour_records_loaded_total",
		`zoom="13"`)
	assertHasMetricLine(t, body, "app_build_info",
		`version="test"`)
}
