package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/contour-pipeline/internal/metrics"
	"github.com/mohammed-shakir/contour-pipeline/internal/progress"
)

func TestRouter_Endpoints(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := metrics.Init(metrics.Config{Build: metrics.BuildInfo{Version: "t"}, NoRuntime: true})
	rep := progress.New(log, time.Hour)
	rep.Start("load", 4)

	srv := httptest.NewServer(Router(log, p.Handler(), rep))
	defer srv.Close()

	for path, want := range map[string]string{
		"/healthz":  "ok",
		"/metrics":  "app_build_info",
		"/progress": `"stage":"load"`,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d", path, resp.StatusCode)
		}
		if !strings.Contains(string(body), want) {
			t.Fatalf("GET %s body=%s want %q", path, body, want)
		}
	}
}
