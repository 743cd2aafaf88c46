package health

import (
	"encoding/json"
	"net/http"

	"github.com/mohammed-shakir/contour-pipeline/internal/progress"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ProgressSource interface {
	Snapshot() []progress.StageSnapshot
}

// Progress reports per-stage counts for the current run as JSON.
func Progress(src ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status string                   `json:"status"`
			Stages []progress.StageSnapshot `json:"stages"`
		}
		out := resp{Status: "idle", Stages: src.Snapshot()}
		for _, s := range out.Stages {
			if s.Done < s.Total {
				out.Status = "running"
				break
			}
		}
		if out.Stages == nil {
			out.Stages = []progress.StageSnapshot{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
