package observability

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contour_tiles_total",
			Help: "Tiles processed per pipeline stage by outcome.",
		},
		[]string{"stage", "outcome"},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contour_stage_duration_seconds",
			Help:    "Duration of one tile's work in a stage.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"stage"},
	)

	fetchBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contour_fetch_bytes_total",
			Help: "Raster bytes written into the tile cache.",
		},
	)

	recordsLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contour_records_loaded_total",
			Help: "Contour records appended per zoom table.",
		},
		[]string{"zoom"},
	)

	progressDone = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contour_progress_done",
			Help: "Tiles finished in the current stage run.",
		},
		[]string{"stage"},
	)

	progressTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contour_progress_total",
			Help: "Tiles scheduled in the current stage run.",
		},
		[]string{"stage"},
	)

	notifyDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contour_notify_dropped_total",
			Help: "Load notifications dropped because the queue was full.",
		},
	)

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contour_ledger_op_total",
			Help: "Ledger operations by op and result.",
		},
		[]string{"op", "result"},
	)
)

var initMu sync.Mutex

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		tilesTotal, stageDurationSeconds, fetchBytesTotal, recordsLoaded,
		progressDone, progressTotal, notifyDropped, ledgerOps,
	}
}

// Init registers the pipeline collectors on reg. Collectors record even when
// never registered, so components can be used without a registry.
func Init(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	initMu.Lock()
	defer initMu.Unlock()
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveTile(stage, outcome string, d time.Duration) {
	tilesTotal.WithLabelValues(stage, outcome).Inc()
	if d > 0 {
		stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func AddFetchBytes(n int64) {
	if n > 0 {
		fetchBytesTotal.Add(float64(n))
	}
}

func AddRecordsLoaded(zoom, n int) {
	if n > 0 {
		recordsLoaded.WithLabelValues(strconv.Itoa(zoom)).Add(float64(n))
	}
}

func SetProgress(stage string, done, total int) {
	progressDone.WithLabelValues(stage).Set(float64(done))
	progressTotal.WithLabelValues(stage).Set(float64(total))
}

func IncNotifyDropped() {
	notifyDropped.Inc()
}

func ObserveLedgerOp(op string, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	ledgerOps.WithLabelValues(op, res).Inc()
}
