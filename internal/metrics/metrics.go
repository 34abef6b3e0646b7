package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttentionLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_launches_total",
		Help: "Total number of attention forward launches",
	}, []string{"mode"})

	AttentionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_duration_seconds",
		Help:    "Wall time of attention forward launches",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	GridPrograms = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_grid_programs",
		Help:    "Number of grid programs per launch",
		Buckets: []float64{1, 8, 32, 128, 512, 2048, 8192, 32768},
	})

	ProgramEarlyExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_program_early_exits_total",
		Help: "Programs that terminated before the accumulation loop",
	}, []string{"reason"})

	NaNRowsCorrected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_nan_rows_corrected_total",
		Help: "Output rows zeroed after an all-masked softmax produced NaN",
	})

	MaskedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_masked_rows_total",
		Help: "Query rows written as zero with +Inf log-sum-exp",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_validation_errors_total",
		Help: "Precondition violations rejected before any program ran",
	}, []string{"check"})

	GQARatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_gqa_ratio",
		Help:    "Query head count over KV head count per launch",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})

	HeadDimPadded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_head_dim_padded_total",
		Help: "Launches whose head dimension required padding",
	})

	FlightRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_flight_requests_total",
		Help: "Attention requests served over Arrow Flight",
	}, []string{"status"})
)

// ObserveLaunch records one completed forward launch.
func ObserveLaunch(mode string, programs int, elapsed time.Duration) {
	AttentionLaunchesTotal.WithLabelValues(mode).Inc()
	AttentionDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	GridPrograms.Observe(float64(programs))
}

// RecordValidationError tags a rejected launch with the failing check.
func RecordValidationError(check string) {
	ValidationErrors.WithLabelValues(check).Inc()
}
