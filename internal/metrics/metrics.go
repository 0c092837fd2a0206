package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sourceUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sigforge_source_updates_total",
		Help: "Source update attempts by result (changed, unchanged, failed)",
	}, []string{"result"})
	parseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sigforge_rules_parse_errors_total",
		Help: "Total number of rule records skipped during import",
	})
	compilationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sigforge_ruleset_compilations_total",
		Help: "Ruleset compilations by result (ok, error)",
	}, []string{"result"})
	compileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sigforge_ruleset_compile_seconds",
		Help:    "Time spent compiling a ruleset",
		Buckets: prometheus.DefBuckets,
	})
	thresholdConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sigforge_threshold_conflicts_total",
		Help: "Threshold inserts rejected because an existing directive contains them",
	})
)

// Update results.
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(sourceUpdatesTotal, parseErrorsTotal, compilationsTotal, compileSeconds, thresholdConflictsTotal)
}

// ObserveSourceUpdate counts one update attempt.
func ObserveSourceUpdate(result string) { sourceUpdatesTotal.WithLabelValues(result).Inc() }

// AddParseErrors adds the skipped records of an import.
func AddParseErrors(n int) {
	if n > 0 {
		parseErrorsTotal.Add(float64(n))
	}
}

// ObserveCompilation records one compilation and its duration.
func ObserveCompilation(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	compilationsTotal.WithLabelValues(result).Inc()
	compileSeconds.Observe(time.Since(start).Seconds())
}

// IncThresholdConflict increments the rejected threshold counter.
func IncThresholdConflict() { thresholdConflictsTotal.Inc() }
