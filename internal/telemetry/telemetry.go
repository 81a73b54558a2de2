// Package telemetry exposes Prometheus metrics for the harvesting pipeline.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetch_requests_total",
			Help: "Total catalog fetch attempts, labeled by host and status.",
		},
		[]string{"host", "status"},
	)

	fetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetch_retries_total",
			Help: "Total fetch retries, labeled by host.",
		},
		[]string{"host"},
	)

	recordsHarvestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Total records harvested, labeled by source.",
		},
		[]string{"source"},
	)

	snapshotsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_snapshots_written_total",
			Help: "Total snapshots persisted, labeled by source.",
		},
		[]string{"source"},
	)

	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_units_total",
			Help: "Per-unit work outcomes, labeled by status.",
		},
		[]string{"status"},
	)

	alertsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_alerts_sent_total",
			Help: "Notifications sent, labeled by outcome state.",
		},
		[]string{"state"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_rate_limit_delay_seconds",
			Help:    "Histogram of per-host pacing waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)
)

// ObserveFetch records one fetch attempt result.
func ObserveFetch(host string, statusCode int) {
	fetchRequestsTotal.WithLabelValues(host, strconv.Itoa(statusCode)).Inc()
}

// ObserveFetchError records a fetch attempt that failed below HTTP.
func ObserveFetchError(host string) {
	fetchRequestsTotal.WithLabelValues(host, "error").Inc()
}

// ObserveRetry records one retry for host.
func ObserveRetry(host string) {
	fetchRetriesTotal.WithLabelValues(host).Inc()
}

// ObserveRecords records harvested record counts per source.
func ObserveRecords(source string, n int) {
	if n > 0 {
		recordsHarvestedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveSnapshotWritten records one persisted snapshot.
func ObserveSnapshotWritten(source string) {
	snapshotsWrittenTotal.WithLabelValues(source).Inc()
}

// ObserveUnit records a per-unit work outcome.
func ObserveUnit(status string) {
	unitsTotal.WithLabelValues(status).Inc()
}

// ObserveAlert records a sent notification by outcome state.
func ObserveAlert(state string) {
	alertsSentTotal.WithLabelValues(state).Inc()
}

// ObserveRateLimitDelay records the duration of one pacing wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics endpoint on addr in a background goroutine.
// Harvest runs are finite, so a listener failure is surfaced through
// errFn instead of aborting the run.
func Serve(addr string, errFn func(error)) {
	r := chi.NewRouter()
	r.Handle("/metrics", Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	go func() {
		if err := http.ListenAndServe(addr, r); err != nil && errFn != nil {
			errFn(err)
		}
	}()
}
