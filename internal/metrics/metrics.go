// Package metrics provides Prometheus metrics for the filegate server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filegate_active_sessions",
			Help: "Number of live sessions (authenticated or not)",
		},
	)

	// Catalog metrics
	catalogListDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filegate_catalog_list_duration_seconds",
			Help:    "Time to enumerate the data folder",
			Buckets: prometheus.DefBuckets,
		},
	)

	catalogFilesFound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filegate_catalog_files",
			Help: "Number of eligible files found by the last enumeration",
		},
	)

	// Archive metrics
	archiveBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filegate_archive_build_duration_seconds",
			Help:    "Time to build a zip archive of the selection",
			Buckets: prometheus.DefBuckets,
		},
	)

	archiveMembersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_archive_members_total",
			Help: "Total files written into archives",
		},
	)

	archiveSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_archive_skipped_total",
			Help: "Selected files skipped while archiving",
		},
		[]string{"reason"},
	)

	// Download metrics
	downloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_download_bytes_total",
			Help: "Total bytes served to clients",
		},
		[]string{"kind"},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_downloads_total",
			Help: "Total number of downloads",
		},
		[]string{"kind", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the number of live sessions.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordCatalogList records one enumeration of the data folder.
func RecordCatalogList(duration time.Duration, files int) {
	catalogListDuration.Observe(duration.Seconds())
	catalogFilesFound.Set(float64(files))
}

// RecordArchiveBuild records one archive build.
func RecordArchiveBuild(duration time.Duration, members int) {
	archiveBuildDuration.Observe(duration.Seconds())
	archiveMembersTotal.Add(float64(members))
}

// RecordArchiveSkip records a selected file that was left out of an archive.
func RecordArchiveSkip(reason string) {
	archiveSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordDownload records bytes served for a single-file or archive download.
func RecordDownload(kind string, bytes int64, success bool) {
	downloadBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(kind, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by their mux pattern so file paths do not
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
