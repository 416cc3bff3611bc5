// Package metrics provides Prometheus metrics for the file manager.
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
			Name: "webfm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webfm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webfm_bytes_downloaded_total",
			Help: "Total bytes served by download, preview and thumbnail",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webfm_bytes_uploaded_total",
			Help: "Total bytes written by uploads",
		},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webfm_transfers_total",
			Help: "Total number of download, preview and thumbnail requests",
		},
		[]string{"kind", "result"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webfm_uploads_total",
			Help: "Uploaded files by outcome",
		},
		[]string{"result"},
	)

	// Mutations
	fileOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webfm_fileops_total",
			Help: "File operations by kind and outcome",
		},
		[]string{"op", "result"},
	)

	// Listing
	scanEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webfm_scan_entries",
			Help:    "Entries collected per directory scan",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webfm_scan_duration_seconds",
			Help:    "Directory scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session
	csrfRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webfm_csrf_rejections_total",
			Help: "Mutating requests rejected for a missing or wrong CSRF token",
		},
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

// RecordTransfer records a download, preview or thumbnail response.
func RecordTransfer(kind string, bytes int64, success bool) {
	bytesDownloaded.Add(float64(bytes))
	transfersTotal.WithLabelValues(kind, resultLabel(success)).Inc()
}

// RecordUpload records one uploaded file. result is a failure label such as
// "ok", "invalid" or "conflict".
func RecordUpload(bytes int64, result string) {
	if result == "ok" {
		bytesUploaded.Add(float64(bytes))
	}
	uploadsTotal.WithLabelValues(result).Inc()
}

// RecordFileOp records a create, rename, delete or move.
func RecordFileOp(op, result string) {
	fileOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordScan records the size and duration of a directory scan.
func RecordScan(entries int, duration time.Duration) {
	scanEntries.Observe(float64(entries))
	scanDuration.Observe(duration.Seconds())
}

// RecordCSRFRejection counts a rejected mutating request.
func RecordCSRFRejection() {
	csrfRejectionsTotal.Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
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

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by the mux pattern that matched, not the raw path.
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
