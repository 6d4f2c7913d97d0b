package bandwidth

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor counts HTTP request and response bytes per surface
type Monitor struct {
	bytesReceived *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	responseSize  *prometheus.HistogramVec
}

// NewMonitor creates a monitor and registers its metrics on reg
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resident_http_request_bytes_total",
				Help: "Total bytes received in HTTP request bodies",
			},
			[]string{"surface", "method"},
		),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resident_http_response_bytes_total",
				Help: "Total bytes sent in HTTP response bodies",
			},
			[]string{"surface", "method", "status"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resident_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"surface"},
		),
	}

	reg.MustRegister(m.bytesReceived, m.bytesSent, m.responseSize)
	return m
}

// Middleware counts the bytes of every request served by next under the
// given surface label
func (m *Monitor) Middleware(surface string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 {
				m.bytesReceived.WithLabelValues(surface, r.Method).Add(float64(r.ContentLength))
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			m.bytesSent.WithLabelValues(surface, r.Method, status).Add(float64(rw.bytesWritten))
			m.responseSize.WithLabelValues(surface).Observe(float64(rw.bytesWritten))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
