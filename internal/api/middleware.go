package api

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	logrus "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"flexbus/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Instrument wraps the mux with request logging, metrics, and a global rate
// limit. Streaming and health endpoints bypass the limiter.
func Instrument(next http.Handler, rps float64, burst int) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isExempt(r.URL.Path) && !limiter.Allow() {
			writeProblem(w, http.StatusTooManyRequests, "Rate limited", "slow down", r.URL.Path)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		path := metricPath(r.URL.Path)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": dur.String(),
			"remote":   r.RemoteAddr,
		}).Info("http request")
	})
}

func isExempt(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics" ||
		strings.HasSuffix(path, "/events/stream") || path == "/v1/events/stream" || path == "/v1/events/ws"
}

// metricPath collapses resource ids so label cardinality stays bounded.
func metricPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if len(p) >= 32 || (i > 2 && len(p) > 8 && strings.Count(p, "-") >= 2) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
